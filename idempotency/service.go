package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateOperation signals the same logical operation is already
	// running or otherwise blocked; callers should map it to a 409-style
	// response instead of retrying blindly.
	ErrDuplicateOperation = errors.New("idempotency: duplicate operation")
	// ErrRetriesExhausted signals a failed operation whose retry budget is
	// spent. Also a conflict kind from the caller's perspective.
	ErrRetriesExhausted = errors.New("idempotency: retries exhausted")
	// ErrRecordNotFound is returned when no ledger row exists for a key.
	ErrRecordNotFound = errors.New("idempotency: record not found")
)

const (
	defaultTTLSeconds    = 3600
	defaultMaxExecutions = 3
)

// Service is the idempotent operation gate. It owns all writes to the
// idempotency ledger; no other component mutates those rows.
type Service struct {
	pool     *pgxpool.Pool
	validate *validator.Validate
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:     pool,
		validate: validator.New(),
		now:      time.Now,
	}
}

// CheckAndCreateParams describes the operation a caller wants to run once.
type CheckAndCreateParams struct {
	Key           string        `validate:"required"`
	OperationType OperationType `validate:"required"`
	OperationData map[string]any
	UserID        string
	TTLSeconds    int `validate:"omitempty,gt=0"`
	MaxExecutions int `validate:"omitempty,gt=0"`
}

const recordColumns = `
	id, idempotency_key, operation_type::text, operation_status::text,
	operation_data, result_data, error_data,
	execution_count, max_executions, ttl_seconds, expires_at,
	user_id, started_at, completed_at, created_at, updated_at
`

// CheckAndCreate reserves the key for a fresh attempt or reports how the
// existing attempt ended. The unique constraint on idempotency_key is the
// correctness backstop: a concurrent insert with the same key loses the race
// at the storage layer and falls into the existing-record branches below.
//
// Returns (record, true) when the caller may execute the operation, and
// (record, false) when a completed result should be replayed. Conflicts are
// surfaced as ErrDuplicateOperation or ErrRetriesExhausted.
func (s *Service) CheckAndCreate(ctx context.Context, params CheckAndCreateParams) (Record, bool, error) {
	if err := s.validate.Struct(params); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: invalid params: %w", err)
	}
	if params.TTLSeconds == 0 {
		params.TTLSeconds = defaultTTLSeconds
	}
	if params.MaxExecutions == 0 {
		params.MaxExecutions = defaultMaxExecutions
	}

	opData, err := marshalJSON(params.OperationData)
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: marshal operation data: %w", err)
	}
	var userID any
	if params.UserID != "" {
		userID = params.UserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO idempotency_records
			(idempotency_key, operation_type, operation_data, ttl_seconds, max_executions, expires_at, user_id)
		VALUES ($1, $2::operation_type, $3, $4, $5, get_tx_timestamp() + make_interval(secs => $4), $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.Key, params.OperationType, opData, params.TTLSeconds, params.MaxExecutions, userID))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: commit create: %w", err)
		}
		return rec, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// A record already exists; fall through to the decision table.
	default:
		return Record{}, false, fmt.Errorf("idempotency: insert record: %w", err)
	}

	lockSQL := `SELECT` + recordColumns + `FROM idempotency_records WHERE idempotency_key = $1 FOR UPDATE`
	rec, err = scanRecord(tx.QueryRow(ctx, lockSQL, params.Key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, ErrRecordNotFound
		}
		return Record{}, false, fmt.Errorf("idempotency: lock record: %w", err)
	}

	now := s.now().UTC()
	switch rec.Status {
	case StatusCompleted:
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: commit replay: %w", err)
		}
		return rec, false, nil

	case StatusPending, StatusInProgress:
		if !rec.Expired(now) {
			if err := s.logConflict(ctx, tx, rec, ConflictConcurrentDuplicate, params); err != nil {
				return Record{}, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return Record{}, false, fmt.Errorf("idempotency: commit conflict: %w", err)
			}
			return rec, false, fmt.Errorf("idempotency: operation %s already %s: %w",
				rec.OperationType, rec.Status, ErrDuplicateOperation)
		}
		// TTL elapsed with no terminal transition: the worker is presumed
		// dead and the key becomes reclaimable.
		if err := s.logConflict(ctx, tx, rec, ConflictStaleRetry, params); err != nil {
			return Record{}, false, err
		}
		rec, err = s.resetForRetry(ctx, tx, rec.Key)
		if err != nil {
			return Record{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: commit reclaim: %w", err)
		}
		return rec, true, nil

	case StatusFailed:
		if rec.Retriable() {
			rec, err = s.resetForRetry(ctx, tx, rec.Key)
			if err != nil {
				return Record{}, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return Record{}, false, fmt.Errorf("idempotency: commit retry: %w", err)
			}
			return rec, true, nil
		}
		if err := s.logConflict(ctx, tx, rec, ConflictRetriesExhausted, params); err != nil {
			return Record{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: commit exhausted: %w", err)
		}
		return rec, false, fmt.Errorf("idempotency: %d of %d executions used: %w",
			rec.ExecutionCount, rec.MaxExecutions, ErrRetriesExhausted)

	default:
		if err := s.logConflict(ctx, tx, rec, ConflictStatusMismatch, params); err != nil {
			return Record{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: commit mismatch: %w", err)
		}
		return rec, false, fmt.Errorf("idempotency: record in status %q: %w", rec.Status, ErrDuplicateOperation)
	}
}

// MarkStarted claims a pending record for execution. The conditional update
// is the compare-and-swap guard: it reports false when another process
// already moved the record on.
func (s *Service) MarkStarted(ctx context.Context, key string) (bool, error) {
	const q = `
		UPDATE idempotency_records
		SET operation_status = 'in_progress',
		    execution_count = execution_count + 1,
		    started_at = get_tx_timestamp(),
		    expires_at = get_tx_timestamp() + make_interval(secs => ttl_seconds),
		    updated_at = get_tx_timestamp()
		WHERE idempotency_key = $1 AND operation_status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, q, key)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark started: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records the operation result. Only an in_progress record can
// complete; a false return means the precondition no longer held.
func (s *Service) MarkCompleted(ctx context.Context, key string, result map[string]any) (bool, error) {
	body, err := marshalJSON(result)
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal result: %w", err)
	}
	const q = `
		UPDATE idempotency_records
		SET operation_status = 'completed',
		    result_data = $2,
		    error_data = NULL,
		    completed_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE idempotency_key = $1 AND operation_status = 'in_progress'
	`
	tag, err := s.pool.Exec(ctx, q, key, body)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records the failure detail for later inspection and replay
// decisions. It is not an automatic retry loop.
func (s *Service) MarkFailed(ctx context.Context, key string, errData map[string]any) (bool, error) {
	body, err := marshalJSON(errData)
	if err != nil {
		return false, fmt.Errorf("idempotency: marshal error data: %w", err)
	}
	const q = `
		UPDATE idempotency_records
		SET operation_status = 'failed',
		    error_data = $2,
		    result_data = NULL,
		    completed_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE idempotency_key = $1 AND operation_status = 'in_progress'
	`
	tag, err := s.pool.Exec(ctx, q, key, body)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel abandons a pending record that was never started.
func (s *Service) Cancel(ctx context.Context, key string) (bool, error) {
	const q = `
		UPDATE idempotency_records
		SET operation_status = 'cancelled', updated_at = get_tx_timestamp()
		WHERE idempotency_key = $1 AND operation_status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, q, key)
	if err != nil {
		return false, fmt.Errorf("idempotency: cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the ledger record for a key.
func (s *Service) Get(ctx context.Context, key string) (Record, error) {
	q := `SELECT` + recordColumns + `FROM idempotency_records WHERE idempotency_key = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("idempotency: get record: %w", err)
	}
	return rec, nil
}

// ListConflicts returns the collision log for a key, oldest first. The log
// is append-only; rows survive until their record is garbage-collected.
func (s *Service) ListConflicts(ctx context.Context, key string) ([]Conflict, error) {
	const q = `
		SELECT id, record_id, idempotency_key, conflict_type::text, requested_by, request_data, created_at
		FROM idempotency_conflicts
		WHERE idempotency_key = $1
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var (
			c       Conflict
			kind    string
			reqData []byte
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Key, &kind, &c.RequestedBy, &reqData, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("idempotency: scan conflict: %w", err)
		}
		c.Type = ConflictType(kind)
		if len(reqData) > 0 {
			if err := json.Unmarshal(reqData, &c.RequestData); err != nil {
				return nil, fmt.Errorf("idempotency: decode conflict data: %w", err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency: iterate conflicts: %w", err)
	}
	return out, nil
}

// Do wraps a caller-supplied operation with the full gate: reserve the key,
// claim it, execute, and record the outcome. Replays of a completed operation
// return the cached result without re-executing side effects.
func (s *Service) Do(ctx context.Context, params CheckAndCreateParams, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	rec, fresh, err := s.CheckAndCreate(ctx, params)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return rec.ResultData, nil
	}

	claimed, err := s.MarkStarted(ctx, params.Key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("idempotency: key %s claimed by another caller: %w", params.Key, ErrDuplicateOperation)
	}

	result, opErr := fn(ctx)
	if opErr != nil {
		if _, markErr := s.MarkFailed(ctx, params.Key, map[string]any{"error": opErr.Error()}); markErr != nil {
			return nil, errors.Join(opErr, markErr)
		}
		return nil, opErr
	}

	if _, err := s.MarkCompleted(ctx, params.Key, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CleanupExpired garbage-collects terminal records whose TTL elapsed, along
// with their conflict rows. With dryRun it only reports what would go. The
// pass runs in one transaction and the reported counts come from the deletes
// themselves, so they cannot drift from what actually went away.
func (s *Service) CleanupExpired(ctx context.Context, dryRun bool) (CleanupStats, error) {
	stats := CleanupStats{DryRun: dryRun}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CleanupStats{}, fmt.Errorf("idempotency: begin cleanup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if dryRun {
		const countSQL = `
			SELECT count(*),
			       (SELECT count(*) FROM idempotency_conflicts c
			        JOIN idempotency_records r ON r.id = c.record_id
			        WHERE r.operation_status IN ('completed','failed','cancelled')
			          AND r.expires_at < get_tx_timestamp())
			FROM idempotency_records
			WHERE operation_status IN ('completed','failed','cancelled')
			  AND expires_at < get_tx_timestamp()
		`
		if err := tx.QueryRow(ctx, countSQL).Scan(&stats.Examined, &stats.ConflictsDeleted); err != nil {
			return CleanupStats{}, fmt.Errorf("idempotency: count expired: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return CleanupStats{}, fmt.Errorf("idempotency: commit dry run: %w", err)
		}
		return stats, nil
	}

	const deleteConflictsSQL = `
		DELETE FROM idempotency_conflicts
		WHERE record_id IN (
			SELECT id FROM idempotency_records
			WHERE operation_status IN ('completed','failed','cancelled')
			  AND expires_at < get_tx_timestamp()
		)
	`
	tag, err := tx.Exec(ctx, deleteConflictsSQL)
	if err != nil {
		return CleanupStats{}, fmt.Errorf("idempotency: delete expired conflicts: %w", err)
	}
	stats.ConflictsDeleted = tag.RowsAffected()

	const deleteRecordsSQL = `
		DELETE FROM idempotency_records
		WHERE operation_status IN ('completed','failed','cancelled')
		  AND expires_at < get_tx_timestamp()
	`
	tag, err = tx.Exec(ctx, deleteRecordsSQL)
	if err != nil {
		return CleanupStats{}, fmt.Errorf("idempotency: delete expired: %w", err)
	}
	stats.RecordsDeleted = tag.RowsAffected()
	stats.Examined = stats.RecordsDeleted
	if err := tx.Commit(ctx); err != nil {
		return CleanupStats{}, fmt.Errorf("idempotency: commit cleanup: %w", err)
	}
	return stats, nil
}

// Metrics aggregates record counts by status plus conflict volume inside the
// window. Read-only.
func (s *Service) Metrics(ctx context.Context, start, end time.Time, opType *OperationType) (Metrics, error) {
	m := Metrics{
		WindowStart:   start,
		WindowEnd:     end,
		CountByStatus: make(map[OperationStatus]int64),
	}

	query := `
		SELECT operation_status::text, count(*)
		FROM idempotency_records
		WHERE created_at >= $1 AND created_at < $2
	`
	args := []any{start, end}
	if opType != nil {
		query += ` AND operation_type = $3::operation_type`
		args = append(args, *opType)
	}
	query += ` GROUP BY operation_status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Metrics{}, fmt.Errorf("idempotency: metrics query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Metrics{}, fmt.Errorf("idempotency: scan metrics: %w", err)
		}
		m.CountByStatus[OperationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, fmt.Errorf("idempotency: iterate metrics: %w", err)
	}

	conflictQuery := `
		SELECT count(*)
		FROM idempotency_conflicts c
		JOIN idempotency_records r ON r.id = c.record_id
		WHERE c.created_at >= $1 AND c.created_at < $2
	`
	cargs := []any{start, end}
	if opType != nil {
		conflictQuery += ` AND r.operation_type = $3::operation_type`
		cargs = append(cargs, *opType)
	}
	if err := s.pool.QueryRow(ctx, conflictQuery, cargs...).Scan(&m.ConflictCount); err != nil {
		return Metrics{}, fmt.Errorf("idempotency: conflict metrics: %w", err)
	}
	return m, nil
}

func (s *Service) resetForRetry(ctx context.Context, tx pgx.Tx, key string) (Record, error) {
	q := `
		UPDATE idempotency_records
		SET operation_status = 'pending',
		    result_data = NULL,
		    error_data = NULL,
		    expires_at = get_tx_timestamp() + make_interval(secs => ttl_seconds),
		    updated_at = get_tx_timestamp()
		WHERE idempotency_key = $1
		RETURNING` + recordColumns
	rec, err := scanRecord(tx.QueryRow(ctx, q, key))
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: reset for retry: %w", err)
	}
	return rec, nil
}

func (s *Service) logConflict(ctx context.Context, tx pgx.Tx, rec Record, kind ConflictType, params CheckAndCreateParams) error {
	reqData, err := marshalJSON(params.OperationData)
	if err != nil {
		return fmt.Errorf("idempotency: marshal conflict data: %w", err)
	}
	var requestedBy any
	if params.UserID != "" {
		requestedBy = params.UserID
	}
	const q = `
		INSERT INTO idempotency_conflicts (record_id, idempotency_key, conflict_type, requested_by, request_data)
		VALUES ($1, $2, $3::conflict_type, $4, $5)
	`
	if _, err := tx.Exec(ctx, q, rec.ID, rec.Key, kind, requestedBy, reqData); err != nil {
		return fmt.Errorf("idempotency: log conflict: %w", err)
	}
	return nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var opData, resData, errData []byte
	var opType, status string
	err := row.Scan(
		&rec.ID, &rec.Key, &opType, &status,
		&opData, &resData, &errData,
		&rec.ExecutionCount, &rec.MaxExecutions, &rec.TTLSeconds, &rec.ExpiresAt,
		&rec.UserID, &rec.StartedAt, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.OperationType = OperationType(opType)
	rec.Status = OperationStatus(status)
	for _, pair := range []struct {
		src []byte
		dst *map[string]any
	}{
		{opData, &rec.OperationData},
		{resData, &rec.ResultData},
		{errData, &rec.ErrorData},
	} {
		if len(pair.src) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.src, pair.dst); err != nil {
			return Record{}, fmt.Errorf("decode jsonb column: %w", err)
		}
	}
	return rec, nil
}
