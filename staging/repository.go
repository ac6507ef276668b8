package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so repository reads can
// run against the pool while transitions run inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository is the PostgreSQL data access layer for staged exports. It is
// stateless; callers supply the pool or transaction each call runs against.
type PGRepository struct{}

func NewPGRepository() *PGRepository {
	return &PGRepository{}
}

const exportColumns = `
	id, invoice_id, destination_system, export_format::text, staging_status::text,
	original_data, prepared_data, approved_data, posted_data,
	field_changes, diff_summary, quality_score, validation_errors,
	external_reference, export_job_id,
	batch_id, priority, business_unit, cost_center, compliance_flags, audit_notes,
	prepared_by, approved_by, posted_by, rejected_by,
	prepared_at, approved_at, posted_at, rejected_at,
	created_at, updated_at
`

// activeStatuses guards the one-active-export-per-(invoice,destination)
// invariant; it must match the partial unique index predicate.
const activeStatuses = `('prepared','under_review')`

// InsertExport persists a freshly prepared export. The partial unique index
// on active exports is the backstop: a concurrent insert for the same
// invoice and destination surfaces as ErrActiveExportExists.
func (r *PGRepository) InsertExport(ctx context.Context, q DBTX, e StagedExport) (StagedExport, error) {
	original, err := encodeJSON(e.OriginalData)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal original data: %w", err)
	}
	prepared, err := encodeJSON(e.PreparedData)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal prepared data: %w", err)
	}
	changes, err := encodeJSON(e.FieldChanges)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal field changes: %w", err)
	}
	summary, err := encodeJSON(e.DiffSummary)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal diff summary: %w", err)
	}
	findings, err := encodeJSON(e.ValidationErrors)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal validation errors: %w", err)
	}
	flags, err := encodeJSON(e.ComplianceFlags)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal compliance flags: %w", err)
	}

	insertSQL := `
		INSERT INTO staged_exports
			(invoice_id, destination_system, export_format, original_data, prepared_data,
			 field_changes, diff_summary, quality_score, validation_errors,
			 batch_id, priority, business_unit, cost_center, compliance_flags, prepared_by)
		VALUES ($1, $2, $3::export_format, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING` + exportColumns

	rec, err := scanExport(q.QueryRow(ctx, insertSQL,
		e.InvoiceID, e.DestinationSystem, e.Format, original, prepared,
		changes, summary, e.QualityScore, findings,
		e.BatchID, e.Priority, e.BusinessUnit, e.CostCenter, flags, e.PreparedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return StagedExport{}, ErrActiveExportExists
		}
		return StagedExport{}, fmt.Errorf("staging: insert export: %w", err)
	}
	return rec, nil
}

// FindActiveExportID returns the id of the non-terminal export for the pair,
// or empty string when none exists.
func (r *PGRepository) FindActiveExportID(ctx context.Context, q DBTX, invoiceID, destination string) (string, error) {
	query := `
		SELECT id FROM staged_exports
		WHERE invoice_id = $1 AND destination_system = $2
		  AND staging_status IN ` + activeStatuses + `
		LIMIT 1
	`
	var id string
	err := q.QueryRow(ctx, query, invoiceID, destination).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("staging: find active export: %w", err)
	}
	return id, nil
}

// GetExport fetches one staged export by id.
func (r *PGRepository) GetExport(ctx context.Context, q DBTX, id string) (StagedExport, error) {
	query := `SELECT` + exportColumns + `FROM staged_exports WHERE id = $1`
	rec, err := scanExport(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StagedExport{}, ErrExportNotFound
		}
		return StagedExport{}, fmt.Errorf("staging: get export: %w", err)
	}
	return rec, nil
}

// StartReview moves a prepared export into under_review. Compare-and-swap:
// pgx.ErrNoRows means the export was missing or not in prepared.
func (r *PGRepository) StartReview(ctx context.Context, tx pgx.Tx, id string) (StagedExport, error) {
	query := `
		UPDATE staged_exports
		SET staging_status = 'under_review', updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status = 'prepared'
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id))
}

// ApproveExport applies the approve transition. The status predicate is the
// compare-and-swap guard; pgx.ErrNoRows propagates for the caller to
// diagnose against the current row.
func (r *PGRepository) ApproveExport(ctx context.Context, tx pgx.Tx, id, approvedBy string, approvedData map[string]any, changes []FieldChange, summary Summary) (StagedExport, error) {
	data, err := encodeJSON(approvedData)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal approved data: %w", err)
	}
	changesJSON, err := encodeJSON(changes)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal field changes: %w", err)
	}
	summaryJSON, err := encodeJSON(summary)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal diff summary: %w", err)
	}

	query := `
		UPDATE staged_exports
		SET staging_status = 'approved',
		    approved_data = $2,
		    field_changes = $3,
		    diff_summary = $4,
		    approved_by = $5,
		    approved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status IN ` + activeStatuses + `
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id, data, changesJSON, summaryJSON, approvedBy))
}

// RejectExport applies the reject transition and records the reason.
func (r *PGRepository) RejectExport(ctx context.Context, tx pgx.Tx, id, rejectedBy, reason string) (StagedExport, error) {
	query := `
		UPDATE staged_exports
		SET staging_status = 'rejected',
		    rejected_by = $2,
		    rejected_at = get_tx_timestamp(),
		    audit_notes = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status IN ` + activeStatuses + `
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id, rejectedBy, reason))
}

// PostExport applies the post transition after the destination accepted the
// data. Only an approved export may post.
func (r *PGRepository) PostExport(ctx context.Context, tx pgx.Tx, id, postedBy string, postedData map[string]any, externalReference, exportJobID string) (StagedExport, error) {
	data, err := encodeJSON(postedData)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: marshal posted data: %w", err)
	}
	var extRef, jobID any
	if externalReference != "" {
		extRef = externalReference
	}
	if exportJobID != "" {
		jobID = exportJobID
	}
	query := `
		UPDATE staged_exports
		SET staging_status = 'posted',
		    posted_data = $2,
		    external_reference = $3,
		    export_job_id = $4,
		    posted_by = $5,
		    posted_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status = 'approved'
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id, data, extRef, jobID, postedBy))
}

// RollbackExport applies the rollback transition and clears the external
// reference. Only a posted export may roll back.
func (r *PGRepository) RollbackExport(ctx context.Context, tx pgx.Tx, id, rolledBackBy, reason string) (StagedExport, error) {
	query := `
		UPDATE staged_exports
		SET staging_status = 'rolled_back',
		    external_reference = NULL,
		    audit_notes = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status = 'posted'
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id, reason))
}

// FailExport parks an export in failed after an internal error. Terminal
// statuses stay as they are.
func (r *PGRepository) FailExport(ctx context.Context, tx pgx.Tx, id, reason string) (StagedExport, error) {
	query := `
		UPDATE staged_exports
		SET staging_status = 'failed',
		    audit_notes = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND staging_status NOT IN ('rejected','posted','failed','cancelled','rolled_back')
		RETURNING` + exportColumns
	return scanExport(tx.QueryRow(ctx, query, id, reason))
}

// AppendAudit writes one immutable audit trail row. Shared by every
// orchestrator transition so entries keep a uniform shape.
func (r *PGRepository) AppendAudit(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	prev, err := encodeJSON(entry.PreviousState)
	if err != nil {
		return fmt.Errorf("staging: marshal previous state: %w", err)
	}
	next, err := encodeJSON(entry.NewState)
	if err != nil {
		return fmt.Errorf("staging: marshal new state: %w", err)
	}
	const query = `
		INSERT INTO staging_audit_trail
			(export_id, action, action_by, previous_state, new_state, business_event, impact_assessment, notes)
		VALUES ($1, $2::audit_action, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, query,
		entry.ExportID, entry.Action, entry.ActionBy, prev, next,
		entry.BusinessEvent, entry.Impact, entry.Notes); err != nil {
		return fmt.Errorf("staging: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail for an export in write order.
func (r *PGRepository) ListAudit(ctx context.Context, q DBTX, exportID string) ([]AuditEntry, error) {
	const query = `
		SELECT id, export_id, action::text, action_by, previous_state, new_state,
		       COALESCE(business_event, ''), COALESCE(impact_assessment, ''), notes, created_at
		FROM staging_audit_trail
		WHERE export_id = $1
		ORDER BY id ASC
	`
	rows, err := q.Query(ctx, query, exportID)
	if err != nil {
		return nil, fmt.Errorf("staging: list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, 8)
	for rows.Next() {
		var (
			entry        AuditEntry
			action       string
			impact       string
			prevB, nextB []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ExportID, &action, &entry.ActionBy,
			&prevB, &nextB, &entry.BusinessEvent, &impact, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("staging: scan audit: %w", err)
		}
		entry.Action = Action(action)
		entry.Impact = Impact(impact)
		if len(prevB) > 0 {
			if err := json.Unmarshal(prevB, &entry.PreviousState); err != nil {
				return nil, fmt.Errorf("staging: decode previous state: %w", err)
			}
		}
		if len(nextB) > 0 {
			if err := json.Unmarshal(nextB, &entry.NewState); err != nil {
				return nil, fmt.Errorf("staging: decode new state: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staging: iterate audit: %w", err)
	}
	return out, nil
}

// ListExports returns exports matching the filters, newest first.
func (r *PGRepository) ListExports(ctx context.Context, q DBTX, filters ListFilters) ([]StagedExport, error) {
	query := `SELECT` + exportColumns + `FROM staged_exports WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if filters.InvoiceID != "" {
		add("invoice_id", filters.InvoiceID)
	}
	if filters.Destination != "" {
		add("destination_system", filters.Destination)
	}
	if filters.Status != "" {
		add("staging_status", string(filters.Status))
	}
	if filters.BatchID != "" {
		add("batch_id", filters.BatchID)
	}
	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("staging: list exports: %w", err)
	}
	defer rows.Close()

	out := make([]StagedExport, 0, limit)
	for rows.Next() {
		rec, err := scanExportRows(rows)
		if err != nil {
			return nil, fmt.Errorf("staging: scan export: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staging: iterate exports: %w", err)
	}
	return out, nil
}

// CreateBatch inserts an empty staging batch.
func (r *PGRepository) CreateBatch(ctx context.Context, q DBTX, name, createdBy string) (Batch, error) {
	const query = `
		INSERT INTO staging_batches (name, created_by)
		VALUES ($1, $2)
		RETURNING id, name, created_by, total_count, prepared_count, approved_count,
		          posted_count, rejected_count, failed_count, created_at, updated_at
	`
	return scanBatch(q.QueryRow(ctx, query, name, createdBy))
}

// GetBatch fetches a batch with its rollup counters.
func (r *PGRepository) GetBatch(ctx context.Context, q DBTX, id string) (Batch, error) {
	const query = `
		SELECT id, name, created_by, total_count, prepared_count, approved_count,
		       posted_count, rejected_count, failed_count, created_at, updated_at
		FROM staging_batches
		WHERE id = $1
	`
	b, err := scanBatch(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// RefreshBatch recomputes rollup counters from member exports. Runs in the
// same transaction as the member transition so counters never drift.
func (r *PGRepository) RefreshBatch(ctx context.Context, tx pgx.Tx, batchID string) error {
	const query = `
		UPDATE staging_batches b
		SET total_count    = s.total,
		    prepared_count = s.prepared,
		    approved_count = s.approved,
		    posted_count   = s.posted,
		    rejected_count = s.rejected,
		    failed_count   = s.failed,
		    updated_at     = get_tx_timestamp()
		FROM (
			SELECT count(*) AS total,
			       count(*) FILTER (WHERE staging_status IN ('prepared','under_review')) AS prepared,
			       count(*) FILTER (WHERE staging_status = 'approved') AS approved,
			       count(*) FILTER (WHERE staging_status = 'posted') AS posted,
			       count(*) FILTER (WHERE staging_status = 'rejected') AS rejected,
			       count(*) FILTER (WHERE staging_status IN ('failed','cancelled','rolled_back')) AS failed
			FROM staged_exports
			WHERE batch_id = $1
		) s
		WHERE b.id = $1
	`
	if _, err := tx.Exec(ctx, query, batchID); err != nil {
		return fmt.Errorf("staging: refresh batch: %w", err)
	}
	return nil
}

// CreateChainSteps seeds an ordered approval chain for an export.
func (r *PGRepository) CreateChainSteps(ctx context.Context, tx pgx.Tx, exportID string, roles []string) ([]ChainStep, error) {
	const query = `
		INSERT INTO staging_approval_chains (export_id, step_number, required_role)
		VALUES ($1, $2, $3)
		RETURNING id, export_id, step_number, required_role, status::text, acted_by, acted_at, created_at
	`
	out := make([]ChainStep, 0, len(roles))
	for i, role := range roles {
		step, err := scanChainStep(tx.QueryRow(ctx, query, exportID, i+1, role))
		if err != nil {
			return nil, fmt.Errorf("staging: create chain step %d: %w", i+1, err)
		}
		out = append(out, step)
	}
	return out, nil
}

// ListChain returns the approval chain for an export in step order.
func (r *PGRepository) ListChain(ctx context.Context, q DBTX, exportID string) ([]ChainStep, error) {
	const query = `
		SELECT id, export_id, step_number, required_role, status::text, acted_by, acted_at, created_at
		FROM staging_approval_chains
		WHERE export_id = $1
		ORDER BY step_number ASC
	`
	rows, err := q.Query(ctx, query, exportID)
	if err != nil {
		return nil, fmt.Errorf("staging: list chain: %w", err)
	}
	defer rows.Close()

	out := make([]ChainStep, 0, 4)
	for rows.Next() {
		var step ChainStep
		var status string
		if err := rows.Scan(&step.ID, &step.ExportID, &step.StepNumber, &step.RequiredRole,
			&status, &step.ActedBy, &step.ActedAt, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("staging: scan chain step: %w", err)
		}
		step.Status = ChainStepStatus(status)
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staging: iterate chain: %w", err)
	}
	return out, nil
}

// AdvanceChainStep records the decision on a pending step. Compare-and-swap:
// a step that already acted is not overwritten.
func (r *PGRepository) AdvanceChainStep(ctx context.Context, tx pgx.Tx, stepID string, status ChainStepStatus, actedBy string) (ChainStep, error) {
	const query = `
		UPDATE staging_approval_chains
		SET status = $2::chain_step_status,
		    acted_by = $3,
		    acted_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'pending'
		RETURNING id, export_id, step_number, required_role, status::text, acted_by, acted_at, created_at
	`
	step, err := scanChainStep(tx.QueryRow(ctx, query, stepID, status, actedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChainStep{}, ErrChainStepNotFound
		}
		return ChainStep{}, fmt.Errorf("staging: advance chain step: %w", err)
	}
	return step, nil
}

func scanChainStep(row pgx.Row) (ChainStep, error) {
	var step ChainStep
	var status string
	if err := row.Scan(&step.ID, &step.ExportID, &step.StepNumber, &step.RequiredRole,
		&status, &step.ActedBy, &step.ActedAt, &step.CreatedAt); err != nil {
		return ChainStep{}, err
	}
	step.Status = ChainStepStatus(status)
	return step, nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Name, &b.CreatedBy, &b.TotalCount, &b.PreparedCount,
		&b.ApprovedCount, &b.PostedCount, &b.RejectedCount, &b.FailedCount,
		&b.CreatedAt, &b.UpdatedAt)
	return b, err
}

type exportScanner interface {
	Scan(dest ...any) error
}

func scanExport(row exportScanner) (StagedExport, error) {
	var e StagedExport
	var format, status string
	var original, prepared, approved, posted []byte
	var changes, summary, findings, flags []byte
	err := row.Scan(
		&e.ID, &e.InvoiceID, &e.DestinationSystem, &format, &status,
		&original, &prepared, &approved, &posted,
		&changes, &summary, &e.QualityScore, &findings,
		&e.ExternalReference, &e.ExportJobID,
		&e.BatchID, &e.Priority, &e.BusinessUnit, &e.CostCenter, &flags, &e.AuditNotes,
		&e.PreparedBy, &e.ApprovedBy, &e.PostedBy, &e.RejectedBy,
		&e.PreparedAt, &e.ApprovedAt, &e.PostedAt, &e.RejectedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return StagedExport{}, err
	}
	e.Format = ExportFormat(format)
	e.Status = Status(status)
	for _, pair := range []struct {
		src []byte
		dst any
	}{
		{original, &e.OriginalData},
		{prepared, &e.PreparedData},
		{approved, &e.ApprovedData},
		{posted, &e.PostedData},
		{changes, &e.FieldChanges},
		{summary, &e.DiffSummary},
		{findings, &e.ValidationErrors},
		{flags, &e.ComplianceFlags},
	} {
		if len(pair.src) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.src, pair.dst); err != nil {
			return StagedExport{}, fmt.Errorf("decode jsonb column: %w", err)
		}
	}
	return e, nil
}

func scanExportRows(rows pgx.Rows) (StagedExport, error) {
	return scanExport(rows)
}

func encodeJSON(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []FieldChange:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			return nil, nil
		}
	case *Summary:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
