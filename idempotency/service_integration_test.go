package idempotency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// newTestService connects to a live PostgreSQL via DATABASE_URL. Skips when
// unset or when migrations have not been applied.
func newTestService(t *testing.T, ctx context.Context) *Service {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'idempotency_records')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations first")
	}
	return NewService(pool)
}

func uniqueKey(prefix string) string {
	return GenerateKey(OpExportStage, prefix, fmt.Sprintf("%d", time.Now().UnixNano()))
}

func TestCheckAndCreate_AtMostOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("at-most-once")
	params := CheckAndCreateParams{
		Key:           key,
		OperationType: OpExportStage,
		OperationData: map[string]any{"invoice_id": "inv-1"},
		UserID:        "user-1",
	}

	var fresh int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, isNew, err := svc.CheckAndCreate(gctx, params)
			if err != nil {
				if errors.Is(err, ErrDuplicateOperation) {
					return nil
				}
				return err
			}
			if isNew {
				atomic.AddInt64(&fresh, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent check-and-create: %v", err)
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh reservation, got %d", fresh)
	}
}

func TestGate_ReplayReturnsCachedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("replay")
	params := CheckAndCreateParams{Key: key, OperationType: OpExportPost}

	var executions int
	run := func(context.Context) (map[string]any, error) {
		executions++
		return map[string]any{"export_job_id": "JOB-77"}, nil
	}

	first, err := svc.Do(ctx, params, run)
	if err != nil {
		t.Fatalf("first invocation: %v", err)
	}
	second, err := svc.Do(ctx, params, run)
	if err != nil {
		t.Fatalf("replay invocation: %v", err)
	}
	if executions != 1 {
		t.Fatalf("expected the operation to run once, ran %d times", executions)
	}
	if first["export_job_id"] != "JOB-77" || second["export_job_id"] != "JOB-77" {
		t.Fatalf("replay did not return the cached result: %v / %v", first, second)
	}

	rec, err := svc.Get(ctx, key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != StatusCompleted || rec.ErrorData != nil {
		t.Fatalf("expected completed record without error data, got %s / %v", rec.Status, rec.ErrorData)
	}
}

func TestGate_FailureThenRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("retry")
	params := CheckAndCreateParams{Key: key, OperationType: OpExportStage, MaxExecutions: 2}

	boom := errors.New("destination offline")
	if _, err := svc.Do(ctx, params, func(context.Context) (map[string]any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected operation error, got %v", err)
	}

	rec, err := svc.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed record: %v", err)
	}
	if rec.Status != StatusFailed || rec.ResultData != nil {
		t.Fatalf("expected failed record without result data, got %s / %v", rec.Status, rec.ResultData)
	}

	// One execution used, one left: the retry proceeds and succeeds.
	out, err := svc.Do(ctx, params, func(context.Context) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	if err != nil {
		t.Fatalf("retry invocation: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected retry result: %v", out)
	}
}

func TestGate_RetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("exhausted")
	params := CheckAndCreateParams{Key: key, OperationType: OpExportStage, MaxExecutions: 1}

	boom := errors.New("still broken")
	if _, err := svc.Do(ctx, params, func(context.Context) (map[string]any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected operation error, got %v", err)
	}

	if _, _, err := svc.CheckAndCreate(ctx, params); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}

	conflicts, err := svc.ListConflicts(ctx, key)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != ConflictRetriesExhausted {
		t.Fatalf("expected one retries_exhausted conflict, got %+v", conflicts)
	}
}

func TestCheckAndCreate_ExpiredInProgressReclaim(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("reclaim")
	params := CheckAndCreateParams{Key: key, OperationType: OpExportStage, TTLSeconds: 1}

	if _, isNew, err := svc.CheckAndCreate(ctx, params); err != nil || !isNew {
		t.Fatalf("initial reservation: isNew=%v err=%v", isNew, err)
	}
	claimed, err := svc.MarkStarted(ctx, key)
	if err != nil || !claimed {
		t.Fatalf("mark started: claimed=%v err=%v", claimed, err)
	}

	// Simulate a worker crash: never complete, wait out the TTL.
	time.Sleep(1500 * time.Millisecond)

	rec, isNew, err := svc.CheckAndCreate(ctx, params)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if !isNew {
		t.Fatalf("expected expired in_progress record to be reclaimable")
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected reclaimed record pending, got %s", rec.Status)
	}
}

func TestMarkTransitions_RequireExpectedStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("guards")
	params := CheckAndCreateParams{Key: key, OperationType: OpInvoiceUpload}
	if _, _, err := svc.CheckAndCreate(ctx, params); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Completing a record that was never started must be a no-op.
	if ok, err := svc.MarkCompleted(ctx, key, map[string]any{"x": 1}); err != nil || ok {
		t.Fatalf("expected completed-from-pending to be rejected: ok=%v err=%v", ok, err)
	}

	if ok, err := svc.MarkStarted(ctx, key); err != nil || !ok {
		t.Fatalf("mark started: ok=%v err=%v", ok, err)
	}
	// Second start must lose the compare-and-swap.
	if ok, err := svc.MarkStarted(ctx, key); err != nil || ok {
		t.Fatalf("expected second start to be rejected: ok=%v err=%v", ok, err)
	}
}

func TestCleanupExpired_DryRunIsNonDestructive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc := newTestService(t, ctx)

	key := uniqueKey("cleanup")
	params := CheckAndCreateParams{Key: key, OperationType: OpBatchOperation, TTLSeconds: 1}
	if _, err := svc.Do(ctx, params, func(context.Context) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}); err != nil {
		t.Fatalf("gate run: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	stats, err := svc.CleanupExpired(ctx, true)
	if err != nil {
		t.Fatalf("dry-run cleanup: %v", err)
	}
	if stats.Examined < 1 {
		t.Fatalf("expected at least one expired candidate, got %d", stats.Examined)
	}
	if _, err := svc.Get(ctx, key); err != nil {
		t.Fatalf("dry run must not delete records: %v", err)
	}

	deleted, err := svc.CleanupExpired(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted.RecordsDeleted < 1 {
		t.Fatalf("expected at least one deleted record, got %d", deleted.RecordsDeleted)
	}
	if deleted.Examined != deleted.RecordsDeleted {
		t.Fatalf("examined must match deletions, got %d vs %d", deleted.Examined, deleted.RecordsDeleted)
	}
	if _, err := svc.Get(ctx, key); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}
}
