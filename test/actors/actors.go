package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Stager keeps trying to create competing prepared exports for the same
// invoice and destination. The partial unique index must keep at most one
// active at any instant.
func Stager(ctx context.Context, pool *pgxpool.Pool, invoiceID, destination string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var exportID string
		err = tx.QueryRow(ctx, `INSERT INTO staged_exports
                (invoice_id, destination_system, export_format, original_data, prepared_data, prepared_by)
            VALUES ($1, $2, 'json', '{}'::jsonb, '{"vendor_name":"Acme"}'::jsonb, 'stress-stager')
            RETURNING id`, invoiceID, destination).Scan(&exportID)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO staging_audit_trail
                    (export_id, action, action_by, new_state, business_event, impact_assessment)
                VALUES ($1, 'created', 'stress-stager', '{"staging_status":"prepared"}'::jsonb, 'export_staged', 'low')`, exportID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected under contention
			} else {
				return fmt.Errorf("stager insert: %w", err)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Reviewer picks an active export and races other reviewers to decide it.
// Approvals and rejections go through the same status-predicated updates the
// service layer uses, with the audit row in the same transaction.
func Reviewer(ctx context.Context, pool *pgxpool.Pool, invoiceID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var exportID string
		err = tx.QueryRow(ctx, `SELECT id FROM staged_exports
            WHERE invoice_id = $1 AND staging_status IN ('prepared','under_review')
            LIMIT 1 FOR UPDATE SKIP LOCKED`, invoiceID).Scan(&exportID)
		if err == nil {
			if rand.Intn(4) == 0 {
				_, err = tx.Exec(ctx, `UPDATE staged_exports
                    SET staging_status = 'rejected', rejected_by = 'stress-reviewer', rejected_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
                    WHERE id = $1 AND staging_status IN ('prepared','under_review')`, exportID)
				if err == nil {
					_, err = tx.Exec(ctx, `INSERT INTO staging_audit_trail
                            (export_id, action, action_by, new_state, business_event, impact_assessment)
                        VALUES ($1, 'rejected', 'stress-reviewer', '{"staging_status":"rejected"}'::jsonb, 'export_rejected', 'low')`, exportID)
				}
			} else {
				_, err = tx.Exec(ctx, `UPDATE staged_exports
                    SET staging_status = 'approved', approved_data = prepared_data, approved_by = 'stress-reviewer', approved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
                    WHERE id = $1 AND staging_status IN ('prepared','under_review')`, exportID)
				if err == nil {
					_, err = tx.Exec(ctx, `INSERT INTO staging_audit_trail
                            (export_id, action, action_by, new_state, business_event, impact_assessment)
                        VALUES ($1, 'approved', 'stress-reviewer', '{"staging_status":"approved"}'::jsonb, 'export_approved', 'low')`, exportID)
				}
			}
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Poster races to move approved exports to posted, stamping an external
// reference. The status predicate guarantees only one racer wins each export.
func Poster(ctx context.Context, pool *pgxpool.Pool, invoiceID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var exportID string
		err = tx.QueryRow(ctx, `UPDATE staged_exports
            SET staging_status = 'posted',
                posted_data = COALESCE(approved_data, prepared_data),
                external_reference = 'EXT-' || id::text,
                posted_by = 'stress-poster',
                posted_at = get_tx_timestamp(),
                updated_at = get_tx_timestamp()
            WHERE id = (
                SELECT id FROM staged_exports
                WHERE invoice_id = $1 AND staging_status = 'approved'
                LIMIT 1 FOR UPDATE SKIP LOCKED
            ) AND staging_status = 'approved'
            RETURNING id`, invoiceID).Scan(&exportID)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO staging_audit_trail
                    (export_id, action, action_by, new_state, business_event, impact_assessment)
                VALUES ($1, 'posted', 'stress-poster', '{"staging_status":"posted"}'::jsonb, 'export_posted', 'high')`, exportID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
				time.Sleep(30 * time.Millisecond)
			}
		} else {
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// RollbackActor occasionally reverses a posted export, clearing the external
// reference the way the workflow does.
func RollbackActor(ctx context.Context, pool *pgxpool.Pool, invoiceID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(3) == 0 {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			var exportID string
			err = tx.QueryRow(ctx, `UPDATE staged_exports
                SET staging_status = 'rolled_back', external_reference = NULL, updated_at = get_tx_timestamp()
                WHERE id = (
                    SELECT id FROM staged_exports
                    WHERE invoice_id = $1 AND staging_status = 'posted'
                    LIMIT 1 FOR UPDATE SKIP LOCKED
                ) AND staging_status = 'posted'
                RETURNING id`, invoiceID).Scan(&exportID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO staging_audit_trail
                        (export_id, action, action_by, new_state, business_event, impact_assessment)
                    VALUES ($1, 'rolled_back', 'stress-rollback', '{"staging_status":"rolled_back"}'::jsonb, 'export_rolled_back', 'high')`, exportID)
			}
			if err != nil {
				_ = tx.Rollback(ctx)
			} else {
				_ = tx.Commit(ctx)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// GateCaller hammers one idempotency key; only the first registrant may run
// the operation and complete the record.
func GateCaller(ctx context.Context, pool *pgxpool.Pool, key string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO idempotency_records
                (idempotency_key, operation_type, expires_at)
            VALUES ($1, 'export_post', get_tx_timestamp() + interval '1 hour')
            ON CONFLICT (idempotency_key) DO NOTHING
            RETURNING id`, key).Scan(&id)
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE idempotency_records
                SET operation_status = 'in_progress', execution_count = execution_count + 1, started_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
                WHERE id = $1 AND operation_status = 'pending'`, id)
			_, _ = pool.Exec(ctx, `UPDATE idempotency_records
                SET operation_status = 'completed', result_data = '{"ok":true}'::jsonb, completed_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
                WHERE id = $1 AND operation_status = 'in_progress'`, id)
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("gate caller insert: %w", err)
		}
		time.Sleep(80 * time.Millisecond)
	}
}

// Sweeper deletes expired terminal idempotency records, competing with gate
// callers to make sure cleanup never removes live reservations.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `DELETE FROM idempotency_records
            WHERE operation_status IN ('completed','failed','cancelled')
              AND expires_at < get_tx_timestamp()`)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("sweeper delete: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
