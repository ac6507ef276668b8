package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries; each must yield zero rows on a healthy
// database no matter how the actors interleave.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_export",
			SQL: `SELECT invoice_id, destination_system, COUNT(*) FROM staged_exports
                  WHERE staging_status IN ('prepared','under_review')
                  GROUP BY invoice_id, destination_system HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_posted_exports_complete",
			SQL: `SELECT id FROM staged_exports
                  WHERE staging_status = 'posted'
                    AND (posted_at IS NULL OR posted_by IS NULL OR external_reference IS NULL)`,
		},
		{
			Name: "O3_rolled_back_reference_cleared",
			SQL: `SELECT id FROM staged_exports
                  WHERE staging_status = 'rolled_back' AND external_reference IS NOT NULL`,
		},
		{
			Name: "O4_approved_exports_attributed",
			SQL: `SELECT id FROM staged_exports
                  WHERE staging_status IN ('approved','posted')
                    AND (approved_by IS NULL OR approved_at IS NULL)`,
		},
		{
			Name: "O5_audit_trail_complete",
			SQL: `SELECT e.id, e.staging_status FROM staged_exports e
                  WHERE e.staging_status IN ('approved','rejected','posted','rolled_back')
                    AND NOT EXISTS (
                        SELECT 1 FROM staging_audit_trail a
                        WHERE a.export_id = e.id AND a.action::text = e.staging_status::text
                    )`,
		},
		{
			Name: "O6_audit_actions_ordered",
			SQL: `WITH ranked AS (
                      SELECT export_id, action, id,
                             ROW_NUMBER() OVER (PARTITION BY export_id ORDER BY id) AS rn
                      FROM staging_audit_trail)
                  SELECT * FROM ranked WHERE rn = 1 AND action <> 'created'`,
		},
		{
			Name: "O7_idempotency_result_xor_error",
			SQL: `SELECT id, operation_status FROM idempotency_records
                  WHERE (operation_status = 'completed' AND (result_data IS NULL OR error_data IS NOT NULL))
                     OR (operation_status = 'failed' AND error_data IS NULL AND result_data IS NOT NULL)`,
		},
		{
			Name: "O8_execution_budget",
			SQL: `SELECT id FROM idempotency_records
                  WHERE execution_count > max_executions`,
		},
		{
			Name: "O9_rejected_exports_attributed",
			SQL: `SELECT id FROM staged_exports
                  WHERE staging_status = 'rejected'
                    AND (rejected_by IS NULL OR rejected_at IS NULL)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
