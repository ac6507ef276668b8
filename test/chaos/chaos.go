package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend occasionally kills one backend of the current
// database so the actors exercise their reconnect paths. When appLike is
// non-empty only backends whose application_name matches the pattern are
// candidates; the terminating connection itself is never picked.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	query := `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()`
	var args []any
	if appLike != "" {
		query += ` AND application_name LIKE $1`
		args = append(args, appLike)
	}
	query += ` ORDER BY random() LIMIT 1`

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, query, args...)
			}
		}
	}
}
