// Package chaos injects failures while the lifecycle stress test runs.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sponsorflow/snapshot"
)

// TerminateRandomBackend randomly kills a database connection belonging to
// the test application. Claimed jobs orphaned this way must come back via
// the worker's stale-job requeue.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
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
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// ProfileOutage toggles short host outages on the simulated provider. Polls
// landing in an outage must count as non-matches and reset streaks, never
// crash or stall the schedulers.
func ProfileOutage(ctx context.Context, sim *snapshot.Simulated, stop <-chan struct{}) {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) == 0 {
				sim.SetOutage(errors.New("chaos: profile host down"))
				time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
				sim.SetOutage(nil)
			}
		}
	}
}
