// Package actors hosts the concurrent workloads for the lifecycle stress
// test. Each actor loops until stop closes, hammering one slice of the
// engine while the job worker runs underneath.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sponsorflow/agreement"
	"sponsorflow/jobs"
	"sponsorflow/snapshot"
	"sponsorflow/verify"
)

// Applier fires the applied signal for random seeded agreements from
// several goroutines at once. Only the first call per agreement may start
// verification; every later call must see the precondition rejection.
func Applier(ctx context.Context, svc *verify.Service, agreementIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		id := agreementIDs[rand.Intn(len(agreementIDs))]
		err := svc.HandleApplied(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, agreement.ErrPreconditionChanged):
			// expected under contention
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("applier %s: %w", id, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// ProfileFlipper randomly swaps a handle's profile between compliant and
// non-compliant content, driving both promotions and hard cancels.
func ProfileFlipper(ctx context.Context, sim *snapshot.Simulated, handles []string, compliantText string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		handle := handles[rand.Intn(len(handles))]
		if rand.Intn(5) == 0 {
			sim.SetProfile(handle, snapshot.Snapshot{Text: "nothing relevant here"})
		} else {
			sim.SetProfile(handle, snapshot.Snapshot{Text: compliantText})
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// DuplicateExpirer picks a random LIVE agreement, rewinds its window so it
// is already over, and enqueues the expiry job twice. The engine must
// expire it exactly once no matter how the duplicates interleave.
func DuplicateExpirer(ctx context.Context, pool *pgxpool.Pool, queue *jobs.Queue, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx,
			`SELECT id FROM agreements WHERE status = 'live' ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			_, _ = pool.Exec(ctx, `
UPDATE agreements
SET start_at = now() - interval '2 days', end_at = now() - interval '1 day'
WHERE id = $1 AND status = 'live'`, id)
			for i := 0; i < 2; i++ {
				if _, err := queue.Enqueue(ctx, jobs.EnqueueParams{
					Type:        jobs.TypeExpire,
					AgreementID: id,
					RunAt:       time.Now(),
				}); err != nil && ctx.Err() == nil {
					return fmt.Errorf("duplicate expirer enqueue: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond)
	}
}

// KeepAliveInjector forces a keep-alive check due immediately for a random
// LIVE agreement, compressing days of the pre-scheduled grid into the run.
// The handler must behave identically however early a check arrives.
func KeepAliveInjector(ctx context.Context, pool *pgxpool.Pool, queue *jobs.Queue, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx,
			`SELECT id FROM agreements WHERE status = 'live' ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if _, err := queue.Enqueue(ctx, jobs.EnqueueParams{
				Type:        jobs.TypeKeepAlive,
				AgreementID: id,
				RunAt:       time.Now(),
			}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("keep-alive injector enqueue: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// LogReader pages through verification logs while the handlers append to
// them, exercising the read path under write contention.
func LogReader(ctx context.Context, repo *agreement.Repository, agreementIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		id := agreementIDs[rand.Intn(len(agreementIDs))]
		if _, err := repo.ListChecks(ctx, id, 20); err != nil && ctx.Err() == nil {
			return fmt.Errorf("log reader %s: %w", id, err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
