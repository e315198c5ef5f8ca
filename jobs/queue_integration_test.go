package jobs

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationQueue(t *testing.T) (*Queue, *pgxpool.Pool, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'scheduled_jobs')`).Scan(&exists)
	if err != nil || !exists {
		t.Skip("table scheduled_jobs does not exist; ensure migrations are applied")
	}
	return NewQueue(pool), pool, ctx
}

// seedAgreementRow satisfies the FK; the queue itself never reads it.
func seedAgreementRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	id := fmt.Sprintf("agr-q-%d", time.Now().UnixNano())
	_, err := pool.Exec(ctx, `
INSERT INTO agreements (id, sponsor_user_id, publisher_user_id, profile_handle,
                        slot_kind, required_text, amount_cents, duration_days)
VALUES ($1, 's', 'p', 'alice', 'text', 'sponsored', 1000, 1)`, id)
	if err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	return id
}

func TestEnqueueClaimFinish(t *testing.T) {
	queue, pool, ctx := integrationQueue(t)
	agreementID := seedAgreementRow(t, ctx, pool)

	now := time.Now().UTC()
	futureID, err := queue.Enqueue(ctx, EnqueueParams{
		Type:        TypeKeepAlive,
		AgreementID: agreementID,
		RunAt:       now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue future: %v", err)
	}
	dueID, err := queue.Enqueue(ctx, EnqueueParams{
		Type:        TypeInitialPoll,
		AgreementID: agreementID,
		Payload:     map[string]any{"attempt": 1},
		RunAt:       now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}

	claimed, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	var job *Job
	for i := range claimed {
		if claimed[i].ID == dueID {
			job = &claimed[i]
		}
		if claimed[i].ID == futureID {
			t.Fatal("claimed a job that is not due yet")
		}
	}
	if job == nil {
		t.Fatalf("due job %s not claimed; got %d jobs", dueID, len(claimed))
	}
	if job.Type != TypeInitialPoll || job.AgreementID != agreementID {
		t.Fatalf("claimed wrong job: %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}

	// A second claim must not see the running job.
	again, err := queue.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	for _, j := range again {
		if j.ID == dueID {
			t.Fatal("running job claimed twice")
		}
	}

	if err := queue.MarkDone(ctx, dueID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	// Finishing twice is an error: the job is no longer running.
	if err := queue.MarkDone(ctx, dueID); err == nil {
		t.Fatal("expected second MarkDone to fail")
	}
}

func TestCancelForAgreement(t *testing.T) {
	queue, pool, ctx := integrationQueue(t)
	agreementID := seedAgreementRow(t, ctx, pool)

	future := time.Now().Add(time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(ctx, EnqueueParams{
			Type: TypeKeepAlive, AgreementID: agreementID, RunAt: future,
		}); err != nil {
			t.Fatalf("enqueue keepalive %d: %v", i, err)
		}
	}
	if _, err := queue.Enqueue(ctx, EnqueueParams{
		Type: TypeExpire, AgreementID: agreementID, RunAt: future,
	}); err != nil {
		t.Fatalf("enqueue expire: %v", err)
	}

	n, err := queue.CancelForAgreement(ctx, agreementID, TypeKeepAlive, TypeExpire)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 canceled, got %d", n)
	}

	pending, err := queue.PendingForAgreement(ctx, agreementID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %v", pending)
	}
}

func TestRetryReturnsJobToQueue(t *testing.T) {
	queue, pool, ctx := integrationQueue(t)
	agreementID := seedAgreementRow(t, ctx, pool)

	id, err := queue.Enqueue(ctx, EnqueueParams{
		Type: TypeInitialPoll, AgreementID: agreementID, RunAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.ClaimDue(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	retryAt := time.Now().Add(time.Hour)
	if err := queue.Retry(ctx, id, retryAt, "transient store hiccup"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// Not due until retryAt.
	claimed, err := queue.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("claim before retryAt: %v", err)
	}
	for _, j := range claimed {
		if j.ID == id {
			t.Fatal("retried job claimed before its retry time")
		}
	}

	claimed, err = queue.ClaimDue(ctx, retryAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("claim at retryAt: %v", err)
	}
	found := false
	for _, j := range claimed {
		if j.ID == id {
			found = true
			if j.Attempts != 2 {
				t.Fatalf("expected attempts=2 on second claim, got %d", j.Attempts)
			}
		}
	}
	if !found {
		t.Fatal("retried job not claimable at its retry time")
	}

	// Retry only applies to running jobs.
	if err := queue.MarkDone(ctx, id); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := queue.Retry(ctx, id, time.Now(), "x"); err == nil {
		t.Fatal("expected retry of a finished job to fail")
	}
}

func TestRequeueStale(t *testing.T) {
	queue, pool, ctx := integrationQueue(t)
	agreementID := seedAgreementRow(t, ctx, pool)

	id, err := queue.Enqueue(ctx, EnqueueParams{
		Type: TypeInitialPoll, AgreementID: agreementID, RunAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.ClaimDue(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Backdate the claim to simulate a worker that died mid-job.
	if _, err := pool.Exec(ctx,
		`UPDATE scheduled_jobs SET started_at = now() - interval '10 minutes' WHERE id = $1`, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := queue.RequeueStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least 1 requeued, got %d", n)
	}

	claimed, err := queue.ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	found := false
	for _, j := range claimed {
		if j.ID == id {
			found = true
			if j.Attempts != 2 {
				t.Fatalf("expected attempts=2 after requeue, got %d", j.Attempts)
			}
		}
	}
	if !found {
		t.Fatal("requeued job not claimable")
	}
}
