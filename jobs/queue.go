// Package jobs is a Postgres-backed delayed job queue. Scheduling a job is
// an insert with a run_at timestamp; workers claim due rows with
// FOR UPDATE SKIP LOCKED so multiple worker processes can share one queue.
// Durability across restarts falls out of the table: nothing lives only in
// memory.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Type discriminates job handlers. One bounded concurrency limit applies
// per type so a burst of one kind cannot starve the others.
type Type string

const (
	TypeInitialPoll Type = "verify.initial"
	TypeKeepAlive   Type = "verify.keepalive"
	TypeExpire      Type = "verify.expire"
)

// Job is one claimed row handed to a handler.
type Job struct {
	ID          string
	Type        Type
	AgreementID string
	Payload     []byte
	RunAt       time.Time
	Attempts    int
	CreatedAt   time.Time
}

// EnqueueParams describes a job to schedule.
type EnqueueParams struct {
	Type        Type
	AgreementID string
	// Payload is marshaled to JSON; nil is stored as an empty object.
	Payload any
	RunAt   time.Time
}

var errEmptyAgreement = errors.New("jobs: agreement id required")

// Queue is the Postgres-backed store of pending jobs.
type Queue struct {
	pool *pgxpool.Pool
}

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue schedules a job to run at p.RunAt and returns its id.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.AgreementID == "" {
		return "", errEmptyAgreement
	}
	if p.Type == "" {
		return "", fmt.Errorf("jobs: job type required")
	}

	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobs: marshal payload: %w", err)
	}

	const query = `
INSERT INTO scheduled_jobs (job_type, agreement_id, payload, run_at)
VALUES ($1, $2, $3::jsonb, $4)
RETURNING id`
	var id string
	if err := q.pool.QueryRow(ctx, query, p.Type, p.AgreementID, body, p.RunAt).Scan(&id); err != nil {
		return "", fmt.Errorf("jobs: enqueue %s: %w", p.Type, err)
	}
	return id, nil
}

// CancelForAgreement synchronously cancels every still-queued job of the
// given types for one agreement. Used by hard cancel to guarantee a
// canceled agreement can never later expire or refund twice.
func (q *Queue) CancelForAgreement(ctx context.Context, agreementID string, types ...Type) (int64, error) {
	if agreementID == "" {
		return 0, errEmptyAgreement
	}
	if len(types) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	const query = `
UPDATE scheduled_jobs
SET status = 'canceled', finished_at = now()
WHERE agreement_id = $1
  AND status = 'queued'
  AND job_type = ANY($2)`
	tag, err := q.pool.Exec(ctx, query, agreementID, names)
	if err != nil {
		return 0, fmt.Errorf("jobs: cancel for agreement %s: %w", agreementID, err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue atomically marks up to limit due jobs as running and returns
// them. Rows locked by another worker are skipped, not waited on.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 32
	}

	const query = `
UPDATE scheduled_jobs
SET status = 'running', attempts = attempts + 1, started_at = now()
WHERE id IN (
    SELECT id FROM scheduled_jobs
    WHERE status = 'queued' AND run_at <= $1
    ORDER BY run_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, job_type, agreement_id, payload, run_at, attempts, created_at`
	rows, err := q.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim due: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.AgreementID, &j.Payload, &j.RunAt, &j.Attempts, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobs: scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: iterate claimed jobs: %w", err)
	}
	return jobs, nil
}

// RequeueStale returns jobs stuck in running back to queued. A job goes
// stale when the worker that claimed it died before finishing; requeueing
// lets another worker pick the chain back up after a crash.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("jobs: stale threshold must be positive")
	}
	const query = `
UPDATE scheduled_jobs
SET status = 'queued', started_at = NULL
WHERE status = 'running' AND started_at < now() - $1`
	tag, err := q.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("jobs: requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Retry returns a running job to the queue for another attempt at runAt.
// The attempt counter already advanced at claim time; the error text from
// the failed attempt is kept for operators.
func (q *Queue) Retry(ctx context.Context, id string, runAt time.Time, cause string) error {
	var lastErr any
	if cause != "" {
		lastErr = cause
	}
	const query = `
UPDATE scheduled_jobs
SET status = 'queued', run_at = $2, last_error = $3, started_at = NULL
WHERE id = $1 AND status = 'running'`
	tag, err := q.pool.Exec(ctx, query, id, runAt, lastErr)
	if err != nil {
		return fmt.Errorf("jobs: retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobs: retry %s: job not running", id)
	}
	return nil
}

// MarkDone finalizes a job after its handler returned without error.
func (q *Queue) MarkDone(ctx context.Context, id string) error {
	return q.finish(ctx, id, "done", "")
}

// MarkFailed terminally fails a job. The worker calls this only once the
// attempt budget is exhausted; the error text is kept for operators.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause string) error {
	return q.finish(ctx, id, "failed", cause)
}

func (q *Queue) finish(ctx context.Context, id, status, cause string) error {
	var lastErr any
	if cause != "" {
		lastErr = cause
	}
	const query = `
UPDATE scheduled_jobs
SET status = $2, last_error = $3, finished_at = now()
WHERE id = $1 AND status = 'running'`
	tag, err := q.pool.Exec(ctx, query, id, status, lastErr)
	if err != nil {
		return fmt.Errorf("jobs: finish %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobs: finish %s: job not running", id)
	}
	return nil
}

// PendingForAgreement counts still-queued jobs per type for one agreement.
// Test oracles use it to assert cancellation actually emptied the queue.
func (q *Queue) PendingForAgreement(ctx context.Context, agreementID string) (map[Type]int, error) {
	const query = `
SELECT job_type, COUNT(*)
FROM scheduled_jobs
WHERE agreement_id = $1 AND status = 'queued'
GROUP BY job_type`
	rows, err := q.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("jobs: pending for agreement: %w", err)
	}
	defer rows.Close()

	out := make(map[Type]int)
	for rows.Next() {
		var t Type
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("jobs: scan pending count: %w", err)
		}
		out[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
