// Package oracles holds SQL invariants checked repeatedly during the
// lifecycle stress test. Any returned row is a violation.
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

func All() []Oracle {
	return []Oracle{
		{
			// LIVE agreements carry a complete, consistent active window.
			Name: "O1_live_window_stamped",
			SQL: `SELECT id, status, start_at, end_at FROM agreements
                  WHERE status = 'live'
                    AND (start_at IS NULL OR end_at IS NULL
                         OR end_at <> start_at + duration_days * interval '1 day')`,
		},
		{
			// Hard cancels always record when and why.
			Name: "O2_hard_cancel_reason",
			SQL: `SELECT id FROM agreements
                  WHERE status = 'canceled_hard'
                    AND (hard_cancel_reason IS NULL OR hard_cancel_at IS NULL)`,
		},
		{
			// No agreement leaves a terminal state. The transitions table in
			// code enforces this; the oracle catches raw-SQL regressions by
			// pairing terminal rows against later lifecycle jobs still queued
			// long after the transition.
			Name: "O3_terminal_keeps_no_jobs",
			SQL: `SELECT a.id, a.status, j.job_type FROM agreements a
                  JOIN scheduled_jobs j ON j.agreement_id = a.id
                  WHERE a.status IN ('canceled_hard', 'failed_verification')
                    AND j.status = 'queued'
                    AND j.job_type IN ('verify.keepalive', 'verify.expire')
                    AND j.created_at < now() - interval '10 seconds'`,
		},
		{
			// Distances live in [-1, 64]: a 64-bit fingerprint cannot differ
			// in more bits, and -1 is the only sentinel.
			Name: "O4_distance_range",
			SQL: `SELECT id, agreement_id, distance FROM verification_checks
                  WHERE distance < -1 OR distance > 64`,
		},
		{
			// Exactly one requirement, matching the slot kind.
			Name: "O5_requirement_matches_slot",
			SQL: `SELECT id, slot_kind FROM agreements
                  WHERE (slot_kind = 'image' AND (expected_fingerprint IS NULL OR required_text IS NOT NULL))
                     OR (slot_kind = 'text' AND (required_text IS NULL OR expected_fingerprint IS NOT NULL))`,
		},
		{
			// A verifying agreement must always have its next poll in flight;
			// a missing chain means the scheduler dropped it.
			Name: "O6_verifying_has_poll",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'verifying'
                    AND a.created_at < now() - interval '15 seconds'
                    AND NOT EXISTS (
                        SELECT 1 FROM scheduled_jobs j
                        WHERE j.agreement_id = a.id
                          AND j.job_type = 'verify.initial'
                          AND j.status IN ('queued', 'running'))`,
		},
		{
			// Running jobs must finish or be requeued; anything stuck longer
			// than the stale threshold plus slack points at a wedged worker.
			Name: "O7_no_wedged_jobs",
			SQL: `SELECT id, job_type, started_at FROM scheduled_jobs
                  WHERE status = 'running'
                    AND started_at < now() - interval '30 seconds'`,
		},
	}
}

// Run executes every oracle and returns the first violation as
// (name, firstRow). Empty name means all held.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, _ := rows.Values()
			rows.Close()
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		rows.Close()
	}
	return "", "", nil
}
