package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sponsorflow/agreement"
	"sponsorflow/jobs"
	"sponsorflow/notify"
)

// initialPollPayload is the state carried between polls. Because it rides
// in the durable job row, the consecutive-match counter and the deadline
// anchor survive process restarts.
type initialPollPayload struct {
	Attempt     int       `json:"attempt"`
	Consecutive int       `json:"consecutive"`
	FirstPollAt time.Time `json:"first_poll_at,omitzero"`
}

// handleInitialPoll runs one poll of the VERIFYING loop.
func (s *Service) handleInitialPoll(ctx context.Context, job jobs.Job) error {
	rec, err := s.store.Get(ctx, job.AgreementID)
	if err != nil {
		return err
	}
	if rec.Status != agreement.StatusVerifying {
		if rec.Status == agreement.StatusLive {
			// A retried promotion lands here when the first attempt
			// activated the agreement but died before its schedule
			// committed.
			return s.repairLifetime(ctx, rec)
		}
		slog.Debug("initial poll skipped, status moved on",
			"agreement_id", rec.ID, "status", rec.Status)
		return nil
	}

	var p initialPollPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("verify: decode initial poll payload: %w", err)
	}

	now := s.now()
	if p.FirstPollAt.IsZero() {
		p.FirstPollAt = now
	}

	res := s.evaluate(ctx, rec)
	s.appendCheck(ctx, agreement.CheckParams{
		AgreementID: rec.ID,
		CheckedAt:   now,
		Matched:     res.Matched,
		Distance:    res.Distance,
		RawEvidence: res.Evidence,
		Notes:       res.Note,
	})

	// Any non-match resets the streak, a transient fetch failure included.
	if res.Matched {
		p.Consecutive++
	} else {
		p.Consecutive = 0
	}

	switch {
	case p.Consecutive >= s.cfg.RequiredMatches:
		return s.promoteToLive(ctx, rec, now)

	case now.Sub(p.FirstPollAt) >= s.cfg.VerifyDeadline:
		if err := s.store.FailVerification(ctx, rec.ID); err != nil {
			if errors.Is(err, agreement.ErrPreconditionChanged) {
				return nil
			}
			return err
		}
		slog.Info("initial verification failed, deadline elapsed",
			"agreement_id", rec.ID, "attempts", p.Attempt)
		s.notifyBoth(ctx, rec, notify.KindVerificationFailed,
			"Sponsorship verification failed",
			"The artifact was not confirmed before the verification deadline.")
		return nil

	default:
		_, err := s.queue.Enqueue(ctx, jobs.EnqueueParams{
			Type:        jobs.TypeInitialPoll,
			AgreementID: rec.ID,
			Payload: initialPollPayload{
				Attempt:     p.Attempt + 1,
				Consecutive: p.Consecutive,
				FirstPollAt: p.FirstPollAt,
			},
			RunAt: now.Add(s.cfg.PollInterval),
		})
		if err != nil {
			return fmt.Errorf("verify: schedule next poll: %w", err)
		}
		return nil
	}
}

// promoteToLive finalizes a successful initial verification: the active
// window is stamped, every keep-alive check plus the expiry job are
// scheduled up front, and both parties hear about it.
func (s *Service) promoteToLive(ctx context.Context, rec agreement.Record, now time.Time) error {
	startAt := now
	endAt := now.Add(rec.Duration())

	if err := s.store.ActivateLive(ctx, rec.ID, startAt, endAt); err != nil {
		if errors.Is(err, agreement.ErrPreconditionChanged) {
			return nil
		}
		return err
	}

	s.mirror(ctx, "mark_live", rec.ID, func(ctx context.Context) error {
		return s.escrow.MarkLive(ctx, rec.ID, startAt, endAt)
	})

	slog.Info("agreement live",
		"agreement_id", rec.ID,
		"start_at", startAt,
		"end_at", endAt,
	)
	s.notifyBoth(ctx, rec, notify.KindLiveReached,
		"Sponsorship is live",
		fmt.Sprintf("The artifact was verified; the agreement runs until %s.", endAt.UTC().Format(time.RFC3339)))

	// Scheduling goes last: if it dies partway the returned error retries
	// the job, and the retry repairs the schedule via repairLifetime
	// without repeating the transition side effects above.
	return s.scheduleLifetime(ctx, rec.ID, startAt, endAt)
}

// repairLifetime rebuilds the lifetime schedule for a LIVE agreement that
// has no pending expiry job. An ordinary duplicate poll sees the expiry and
// does nothing; without one the agreement would sit LIVE forever, so the
// partial keep-alive grid is cleared and the whole schedule rebuilt.
func (s *Service) repairLifetime(ctx context.Context, rec agreement.Record) error {
	pending, err := s.queue.PendingForAgreement(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("verify: inspect pending jobs: %w", err)
	}
	if pending[jobs.TypeExpire] > 0 {
		return nil
	}
	if rec.StartAt == nil || rec.EndAt == nil {
		return fmt.Errorf("verify: live agreement %s missing active window", rec.ID)
	}

	if _, err := s.queue.CancelForAgreement(ctx, rec.ID, jobs.TypeKeepAlive); err != nil {
		return fmt.Errorf("verify: clear partial schedule: %w", err)
	}
	slog.Warn("rebuilding lifetime schedule", "agreement_id", rec.ID)
	return s.scheduleLifetime(ctx, rec.ID, *rec.StartAt, *rec.EndAt)
}

// scheduleLifetime enqueues the whole keep-alive grid and the expiry job.
// Checks whose jittered fire time would land past endAt are not scheduled.
func (s *Service) scheduleLifetime(ctx context.Context, agreementID string, startAt, endAt time.Time) error {
	interval := 24 * time.Hour / time.Duration(s.cfg.ChecksPerDay)

	seq := 0
	for at := startAt.Add(interval); !at.After(endAt); at = at.Add(interval) {
		fire := at.Add(s.jitter(s.cfg.MaxJitter))
		if fire.After(endAt) {
			continue
		}
		seq++
		_, err := s.queue.Enqueue(ctx, jobs.EnqueueParams{
			Type:        jobs.TypeKeepAlive,
			AgreementID: agreementID,
			Payload:     keepAlivePayload{Seq: seq},
			RunAt:       fire,
		})
		if err != nil {
			return fmt.Errorf("verify: schedule keep-alive %d: %w", seq, err)
		}
	}

	_, err := s.queue.Enqueue(ctx, jobs.EnqueueParams{
		Type:        jobs.TypeExpire,
		AgreementID: agreementID,
		RunAt:       endAt,
	})
	if err != nil {
		return fmt.Errorf("verify: schedule expiry: %w", err)
	}

	slog.Info("lifetime scheduled",
		"agreement_id", agreementID,
		"keepalive_checks", seq,
		"expires_at", endAt,
	)
	return nil
}
