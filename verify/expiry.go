package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sponsorflow/agreement"
	"sponsorflow/fingerprint"
	"sponsorflow/jobs"
	"sponsorflow/notify"
)

// handleExpire completes an agreement that survived its full duration.
// Guards make it safe under duplicate delivery and clock skew: anything
// other than a LIVE agreement past endAt is a no-op.
func (s *Service) handleExpire(ctx context.Context, job jobs.Job) error {
	rec, err := s.store.Get(ctx, job.AgreementID)
	if err != nil {
		return err
	}
	if rec.Status != agreement.StatusLive {
		slog.Debug("expiry skipped, agreement not live",
			"agreement_id", rec.ID, "status", rec.Status)
		return nil
	}
	if rec.EndAt == nil {
		return fmt.Errorf("verify: live agreement %s has no end_at", rec.ID)
	}

	now := s.now()
	if now.Before(*rec.EndAt) {
		slog.Warn("expiry fired early, ignoring",
			"agreement_id", rec.ID, "end_at", *rec.EndAt, "now", now)
		return nil
	}

	if err := s.store.Expire(ctx, rec.ID, now); err != nil {
		if errors.Is(err, agreement.ErrPreconditionChanged) {
			return nil
		}
		return err
	}

	s.mirror(ctx, "mark_expired", rec.ID, func(ctx context.Context) error {
		return s.escrow.MarkExpired(ctx, rec.ID)
	})

	// Audit record in the verification log.
	s.appendCheck(ctx, agreement.CheckParams{
		AgreementID: rec.ID,
		CheckedAt:   now,
		Matched:     true,
		Distance:    fingerprint.SentinelDistance,
		RawEvidence: map[string]any{"event": "expired", "end_at": rec.EndAt.UTC()},
		Notes:       "agreement completed its full duration",
	})

	slog.Info("agreement expired", "agreement_id", rec.ID)
	s.notifyParty(ctx, rec.PublisherUserID, notify.KindExpired,
		"Sponsorship completed",
		"The agreement ran its full duration; the escrowed funds are claimable.",
		map[string]any{"agreement_id": rec.ID})
	return nil
}
