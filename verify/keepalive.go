package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sponsorflow/agreement"
	"sponsorflow/jobs"
	"sponsorflow/notify"
)

// keepAlivePayload identifies a check within the pre-scheduled grid.
type keepAlivePayload struct {
	Seq int `json:"seq"`
}

// handleKeepAlive runs one re-verification of a LIVE agreement. A single
// non-match is terminal: no retry, no grace period.
func (s *Service) handleKeepAlive(ctx context.Context, job jobs.Job) error {
	rec, err := s.store.Get(ctx, job.AgreementID)
	if err != nil {
		return err
	}
	if rec.Status != agreement.StatusLive {
		slog.Debug("keep-alive skipped, agreement no longer live",
			"agreement_id", rec.ID, "status", rec.Status)
		return nil
	}

	now := s.now()
	res := s.evaluate(ctx, rec)
	s.appendCheck(ctx, agreement.CheckParams{
		AgreementID: rec.ID,
		CheckedAt:   now,
		Matched:     res.Matched,
		Distance:    res.Distance,
		RawEvidence: res.Evidence,
		Notes:       res.Note,
	})
	if err := s.store.TouchLastChecked(ctx, rec.ID, now); err != nil {
		slog.Error("update last_checked_at failed", "agreement_id", rec.ID, "error", err)
	}

	if res.Matched {
		return nil
	}

	reason := hardCancelReason(rec, res)
	if err := s.store.HardCancel(ctx, rec.ID, reason, now); err != nil {
		if errors.Is(err, agreement.ErrPreconditionChanged) {
			// Another job already terminated the agreement.
			return nil
		}
		return err
	}

	// Remove every still-pending check and the expiry job before touching
	// money: a hard-canceled agreement must never expire or refund twice.
	canceled, err := s.queue.CancelForAgreement(ctx, rec.ID, jobs.TypeKeepAlive, jobs.TypeExpire)
	if err != nil {
		// The status guard on each job is the backstop; the transition
		// itself already committed.
		slog.Error("cancel pending jobs failed", "agreement_id", rec.ID, "error", err)
	}

	s.mirror(ctx, "hard_cancel_refund", rec.ID, func(ctx context.Context) error {
		return s.escrow.HardCancelAndRefund(ctx, rec.ID)
	})

	slog.Info("agreement hard-canceled",
		"agreement_id", rec.ID,
		"reason", reason,
		"jobs_canceled", canceled,
	)
	s.notifyBoth(ctx, rec, notify.KindHardCanceled,
		"Sponsorship canceled",
		fmt.Sprintf("A compliance check failed and the agreement was terminated: %s. The escrowed amount is being refunded.", reason))
	return nil
}
