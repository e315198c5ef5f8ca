// Package verify is the verification and lifecycle scheduling engine. It
// owns the VERIFYING, LIVE, FAILED_VERIFICATION, CANCELED_HARD, and EXPIRED
// transitions and drives them through durable delayed jobs.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"sponsorflow/agreement"
	"sponsorflow/escrow"
	"sponsorflow/jobs"
	"sponsorflow/notify"
	"sponsorflow/snapshot"
)

// ErrMissingRequirement signals an agreement whose compliance requirement
// does not match its slot kind. Such rows violate the schema invariant and
// must never enter verification.
var ErrMissingRequirement = errors.New("verify: agreement requirement missing for slot kind")

// Store is the slice of the agreement repository the engine needs.
type Store interface {
	Get(ctx context.Context, id string) (agreement.Record, error)
	BeginVerification(ctx context.Context, id string) error
	ActivateLive(ctx context.Context, id string, startAt, endAt time.Time) error
	FailVerification(ctx context.Context, id string) error
	HardCancel(ctx context.Context, id, reason string, at time.Time) error
	Expire(ctx context.Context, id string, now time.Time) error
	TouchLastChecked(ctx context.Context, id string, at time.Time) error
	AppendCheck(ctx context.Context, p agreement.CheckParams) error
}

// Scheduler is the slice of the job queue the engine needs.
type Scheduler interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (string, error)
	CancelForAgreement(ctx context.Context, agreementID string, types ...jobs.Type) (int64, error)
	PendingForAgreement(ctx context.Context, agreementID string) (map[jobs.Type]int, error)
}

// Service wires the schedulers to their collaborators.
type Service struct {
	store  Store
	queue  Scheduler
	escrow escrow.Controller
	sink   notify.Sink

	provider snapshot.Provider
	images   snapshot.ImageFetcher

	cfg Config

	// Injectable for tests.
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

func NewService(store Store, queue Scheduler, esc escrow.Controller, sink notify.Sink, provider snapshot.Provider, images snapshot.ImageFetcher, cfg Config) *Service {
	return &Service{
		store:    store,
		queue:    queue,
		escrow:   esc,
		sink:     sink,
		provider: provider,
		images:   images,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		jitter:   randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// RegisterHandlers attaches the three job handlers to a worker.
func (s *Service) RegisterHandlers(w *jobs.Worker) {
	w.Register(jobs.TypeInitialPoll, s.handleInitialPoll)
	w.Register(jobs.TypeKeepAlive, s.handleKeepAlive)
	w.Register(jobs.TypeExpire, s.handleExpire)
}

// HandleApplied is the entry trigger: the publisher claims the artifact is
// applied, so the agreement moves to VERIFYING and polling begins. Returns
// agreement.ErrPreconditionChanged when the agreement is not awaiting the
// signal.
func (s *Service) HandleApplied(ctx context.Context, agreementID string) error {
	rec, err := s.store.Get(ctx, agreementID)
	if err != nil {
		return err
	}
	if err := requirementPresent(rec); err != nil {
		return err
	}

	if err := s.store.BeginVerification(ctx, agreementID); err != nil {
		return err
	}

	s.mirror(ctx, "mark_verifying", agreementID, func(ctx context.Context) error {
		return s.escrow.MarkVerifying(ctx, agreementID)
	})

	_, err = s.queue.Enqueue(ctx, jobs.EnqueueParams{
		Type:        jobs.TypeInitialPoll,
		AgreementID: agreementID,
		Payload:     initialPollPayload{Attempt: 1},
		RunAt:       s.now(),
	})
	if err != nil {
		return fmt.Errorf("verify: schedule first poll: %w", err)
	}

	slog.Info("initial verification started",
		"agreement_id", agreementID,
		"slot_kind", rec.SlotKind,
	)
	return nil
}

func requirementPresent(rec agreement.Record) error {
	switch rec.SlotKind {
	case agreement.SlotImage:
		if rec.ExpectedFingerprint == nil {
			return ErrMissingRequirement
		}
	case agreement.SlotText:
		if rec.RequiredText == nil {
			return ErrMissingRequirement
		}
	default:
		return fmt.Errorf("verify: unknown slot kind %q", rec.SlotKind)
	}
	return nil
}

// mirror runs a fire-and-forget escrow call. Failures are logged and
// dropped: the local transition already committed and is authoritative.
func (s *Service) mirror(ctx context.Context, op, agreementID string, call func(context.Context) error) {
	if err := call(ctx); err != nil {
		slog.Error("escrow mirror failed", "op", op, "agreement_id", agreementID, "error", err)
	}
}

func (s *Service) notifyParty(ctx context.Context, userID string, kind notify.Kind, title, body string, meta map[string]any) {
	err := s.sink.Notify(ctx, notify.Message{
		PartyUserID: userID,
		Kind:        kind,
		Title:       title,
		Body:        body,
		Metadata:    meta,
	})
	if err != nil {
		slog.Warn("notification delivery failed", "party", userID, "kind", kind, "error", err)
	}
}

func (s *Service) notifyBoth(ctx context.Context, rec agreement.Record, kind notify.Kind, title, body string) {
	meta := map[string]any{"agreement_id": rec.ID}
	s.notifyParty(ctx, rec.SponsorUserID, kind, title, body, meta)
	s.notifyParty(ctx, rec.PublisherUserID, kind, title, body, meta)
}

func (s *Service) appendCheck(ctx context.Context, p agreement.CheckParams) {
	// The log is never read back for control decisions, so a failed write
	// must not derail the lifecycle; it is logged for operators instead.
	if err := s.store.AppendCheck(ctx, p); err != nil {
		slog.Error("append verification log failed", "agreement_id", p.AgreementID, "error", err)
	}
}
