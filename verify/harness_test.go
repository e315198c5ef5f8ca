package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sponsorflow/agreement"
	"sponsorflow/fingerprint"
	"sponsorflow/jobs"
	"sponsorflow/notify"
	"sponsorflow/snapshot"
)

// fakeStore reproduces the repository's conditional-transition semantics in
// memory, including ErrPreconditionChanged on stale guards, and records
// every status edge taken so tests can assert the state machine was honored.
type fakeStore struct {
	mu          sync.Mutex
	rec         agreement.Record
	checks      []agreement.CheckParams
	transitions [][2]agreement.Status
}

func (f *fakeStore) Get(_ context.Context, id string) (agreement.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.rec.ID {
		return agreement.Record{}, agreement.ErrAgreementNotFound
	}
	return f.rec, nil
}

func (f *fakeStore) guarded(from, to agreement.Status, apply func(*agreement.Record)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.Status != from {
		return agreement.ErrPreconditionChanged
	}
	f.rec.Status = to
	f.transitions = append(f.transitions, [2]agreement.Status{from, to})
	if apply != nil {
		apply(&f.rec)
	}
	return nil
}

func (f *fakeStore) BeginVerification(_ context.Context, _ string) error {
	return f.guarded(agreement.StatusApprovalPending, agreement.StatusVerifying, nil)
}

func (f *fakeStore) ActivateLive(_ context.Context, _ string, startAt, endAt time.Time) error {
	return f.guarded(agreement.StatusVerifying, agreement.StatusLive, func(r *agreement.Record) {
		r.StartAt = &startAt
		r.EndAt = &endAt
	})
}

func (f *fakeStore) FailVerification(_ context.Context, _ string) error {
	return f.guarded(agreement.StatusVerifying, agreement.StatusFailedVerification, nil)
}

func (f *fakeStore) HardCancel(_ context.Context, _, reason string, at time.Time) error {
	return f.guarded(agreement.StatusLive, agreement.StatusCanceledHard, func(r *agreement.Record) {
		r.HardCancelAt = &at
		r.HardCancelReason = &reason
	})
}

func (f *fakeStore) Expire(_ context.Context, _ string, now time.Time) error {
	f.mu.Lock()
	pastEnd := f.rec.EndAt != nil && !now.Before(*f.rec.EndAt)
	f.mu.Unlock()
	if !pastEnd {
		return agreement.ErrPreconditionChanged
	}
	return f.guarded(agreement.StatusLive, agreement.StatusExpired, nil)
}

func (f *fakeStore) TouchLastChecked(_ context.Context, _ string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.LastCheckedAt = &at
	return nil
}

func (f *fakeStore) AppendCheck(_ context.Context, p agreement.CheckParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, p)
	return nil
}

// fakeQueue records scheduling calls and lets tests replay queued jobs
// through the handlers.
type fakeQueue struct {
	mu       sync.Mutex
	nextID   int
	enqueued []queuedJob
	// failEnqueue makes the next n Enqueue calls for a type fail, so tests
	// can sever a scheduling chain mid-flight.
	failEnqueue map[jobs.Type]int
}

type queuedJob struct {
	id       string
	params   jobs.EnqueueParams
	consumed bool
	canceled bool
}

func (q *fakeQueue) failNextEnqueue(typ jobs.Type, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue == nil {
		q.failEnqueue = make(map[jobs.Type]int)
	}
	q.failEnqueue[typ] = n
}

func (q *fakeQueue) Enqueue(_ context.Context, p jobs.EnqueueParams) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue[p.Type] > 0 {
		q.failEnqueue[p.Type]--
		return "", fmt.Errorf("enqueue %s unavailable", p.Type)
	}
	q.nextID++
	id := fmt.Sprintf("job-%d", q.nextID)
	q.enqueued = append(q.enqueued, queuedJob{id: id, params: p})
	return id, nil
}

func (q *fakeQueue) CancelForAgreement(_ context.Context, agreementID string, types ...jobs.Type) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for i := range q.enqueued {
		job := &q.enqueued[i]
		if job.consumed || job.canceled || job.params.AgreementID != agreementID {
			continue
		}
		for _, t := range types {
			if job.params.Type == t {
				job.canceled = true
				n++
				break
			}
		}
	}
	return n, nil
}

// takeNext pops the earliest pending job of the given type, or nil.
func (q *fakeQueue) takeNext(t *testing.T, typ jobs.Type) *jobs.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i := range q.enqueued {
		job := &q.enqueued[i]
		if job.consumed || job.canceled || job.params.Type != typ {
			continue
		}
		if best == -1 || job.params.RunAt.Before(q.enqueued[best].params.RunAt) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	job := &q.enqueued[best]
	job.consumed = true
	payload, err := json.Marshal(job.params.Payload)
	require.NoError(t, err)
	if job.params.Payload == nil {
		payload = []byte("{}")
	}
	return &jobs.Job{
		ID:          job.id,
		Type:        job.params.Type,
		AgreementID: job.params.AgreementID,
		Payload:     payload,
		RunAt:       job.params.RunAt,
	}
}

func (q *fakeQueue) PendingForAgreement(_ context.Context, agreementID string) (map[jobs.Type]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[jobs.Type]int)
	for _, job := range q.enqueued {
		if !job.consumed && !job.canceled && job.params.AgreementID == agreementID {
			out[job.params.Type]++
		}
	}
	return out, nil
}

func (q *fakeQueue) pendingCount(typ jobs.Type) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.enqueued {
		if !job.consumed && !job.canceled && job.params.Type == typ {
			n++
		}
	}
	return n
}

// fakeEscrow records mirror calls in order.
type fakeEscrow struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEscrow) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEscrow) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEscrow) MarkVerifying(context.Context, string) error {
	f.record("mark_verifying")
	return nil
}

func (f *fakeEscrow) MarkLive(context.Context, string, time.Time, time.Time) error {
	f.record("mark_live")
	return nil
}

func (f *fakeEscrow) MarkExpired(context.Context, string) error {
	f.record("mark_expired")
	return nil
}

func (f *fakeEscrow) HardCancelAndRefund(context.Context, string) error {
	f.record("hard_cancel_refund")
	return nil
}

// fakeSink records notifications.
type fakeSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (f *fakeSink) Notify(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) countKind(kind notify.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// harness bundles a Service with controllable collaborators and a fixed,
// manually advanced clock.
type harness struct {
	svc   *Service
	store *fakeStore
	queue *fakeQueue
	esc   *fakeEscrow
	sink  *fakeSink
	sim   *snapshot.Simulated
	now   time.Time
}

func newHarness(t *testing.T, rec agreement.Record, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: &fakeStore{rec: rec},
		queue: &fakeQueue{},
		esc:   &fakeEscrow{},
		sink:  &fakeSink{},
		sim:   snapshot.NewSimulated(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(h.store, h.queue, h.esc, h.sink, h.sim, h.sim, cfg)
	h.svc.now = func() time.Time { return h.now }
	h.svc.jitter = func(time.Duration) time.Duration { return 0 }
	return h
}

// runNext advances the clock to the next pending job of typ and executes
// its handler. Returns false when no job of that type is pending.
func (h *harness) runNext(t *testing.T, typ jobs.Type) bool {
	t.Helper()
	job := h.queue.takeNext(t, typ)
	if job == nil {
		return false
	}
	if job.RunAt.After(h.now) {
		h.now = job.RunAt
	}

	var err error
	switch typ {
	case jobs.TypeInitialPoll:
		err = h.svc.handleInitialPoll(context.Background(), *job)
	case jobs.TypeKeepAlive:
		err = h.svc.handleKeepAlive(context.Background(), *job)
	case jobs.TypeExpire:
		err = h.svc.handleExpire(context.Background(), *job)
	}
	require.NoError(t, err)
	return true
}

func (h *harness) status() agreement.Status {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.store.rec.Status
}

// assertLegalTransitions verifies every observed edge is in the allowed
// transition set.
func (h *harness) assertLegalTransitions(t *testing.T) {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	for _, tr := range h.store.transitions {
		require.True(t, agreement.ValidTransition(tr[0], tr[1]),
			"illegal transition %s -> %s", tr[0], tr[1])
	}
}

func textAgreement(required string) agreement.Record {
	return agreement.Record{
		ID:              "agr-1",
		SponsorUserID:   "sponsor-1",
		PublisherUserID: "publisher-1",
		ProfileHandle:   "alice",
		SlotKind:        agreement.SlotText,
		RequiredText:    &required,
		AmountCents:     50_000,
		DurationDays:    1,
		Status:          agreement.StatusApprovalPending,
	}
}

func imageAgreement(expected fingerprint.Fingerprint) agreement.Record {
	raw := int64(expected)
	return agreement.Record{
		ID:                  "agr-2",
		SponsorUserID:       "sponsor-1",
		PublisherUserID:     "publisher-1",
		ProfileHandle:       "alice",
		SlotKind:            agreement.SlotImage,
		ExpectedFingerprint: &raw,
		AmountCents:         120_000,
		DurationDays:        1,
		Status:              agreement.StatusApprovalPending,
	}
}

// grayRampPNG renders a grayscale horizontal ramp. Ascending and descending
// ramps fingerprint to complementary values, 64 bits apart.
func grayRampPNG(t *testing.T, descending bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 90, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 90; x++ {
			v := uint8(x * 255 / 89)
			if descending {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// goLive drives the harness agreement through the applied signal and two
// matching polls. The caller must have set up a matching profile first.
func (h *harness) goLive(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.HandleApplied(context.Background(), h.store.rec.ID))
	require.True(t, h.runNext(t, jobs.TypeInitialPoll))
	require.True(t, h.runNext(t, jobs.TypeInitialPoll))
	require.Equal(t, agreement.StatusLive, h.status())
}
