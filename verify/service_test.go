package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorflow/agreement"
	"sponsorflow/jobs"
	"sponsorflow/snapshot"
)

func TestHandleAppliedStartsVerification(t *testing.T) {
	h := newHarness(t, textAgreement("hello world"), DefaultConfig())

	require.NoError(t, h.svc.HandleApplied(context.Background(), "agr-1"))

	assert.Equal(t, agreement.StatusVerifying, h.status())
	assert.Equal(t, 1, h.queue.pendingCount(jobs.TypeInitialPoll))
	assert.Equal(t, 1, h.esc.count("mark_verifying"))

	job := h.queue.takeNext(t, jobs.TypeInitialPoll)
	require.NotNil(t, job)
	assert.Equal(t, h.now, job.RunAt, "first poll fires immediately")
}

func TestHandleAppliedRejectsWrongStatus(t *testing.T) {
	rec := textAgreement("hello world")
	rec.Status = agreement.StatusLive
	h := newHarness(t, rec, DefaultConfig())

	err := h.svc.HandleApplied(context.Background(), "agr-1")
	require.ErrorIs(t, err, agreement.ErrPreconditionChanged)
	assert.Equal(t, 0, h.queue.pendingCount(jobs.TypeInitialPoll))
	assert.Empty(t, h.esc.calls)
}

func TestHandleAppliedUnknownAgreement(t *testing.T) {
	h := newHarness(t, textAgreement("hello world"), DefaultConfig())

	err := h.svc.HandleApplied(context.Background(), "nope")
	require.ErrorIs(t, err, agreement.ErrAgreementNotFound)
}

func TestHandleAppliedMissingRequirement(t *testing.T) {
	rec := textAgreement("ignored")
	rec.RequiredText = nil
	h := newHarness(t, rec, DefaultConfig())

	err := h.svc.HandleApplied(context.Background(), "agr-1")
	require.ErrorIs(t, err, ErrMissingRequirement)
	assert.Equal(t, agreement.StatusApprovalPending, h.status())
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), got)

	custom := Config{PollInterval: 5 * time.Second, RequiredMatches: 3}.withDefaults()
	assert.Equal(t, 5*time.Second, custom.PollInterval)
	assert.Equal(t, 3, custom.RequiredMatches)
	assert.Equal(t, 30*time.Minute, custom.VerifyDeadline)
}

func TestRequirementPresent(t *testing.T) {
	text := "hello"
	raw := int64(42)

	cases := []struct {
		name string
		rec  agreement.Record
		ok   bool
	}{
		{"text present", agreement.Record{SlotKind: agreement.SlotText, RequiredText: &text}, true},
		{"text missing", agreement.Record{SlotKind: agreement.SlotText}, false},
		{"image present", agreement.Record{SlotKind: agreement.SlotImage, ExpectedFingerprint: &raw}, true},
		{"image missing", agreement.Record{SlotKind: agreement.SlotImage}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := requirementPresent(tc.rec)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMissingRequirement)
			}
		})
	}
}

// The harness wires Simulated as both Provider and ImageFetcher; keep the
// compile-time guarantee next to the code that relies on it.
var (
	_ snapshot.Provider     = (*snapshot.Simulated)(nil)
	_ snapshot.ImageFetcher = (*snapshot.Simulated)(nil)
)
