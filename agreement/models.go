// Package agreement owns the sponsorship agreement record, its lifecycle
// state machine, and the append-only verification log.
package agreement

import (
	"time"

	"sponsorflow/fingerprint"
)

// SlotKind says which artifact the publisher must apply to their profile.
type SlotKind string

const (
	SlotImage SlotKind = "image"
	SlotText  SlotKind = "text"
)

// Status enumerates lifecycle states. The verification core only ever
// produces the transitions listed in Transitions; the remaining terminal
// states are reached by out-of-scope marketplace actions.
type Status string

const (
	StatusApprovalPending    Status = "approval_pending"
	StatusVerifying          Status = "verifying"
	StatusLive               Status = "live"
	StatusFailedVerification Status = "failed_verification"
	StatusCanceledHard       Status = "canceled_hard"
	StatusExpired            Status = "expired"

	// Externally-reachable terminals, never written by this core.
	StatusCanceledSoft Status = "canceled_soft"
	StatusRefunded     Status = "refunded"
	StatusClaimed      Status = "claimed"
)

// Record mirrors the agreements table. Exactly one of ExpectedFingerprint
// and RequiredText is populated, matching SlotKind; the schema enforces it.
type Record struct {
	ID              string
	SponsorUserID   string
	PublisherUserID string
	ProfileHandle   string
	SlotKind        SlotKind

	ExpectedFingerprint *int64
	RequiredText        *string

	AmountCents  int64
	DurationDays int

	Status           Status
	CreatedAt        time.Time
	ApplyDeadlineAt  *time.Time
	StartAt          *time.Time
	EndAt            *time.Time
	LastCheckedAt    *time.Time
	HardCancelAt     *time.Time
	HardCancelReason *string
}

// ExpectedPrint returns the stored fingerprint for image-slot agreements.
// The bigint column carries the raw 64-bit pattern.
func (r Record) ExpectedPrint() (fingerprint.Fingerprint, bool) {
	if r.ExpectedFingerprint == nil {
		return 0, false
	}
	return fingerprint.Fingerprint(uint64(*r.ExpectedFingerprint)), true
}

// Duration is the active lifetime of the agreement once LIVE.
func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationDays) * 24 * time.Hour
}

// CheckEntry is one row of the append-only verification log. Rows are never
// mutated or deleted; ordering is CheckedAt-ascending.
type CheckEntry struct {
	ID          int64
	AgreementID string
	CheckedAt   time.Time
	Matched     bool
	// Distance is the fingerprint Hamming distance, or -1 for text checks,
	// decode failures, and fetch failures.
	Distance    int
	RawEvidence []byte
	Notes       string
}

// CheckParams enumerates the fields for appending a verification log row.
type CheckParams struct {
	AgreementID string
	CheckedAt   time.Time
	Matched     bool
	Distance    int
	RawEvidence map[string]any
	Notes       string
}
