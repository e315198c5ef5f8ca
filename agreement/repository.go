package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAgreementNotFound is returned when no agreement row exists for the id.
	ErrAgreementNotFound = errors.New("agreement: not found")
	// ErrDuplicateAgreement is returned when the id is already taken.
	ErrDuplicateAgreement = errors.New("agreement: duplicate id")
	// ErrPreconditionChanged signals a conditional transition found the
	// agreement no longer in the expected prior status. Job handlers treat
	// this as a silent no-op; it is the sole arbitration between concurrent
	// jobs for the same agreement.
	ErrPreconditionChanged = errors.New("agreement: status precondition changed")
)

const recordColumns = `
id, sponsor_user_id, publisher_user_id, profile_handle, slot_kind::text,
expected_fingerprint, required_text, amount_cents, duration_days,
status::text, created_at, apply_deadline_at, start_at, end_at,
last_checked_at, hard_cancel_at, hard_cancel_reason`

// Repository is the Postgres-backed agreement store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an approved agreement awaiting the applied signal. A blank
// ID gets a generated UUID; a blank status defaults to APPROVAL_PENDING.
func (r *Repository) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusApprovalPending
	}

	const query = `
INSERT INTO agreements (
    id, sponsor_user_id, publisher_user_id, profile_handle, slot_kind,
    expected_fingerprint, required_text, amount_cents, duration_days,
    status, apply_deadline_at)
VALUES ($1, $2, $3, $4, $5::agreement_slot_kind, $6, $7, $8, $9,
    $10::agreement_status, $11)
RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		rec.ID,
		rec.SponsorUserID,
		rec.PublisherUserID,
		rec.ProfileHandle,
		rec.SlotKind,
		rec.ExpectedFingerprint,
		rec.RequiredText,
		rec.AmountCents,
		rec.DurationDays,
		rec.Status,
		rec.ApplyDeadlineAt,
	).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateAgreement
		}
		return Record{}, fmt.Errorf("agreement: create: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM agreements WHERE id = $1`, recordColumns)
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAgreementNotFound
		}
		return Record{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

// BeginVerification moves APPROVAL_PENDING -> VERIFYING in response to the
// external "artifact applied" signal.
func (r *Repository) BeginVerification(ctx context.Context, id string) error {
	const query = `
UPDATE agreements
SET status = 'verifying'::agreement_status
WHERE id = $1 AND status = 'approval_pending'::agreement_status`
	return r.conditional(ctx, id, query)
}

// ActivateLive moves VERIFYING -> LIVE and stamps the active window.
func (r *Repository) ActivateLive(ctx context.Context, id string, startAt, endAt time.Time) error {
	const query = `
UPDATE agreements
SET status = 'live'::agreement_status,
    start_at = $2,
    end_at = $3
WHERE id = $1 AND status = 'verifying'::agreement_status`
	return r.conditional(ctx, id, query, startAt, endAt)
}

// FailVerification moves VERIFYING -> FAILED_VERIFICATION once the initial
// verification deadline elapses without enough consecutive matches.
func (r *Repository) FailVerification(ctx context.Context, id string) error {
	const query = `
UPDATE agreements
SET status = 'failed_verification'::agreement_status
WHERE id = $1 AND status = 'verifying'::agreement_status`
	return r.conditional(ctx, id, query)
}

// HardCancel moves LIVE -> CANCELED_HARD. The status guard makes it apply
// at most once no matter how many keep-alive jobs race.
func (r *Repository) HardCancel(ctx context.Context, id, reason string, at time.Time) error {
	const query = `
UPDATE agreements
SET status = 'canceled_hard'::agreement_status,
    hard_cancel_at = $2,
    hard_cancel_reason = $3
WHERE id = $1 AND status = 'live'::agreement_status`
	return r.conditional(ctx, id, query, at, reason)
}

// Expire moves LIVE -> EXPIRED. The end_at guard protects against duplicate
// delivery and clock skew: a job fired early is a no-op.
func (r *Repository) Expire(ctx context.Context, id string, now time.Time) error {
	const query = `
UPDATE agreements
SET status = 'expired'::agreement_status
WHERE id = $1
  AND status = 'live'::agreement_status
  AND end_at <= $2`
	return r.conditional(ctx, id, query, now)
}

// TouchLastChecked records the completion time of a keep-alive check.
func (r *Repository) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE agreements SET last_checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("agreement: touch last_checked_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

// AppendCheck inserts one verification log row. The table is append-only;
// no update or delete paths exist.
func (r *Repository) AppendCheck(ctx context.Context, p CheckParams) error {
	if p.AgreementID == "" {
		return fmt.Errorf("agreement: append check: missing agreement id")
	}
	evidence, err := json.Marshal(p.RawEvidence)
	if err != nil {
		return fmt.Errorf("agreement: marshal check evidence: %w", err)
	}
	const query = `
INSERT INTO verification_checks (agreement_id, checked_at, matched, distance, raw_evidence, notes)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`
	if _, err := r.pool.Exec(ctx, query, p.AgreementID, p.CheckedAt, p.Matched, p.Distance, evidence, p.Notes); err != nil {
		return fmt.Errorf("agreement: append check: %w", err)
	}
	return nil
}

// ListChecks returns the newest limit log rows for an agreement,
// checked_at-descending.
func (r *Repository) ListChecks(ctx context.Context, id string, limit int) ([]CheckEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `
SELECT id, agreement_id, checked_at, matched, distance, raw_evidence, notes
FROM verification_checks
WHERE agreement_id = $1
ORDER BY checked_at DESC, id DESC
LIMIT $2`
	rows, err := r.pool.Query(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("agreement: list checks: %w", err)
	}
	defer rows.Close()

	entries := make([]CheckEntry, 0, limit)
	for rows.Next() {
		var e CheckEntry
		if err := rows.Scan(&e.ID, &e.AgreementID, &e.CheckedAt, &e.Matched, &e.Distance, &e.RawEvidence, &e.Notes); err != nil {
			return nil, fmt.Errorf("agreement: scan check: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate checks: %w", err)
	}
	return entries, nil
}

// conditional runs a guarded status update. Zero rows affected means either
// the row is gone or another job already invalidated the precondition.
func (r *Repository) conditional(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("agreement: conditional transition: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("agreement: verify existence: %w", err)
	}
	if !exists {
		return ErrAgreementNotFound
	}
	return ErrPreconditionChanged
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.SponsorUserID,
		&rec.PublisherUserID,
		&rec.ProfileHandle,
		&rec.SlotKind,
		&rec.ExpectedFingerprint,
		&rec.RequiredText,
		&rec.AmountCents,
		&rec.DurationDays,
		&rec.Status,
		&rec.CreatedAt,
		&rec.ApplyDeadlineAt,
		&rec.StartAt,
		&rec.EndAt,
		&rec.LastCheckedAt,
		&rec.HardCancelAt,
		&rec.HardCancelReason,
	)
	return rec, err
}
