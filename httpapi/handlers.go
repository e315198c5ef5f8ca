package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sponsorflow/agreement"
	"sponsorflow/auth"
	"sponsorflow/verify"
)

// recentChecksLimit caps the verification log slice returned with an
// agreement.
const recentChecksLimit = 50

type tokenRequest struct {
	Service string `json:"service" binding:"required"`
	APIKey  string `json:"api_key" binding:"required"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service and api_key are required"})
		return
	}

	token, err := s.tokens.IssueToken(c.Request.Context(), auth.TokenRequest{
		Service: req.Service,
		APIKey:  req.APIKey,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrKeyDisabled) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		slog.Error("token issuance failed", "service", req.Service, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// agreementApplied starts initial verification. 202 because the outcome is
// decided later by the polling loop, not in this request.
func (s *Server) agreementApplied(c *gin.Context) {
	id := c.Param("id")
	err := s.verifier.HandleApplied(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"agreement_id": id,
			"status":       string(agreement.StatusVerifying),
		})
	case errors.Is(err, agreement.ErrAgreementNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agreement not found"})
	case errors.Is(err, agreement.ErrPreconditionChanged):
		c.JSON(http.StatusConflict, gin.H{"error": "agreement is not awaiting the applied signal"})
	case errors.Is(err, verify.ErrMissingRequirement):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "agreement requirement does not match its slot kind"})
	default:
		slog.Error("applied signal failed", "agreement_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "applied signal failed"})
	}
}

type agreementResponse struct {
	ID                  string     `json:"id"`
	SponsorUserID       string     `json:"sponsor_user_id"`
	PublisherUserID     string     `json:"publisher_user_id"`
	ProfileHandle       string     `json:"profile_handle"`
	SlotKind            string     `json:"slot_kind"`
	ExpectedFingerprint *int64     `json:"expected_fingerprint,omitempty"`
	RequiredText        *string    `json:"required_text,omitempty"`
	AmountCents         int64      `json:"amount_cents"`
	DurationDays        int        `json:"duration_days"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	StartAt             *time.Time `json:"start_at,omitempty"`
	EndAt               *time.Time `json:"end_at,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	HardCancelAt        *time.Time `json:"hard_cancel_at,omitempty"`
	HardCancelReason    *string    `json:"hard_cancel_reason,omitempty"`

	Checks []checkResponse `json:"checks"`
}

type checkResponse struct {
	CheckedAt time.Time       `json:"checked_at"`
	Matched   bool            `json:"matched"`
	Distance  int             `json:"distance"`
	Notes     string          `json:"notes,omitempty"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

func (s *Server) getAgreement(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.agreements.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, agreement.ErrAgreementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agreement not found"})
			return
		}
		slog.Error("get agreement failed", "agreement_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	checks, err := s.agreements.ListChecks(c.Request.Context(), id, recentChecksLimit)
	if err != nil {
		slog.Error("list checks failed", "agreement_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	resp := agreementResponse{
		ID:                  rec.ID,
		SponsorUserID:       rec.SponsorUserID,
		PublisherUserID:     rec.PublisherUserID,
		ProfileHandle:       rec.ProfileHandle,
		SlotKind:            string(rec.SlotKind),
		ExpectedFingerprint: rec.ExpectedFingerprint,
		RequiredText:        rec.RequiredText,
		AmountCents:         rec.AmountCents,
		DurationDays:        rec.DurationDays,
		Status:              string(rec.Status),
		CreatedAt:           rec.CreatedAt,
		StartAt:             rec.StartAt,
		EndAt:               rec.EndAt,
		LastCheckedAt:       rec.LastCheckedAt,
		HardCancelAt:        rec.HardCancelAt,
		HardCancelReason:    rec.HardCancelReason,
		Checks:              make([]checkResponse, 0, len(checks)),
	}
	for _, ch := range checks {
		resp.Checks = append(resp.Checks, checkResponse{
			CheckedAt: ch.CheckedAt,
			Matched:   ch.Matched,
			Distance:  ch.Distance,
			Notes:     ch.Notes,
			Evidence:  json.RawMessage(ch.RawEvidence),
		})
	}
	c.JSON(http.StatusOK, resp)
}
