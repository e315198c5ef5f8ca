package verify

import (
	"context"
	"fmt"
	"strings"

	"sponsorflow/agreement"
	"sponsorflow/fingerprint"
)

// checkResult is the structured outcome of one compliance measurement.
// Every failure mode ends up here; evaluation never returns an error.
type checkResult struct {
	Matched  bool
	Distance int
	Note     string
	Evidence map[string]any
}

// evaluate measures the profile against the agreement's requirement. A
// fetch failure is deliberately indistinguishable from a content mismatch:
// both report Matched=false (see the verification policy on transient
// errors).
func (s *Service) evaluate(ctx context.Context, rec agreement.Record) checkResult {
	snap, err := s.provider.Fetch(ctx, rec.ProfileHandle)
	if err != nil {
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     "snapshot fetch failed",
			Evidence: map[string]any{"fetch_error": err.Error()},
		}
	}

	switch rec.SlotKind {
	case agreement.SlotImage:
		return s.evaluateImage(ctx, rec, snap.ImageURL)
	case agreement.SlotText:
		return evaluateText(rec, snap.Text)
	default:
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     fmt.Sprintf("unknown slot kind %q", rec.SlotKind),
		}
	}
}

func (s *Service) evaluateImage(ctx context.Context, rec agreement.Record, imageURL *string) checkResult {
	expected, ok := rec.ExpectedPrint()
	if !ok {
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     "agreement has no expected fingerprint",
		}
	}
	if imageURL == nil {
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     "profile has no slot image",
		}
	}

	data, err := s.images.FetchImage(ctx, *imageURL)
	if err != nil {
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     "slot image fetch failed",
			Evidence: map[string]any{"image_url": *imageURL, "fetch_error": err.Error()},
		}
	}

	cmp := fingerprint.CompareToExpected(expected, data, s.cfg.MaxImageDistance)
	note := fmt.Sprintf("fingerprint distance %d (max %d)", cmp.Distance, s.cfg.MaxImageDistance)
	if cmp.Distance == fingerprint.SentinelDistance {
		note = "slot image could not be decoded"
	}
	return checkResult{
		Matched:  cmp.Match,
		Distance: cmp.Distance,
		Note:     note,
		Evidence: map[string]any{"image_url": *imageURL, "image_bytes": len(data)},
	}
}

// evaluateText checks case-insensitive substring containment.
func evaluateText(rec agreement.Record, text string) checkResult {
	if rec.RequiredText == nil {
		return checkResult{
			Matched:  false,
			Distance: fingerprint.SentinelDistance,
			Note:     "agreement has no required text",
		}
	}
	required := *rec.RequiredText
	matched := strings.Contains(strings.ToLower(text), strings.ToLower(required))

	note := fmt.Sprintf("required text %q present", required)
	if !matched {
		note = fmt.Sprintf("required text %q not found", required)
	}
	return checkResult{
		Matched:  matched,
		Distance: fingerprint.SentinelDistance,
		Note:     note,
		Evidence: map[string]any{"profile_text": text},
	}
}

// hardCancelReason renders the human-readable reason recorded on the
// agreement when a keep-alive check fails.
func hardCancelReason(rec agreement.Record, res checkResult) string {
	switch rec.SlotKind {
	case agreement.SlotImage:
		if res.Distance == fingerprint.SentinelDistance {
			return fmt.Sprintf("keep-alive check failed: %s", res.Note)
		}
		return fmt.Sprintf("keep-alive check failed: fingerprint distance %d exceeded maximum", res.Distance)
	case agreement.SlotText:
		return fmt.Sprintf("keep-alive check failed: %s", res.Note)
	}
	return "keep-alive check failed"
}
