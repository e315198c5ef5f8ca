// Package fingerprint implements the 64-bit perceptual hash used to verify
// that a sponsored image slot still shows the agreed artifact. The hash
// encodes coarse horizontal gradient direction only, which makes it stable
// across recompression, resizing, and minor re-encoding.
package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math/bits"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Fingerprint is a 64-bit difference hash of an image.
type Fingerprint uint64

// SentinelDistance is reported when no fingerprint could be computed for the
// candidate image (decode failure, empty payload).
const SentinelDistance = -1

// The source image is reduced to a 9x8 grayscale grid; each of the 8 rows
// yields 8 adjacent-pair comparisons, one bit each.
const (
	gridWidth  = 9
	gridHeight = 8
)

// maxPixels caps the decoded image area. A small compressed file can claim
// enormous dimensions, so the header is checked before any pixel allocation;
// this bounds both memory and decode time per check.
const maxPixels = 50 << 20

// ErrImageTooLarge is returned for images whose declared dimensions exceed
// the pixel budget.
var ErrImageTooLarge = errors.New("fingerprint: image dimensions exceed pixel budget")

// Compute decodes imageBytes and returns its difference hash. Supported
// formats are JPEG, PNG, GIF, and WebP.
func Compute(imageBytes []byte) (Fingerprint, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageBytes))
	if err != nil {
		return 0, fmt.Errorf("fingerprint: decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return 0, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return 0, fmt.Errorf("fingerprint: decode image: %w", err)
	}

	// Scaling into a Gray destination performs the grayscale conversion and
	// the downsample in one pass.
	gray := image.NewGray(image.Rect(0, 0, gridWidth, gridHeight))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var fp Fingerprint
	for y := 0; y < gridHeight; y++ {
		for x := 0; x < gridWidth-1; x++ {
			fp <<= 1
			if gray.GrayAt(x, y).Y > gray.GrayAt(x+1, y).Y {
				fp |= 1
			}
		}
	}
	return fp, nil
}

// Distance returns the Hamming distance between two fingerprints. It is
// symmetric and zero iff the fingerprints are equal.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Comparison is the outcome of matching a candidate image against an
// expected fingerprint.
type Comparison struct {
	Match    bool
	Distance int
}

// CompareToExpected fingerprints candidate and compares it to expected.
// A candidate that cannot be decoded yields {Match: false, Distance: -1};
// the call never panics regardless of input.
func CompareToExpected(expected Fingerprint, candidate []byte, maxDistance int) Comparison {
	fp, err := Compute(candidate)
	if err != nil {
		return Comparison{Match: false, Distance: SentinelDistance}
	}
	d := Distance(expected, fp)
	return Comparison{Match: d <= maxDistance, Distance: d}
}
