// Package compare measures how far a test image is from a reference.
package compare

import (
	"errors"
	"fmt"
	"math"
)

// ErrLengthMismatch is returned when the images differ in size.
var ErrLengthMismatch = errors.New("compare: length mismatch")

// Report describes the largest elementwise difference between two images.
type Report struct {
	// MaxError is max |test[i] - ref[i]|.
	MaxError float64

	// Index is the position of MaxError, or -1 for empty images.
	Index int

	// Test and Ref are the values at Index.
	Test, Ref float32

	// RefMax is max |ref[i]|, used to express MaxError relative to the
	// reference's dynamic range.
	RefMax float64
}

// MaxError compares test against ref elementwise. The first index wins when
// several share the largest difference.
func MaxError(test, ref []float32) (Report, error) {
	if len(test) != len(ref) {
		return Report{}, fmt.Errorf("%w: test has %d elements, reference %d", ErrLengthMismatch, len(test), len(ref))
	}
	r := Report{Index: -1}
	for i := range test {
		d := math.Abs(float64(test[i]) - float64(ref[i]))
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		if r.Index < 0 || d > r.MaxError {
			r.MaxError, r.Index = d, i
		}
		r.RefMax = math.Max(r.RefMax, math.Abs(float64(ref[i])))
	}
	if r.Index >= 0 {
		r.Test, r.Ref = test[r.Index], ref[r.Index]
	}
	return r, nil
}

// Relative returns MaxError divided by RefMax. An all-zero reference makes
// any difference infinitely large.
func (r Report) Relative() float64 {
	if r.RefMax == 0 {
		if r.MaxError == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return r.MaxError / r.RefMax
}

// Within reports whether the relative error is at most tol.
func (r Report) Within(tol float64) bool {
	return r.Relative() <= tol
}

// Location returns the (x, y) pixel of Index in an image of the given width.
func (r Report) Location(width int) (x, y int) {
	if r.Index < 0 || width <= 0 {
		return -1, -1
	}
	return r.Index % width, r.Index / width
}
