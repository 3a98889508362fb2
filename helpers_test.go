package clean

import (
	"math"
	"testing"

	"github.com/gogpu/clean/internal/synth"
)

// newScenarioBuffers returns a 4x4 problem with a single source of 10 at
// (1, 1) and a delta PSF at the origin.
func newScenarioBuffers() Buffers {
	dirty := make([]float32, 16)
	psf := make([]float32, 16)
	dirty[5] = 10
	psf[0] = 1
	return NewBuffers(dirty, psf, 4)
}

// newSyntheticBuffers returns a noisy field of point sources convolved with
// a Gaussian PSF.
func newSyntheticBuffers(width int, seed uint64) Buffers {
	psf := synth.GaussianPSF(width, 2.5)
	dirty := synth.Dirty(psf, width, synth.RandomSources(width, 12, 0.5, 4, seed))
	synth.AddNoise(dirty, 0.01, seed)
	return NewBuffers(dirty, psf, width)
}

// cloneBuffers returns Buffers sharing the read-only inputs of b with fresh
// zeroed outputs.
func cloneBuffers(b Buffers) Buffers {
	return NewBuffers(b.Dirty, b.PSF, b.Width)
}

// run builds the named backend, runs Deconvolve once and closes it.
func run(t *testing.T, name string, b Buffers, cfg Config) Result {
	t.Helper()
	s, err := New(name, b, cfg)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close(%q): %v", name, err)
		}
	}()
	res, err := s.Deconvolve()
	if err != nil {
		t.Fatalf("Deconvolve(%q): %v", name, err)
	}
	return res
}

// assertBitIdentical fails unless got and want hold the same float32 bits.
func assertBitIdentical(t *testing.T, what string, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len = %d, want %d", what, len(got), len(want))
	}
	for i := range got {
		if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
			t.Fatalf("%s[%d] = %v, want %v (bitwise)", what, i, got[i], want[i])
		}
	}
}

// assertClose fails if any element differs by more than tol relative to the
// largest magnitude in want.
func assertClose(t *testing.T, what string, got, want []float32, tol float64) {
	t.Helper()
	var scale float64
	for _, v := range want {
		scale = math.Max(scale, math.Abs(float64(v)))
	}
	scale = math.Max(scale, 1e-30)
	for i := range got {
		if d := math.Abs(float64(got[i]-want[i])) / scale; d > tol {
			t.Fatalf("%s[%d] = %v, want %v (relative error %g > %g)", what, i, got[i], want[i], d, tol)
		}
	}
}
