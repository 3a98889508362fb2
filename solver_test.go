package clean

import (
	"errors"
	"testing"
)

// deterministicBackends produce bit-identical output on every machine.
var deterministicBackends = []string{BackendSerial, BackendParallel, BackendDeviceHost}

func TestScenarioSingleIteration(t *testing.T) {
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			b := newScenarioBuffers()
			cfg := NewConfig(WithGain(0.1), WithThreshold(0), WithMaxIterations(1))

			res := run(t, name, b, cfg)

			if res.Iterations != 1 || res.Converged {
				t.Errorf("result = %+v, want 1 iteration, not converged", res)
			}
			if res.PSFPeak.Pos != 0 || res.PSFPeak.Value != 1 {
				t.Errorf("PSFPeak = %+v, want {1 0}", res.PSFPeak)
			}
			if res.LastPeak.Pos != 5 || res.LastPeak.Value != 10 {
				t.Errorf("LastPeak = %+v, want {10 5}", res.LastPeak)
			}
			for i := range b.Model {
				var wantModel, wantResidual float32
				if i == 5 {
					wantModel, wantResidual = 1, 9
				}
				if b.Model[i] != wantModel {
					t.Errorf("model[%d] = %v, want %v", i, b.Model[i], wantModel)
				}
				if b.Residual[i] != wantResidual {
					t.Errorf("residual[%d] = %v, want %v", i, b.Residual[i], wantResidual)
				}
			}
		})
	}
}

func TestZeroIterations(t *testing.T) {
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			b := newSyntheticBuffers(16, 1)
			res := run(t, name, b, NewConfig(WithMaxIterations(0)))

			if res.Iterations != 0 || res.Converged {
				t.Errorf("result = %+v, want no iterations", res)
			}
			assertBitIdentical(t, "residual", b.Residual, b.Dirty)
			for i, v := range b.Model {
				if v != 0 {
					t.Fatalf("model[%d] = %v, want 0", i, v)
				}
			}
		})
	}
}

func TestZeroGain(t *testing.T) {
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			b := newSyntheticBuffers(16, 2)
			res := run(t, name, b, NewConfig(WithGain(0), WithThreshold(0), WithMaxIterations(20)))

			if res.Iterations != 20 {
				t.Errorf("Iterations = %d, want 20", res.Iterations)
			}
			assertBitIdentical(t, "residual", b.Residual, b.Dirty)
		})
	}
}

func TestThresholdAbovePeak(t *testing.T) {
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			b := newScenarioBuffers()
			res := run(t, name, b, NewConfig(WithThreshold(11), WithMaxIterations(100)))

			if res.Iterations != 0 || !res.Converged {
				t.Errorf("result = %+v, want converged with no iterations", res)
			}
			assertBitIdentical(t, "residual", b.Residual, b.Dirty)
			for i, v := range b.Model {
				if v != 0 {
					t.Errorf("model[%d] = %v, want 0", i, v)
				}
			}
		})
	}
}

func TestConvergesBelowThreshold(t *testing.T) {
	b := newScenarioBuffers()
	res := run(t, BackendSerial, b, NewConfig(WithGain(0.5), WithThreshold(1), WithMaxIterations(100)))

	// 10 -> 5 -> 2.5 -> 1.25 -> 0.625
	if !res.Converged || res.Iterations != 4 {
		t.Errorf("result = %+v, want converged after 4 iterations", res)
	}
	if b.Residual[5] != 0.625 {
		t.Errorf("residual[5] = %v, want 0.625", b.Residual[5])
	}
	if b.Model[5] != 9.375 {
		t.Errorf("model[5] = %v, want 9.375", b.Model[5])
	}
}

func TestBackendsBitIdentical(t *testing.T) {
	tests := []struct {
		name  string
		width int
		cfg   Config
	}{
		{"small", 8, NewConfig(WithMaxIterations(50), WithThreshold(0))},
		{"odd width", 33, NewConfig(WithMaxIterations(200), WithWorkers(3))},
		{"high gain", 24, NewConfig(WithGain(0.9), WithMaxIterations(100), WithWorkers(5))},
		{"tiny device geometry", 20, NewConfig(WithMaxIterations(100), WithDeviceGeometry(4, 7))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newSyntheticBuffers(tt.width, uint64(tt.width))
			ref := cloneBuffers(in)
			refRes := run(t, BackendSerial, ref, tt.cfg)

			for _, name := range deterministicBackends[1:] {
				got := cloneBuffers(in)
				res := run(t, name, got, tt.cfg)
				if res != refRes {
					t.Errorf("%s result = %+v, want %+v", name, res, refRes)
				}
				assertBitIdentical(t, name+" model", got.Model, ref.Model)
				assertBitIdentical(t, name+" residual", got.Residual, ref.Residual)
			}
		})
	}
}

func TestDeterministicRuns(t *testing.T) {
	in := newSyntheticBuffers(32, 9)
	cfg := NewConfig(WithMaxIterations(150), WithWorkers(4))
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			first := cloneBuffers(in)
			run(t, name, first, cfg)
			for range 3 {
				again := cloneBuffers(in)
				run(t, name, again, cfg)
				assertBitIdentical(t, "model", again.Model, first.Model)
				assertBitIdentical(t, "residual", again.Residual, first.Residual)
			}
		})
	}
}

// TestRepeatedDeconvolve checks that a second run resets the residual and
// keeps accumulating into the model, the same way for every backend.
func TestRepeatedDeconvolve(t *testing.T) {
	in := newSyntheticBuffers(16, 4)
	cfg := NewConfig(WithMaxIterations(30))

	ref := cloneBuffers(in)
	s, err := New(BackendSerial, ref, cfg)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := s.Deconvolve()
	firstResidual := append([]float32(nil), ref.Residual...)
	second, _ := s.Deconvolve()
	s.Close()

	if first != second {
		t.Errorf("second run result = %+v, want %+v", second, first)
	}
	assertBitIdentical(t, "residual after rerun", ref.Residual, firstResidual)

	for _, name := range deterministicBackends[1:] {
		t.Run(name, func(t *testing.T) {
			got := cloneBuffers(in)
			s, err := New(name, got, cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()
			for range 2 {
				if _, err := s.Deconvolve(); err != nil {
					t.Fatalf("Deconvolve: %v", err)
				}
			}
			assertBitIdentical(t, "model", got.Model, ref.Model)
			assertBitIdentical(t, "residual", got.Residual, ref.Residual)
		})
	}
}

func TestCornerPeakClipsPSF(t *testing.T) {
	const w = 6
	psf := make([]float32, w*w)
	for i := range psf {
		psf[i] = 0.5
	}
	psf[3*w+3] = 1
	dirty := make([]float32, w*w)
	dirty[0] = 4

	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			b := NewBuffers(dirty, psf, w)
			run(t, name, b, NewConfig(WithGain(1), WithThreshold(0), WithMaxIterations(1)))

			// Only the quadrant x, y <= 2 receives the PSF tail.
			for y := range w {
				for x := range w {
					var want float32
					switch {
					case x == 0 && y == 0:
						want = 0
					case x <= 2 && y <= 2:
						want = -2
					}
					if got := b.Residual[y*w+x]; got != want {
						t.Errorf("residual(%d,%d) = %v, want %v", x, y, got, want)
					}
				}
			}
		})
	}
}

func TestClosedSolver(t *testing.T) {
	for _, name := range deterministicBackends {
		t.Run(name, func(t *testing.T) {
			s, err := New(name, newScenarioBuffers(), DefaultConfig())
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
			_, err = s.Deconvolve()
			if !errors.Is(err, ErrResource) || !errors.Is(err, errSolverClosed) {
				t.Errorf("Deconvolve after Close = %v, want closed ResourceError", err)
			}
		})
	}
}

func TestSolverName(t *testing.T) {
	for _, name := range Available() {
		s, err := New(name, newScenarioBuffers(), DefaultConfig())
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Name() = %q, want %q", s.Name(), name)
		}
		s.Close()
	}
}
