package clean

import (
	"errors"
	"testing"

	"github.com/gogpu/clean/internal/device"
)

// offloadOf returns the device executor behind a solver built by New.
func offloadOf(t *testing.T, s Solver) *offloadExec {
	t.Helper()
	sv, ok := s.(*solver)
	if !ok {
		t.Fatalf("solver type %T", s)
	}
	e, ok := sv.exec.(*offloadExec)
	if !ok {
		t.Fatalf("executor type %T, want *offloadExec", sv.exec)
	}
	return e
}

func TestOffloadMirrorsReleasedOnClose(t *testing.T) {
	s, err := New(BackendDeviceHost, newScenarioBuffers(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	e := offloadOf(t, s)

	var host *device.Host
	e.open = func() (device.Device, error) {
		host = device.NewHost(device.Options{})
		return host, nil
	}

	if e.m != nil {
		t.Fatal("mirrors allocated before the first Deconvolve")
	}
	if _, err := s.Deconvolve(); err != nil {
		t.Fatalf("Deconvolve: %v", err)
	}
	if got := host.Live(); got != 4 {
		t.Errorf("live buffers = %d, want 4 (dirty, psf, residual, scratch)", got)
	}

	// Mirrors are reused by later runs.
	first := e.m
	if _, err := s.Deconvolve(); err != nil {
		t.Fatalf("second Deconvolve: %v", err)
	}
	if e.m != first {
		t.Error("second Deconvolve reallocated the mirrors")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if host.Live() != 0 {
		t.Errorf("live buffers after Close = %d, want 0", host.Live())
	}
	if e.m != nil {
		t.Error("mirrors still held after Close")
	}
}

func TestOffloadMemoryLimit(t *testing.T) {
	// Each 4x4 image takes 64 bytes, so the residual mirror does not fit.
	tests := []struct {
		name  string
		limit int64
	}{
		{"dirty", 32},
		{"residual", 150},
		{"scratch", 195},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScenarioBuffers()
			s, err := New(BackendDeviceHost, b, NewConfig(WithDeviceMemoryLimit(tt.limit)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer s.Close()

			e := offloadOf(t, s)
			var host *device.Host
			e.open = func() (device.Device, error) {
				host = device.NewHost(device.Options{MemoryLimit: tt.limit})
				return host, nil
			}

			_, err = s.Deconvolve()
			if !errors.Is(err, ErrResource) {
				t.Fatalf("Deconvolve = %v, want ErrResource", err)
			}
			if !errors.Is(err, device.ErrOutOfMemory) {
				t.Errorf("Deconvolve = %v, want device.ErrOutOfMemory in chain", err)
			}
			var re *ResourceError
			if !errors.As(err, &re) || re.Backend != BackendDeviceHost || re.Op != "prepare" {
				t.Errorf("ResourceError = %+v, want backend %q op prepare", re, BackendDeviceHost)
			}
			if host.Live() != 0 {
				t.Errorf("live buffers after failure = %d, want 0", host.Live())
			}
			if e.m != nil {
				t.Error("mirrors held after failure")
			}
			for i, v := range b.Model {
				if v != 0 {
					t.Errorf("model[%d] = %v, want 0", i, v)
				}
			}
		})
	}
}

// TestOffloadMemoryLimitFromConfig runs the same failure through the
// registered device opener.
func TestOffloadMemoryLimitFromConfig(t *testing.T) {
	s, err := New(BackendDeviceHost, newScenarioBuffers(), NewConfig(WithDeviceMemoryLimit(100)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = s.Deconvolve()
	if !errors.Is(err, ErrResource) || !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("Deconvolve = %v, want out of memory ResourceError", err)
	}

	// A failed run leaves the solver usable once memory is available.
	e := offloadOf(t, s)
	e.open = func() (device.Device, error) { return device.NewHost(device.Options{}), nil }
	if _, err := s.Deconvolve(); err != nil {
		t.Errorf("Deconvolve after failure: %v", err)
	}
}

func TestOffloadOpenFailure(t *testing.T) {
	s, err := New(BackendDeviceHost, newScenarioBuffers(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	offloadOf(t, s).open = func() (device.Device, error) {
		return nil, device.ErrUnavailable
	}

	_, err = s.Deconvolve()
	if !errors.Is(err, ErrResource) || !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Deconvolve = %v, want unavailable ResourceError", err)
	}
}

func TestOffloadOpenCL(t *testing.T) {
	b := newSyntheticBuffers(16, 3)
	s, err := New(BackendDeviceOpenCL, b, NewConfig(WithMaxIterations(50)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, err = s.Deconvolve()
	if err != nil {
		if !errors.Is(err, ErrResource) || !errors.Is(err, device.ErrUnavailable) {
			t.Fatalf("Deconvolve = %v, want unavailable ResourceError", err)
		}
		t.Skipf("OpenCL not available: %v", err)
	}

	ref := cloneBuffers(b)
	run(t, BackendSerial, ref, NewConfig(WithMaxIterations(50)))
	assertClose(t, "model", b.Model, ref.Model, 1e-4)
	assertClose(t, "residual", b.Residual, ref.Residual, 1e-4)
}

func TestOffloadWGPU(t *testing.T) {
	b := newSyntheticBuffers(32, 5)
	cfg := NewConfig(WithMaxIterations(100))
	s, err := New(BackendDevice, b, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := s.Deconvolve(); err != nil {
		if !errors.Is(err, ErrResource) {
			t.Fatalf("Deconvolve = %v, want ResourceError", err)
		}
		t.Skipf("GPU not available: %v", err)
	}

	ref := cloneBuffers(b)
	run(t, BackendSerial, ref, cfg)
	assertClose(t, "model", b.Model, ref.Model, 1e-4)
	assertClose(t, "residual", b.Residual, ref.Residual, 1e-4)
}
