package clean

import (
	"errors"
	"math"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Gain != 0.1 || cfg.Threshold != 1e-5 || cfg.MaxIterations != 1000 {
		t.Errorf("DefaultConfig() = %+v, want gain 0.1, threshold 1e-5, 1000 iterations", cfg)
	}
	if cfg.BlockSize != 256 || cfg.GridSize != 512 {
		t.Errorf("device geometry = %d x %d, want 256 x 512", cfg.BlockSize, cfg.GridSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name  string
		opt   Option
		field string
	}{
		{"gain zero", WithGain(0), ""},
		{"gain one", WithGain(1), ""},
		{"gain negative", WithGain(-0.1), "gain"},
		{"gain above one", WithGain(1.5), "gain"},
		{"gain NaN", WithGain(nan), "gain"},
		{"threshold zero", WithThreshold(0), ""},
		{"threshold negative", WithThreshold(-1), "threshold"},
		{"threshold NaN", WithThreshold(nan), "threshold"},
		{"iterations zero", WithMaxIterations(0), ""},
		{"iterations negative", WithMaxIterations(-1), "max iterations"},
		{"workers negative", WithWorkers(-2), "workers"},
		{"report negative", WithReportEvery(-1), "report interval"},
		{"geometry negative", WithDeviceGeometry(-1, 4), "device geometry"},
		{"memory limit negative", WithDeviceMemoryLimit(-1), "device memory limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConfig(tt.opt).Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Error("error does not match ErrConfiguration")
			}
		})
	}
}

func TestNewBuffers(t *testing.T) {
	dirty := make([]float32, 9)
	psf := make([]float32, 9)
	b := NewBuffers(dirty, psf, 3)
	if len(b.Model) != 9 || len(b.Residual) != 9 {
		t.Errorf("outputs have %d and %d elements, want 9", len(b.Model), len(b.Residual))
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if b := NewBuffers(nil, nil, -3); len(b.Model) != 0 {
		t.Errorf("negative width allocated %d elements", len(b.Model))
	}
}

func TestBuffersValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Buffers)
		field  string
	}{
		{"zero width", func(b *Buffers) { b.Width = 0 }, "width"},
		{"negative width", func(b *Buffers) { b.Width = -4 }, "width"},
		{"non-square dirty", func(b *Buffers) { b.Dirty = b.Dirty[:12] }, "dirty image"},
		{"psf size mismatch", func(b *Buffers) { b.PSF = make([]float32, 25) }, "psf"},
		{"short model", func(b *Buffers) { b.Model = nil }, "model"},
		{"long residual", func(b *Buffers) { b.Residual = make([]float32, 17) }, "residual"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScenarioBuffers()
			tt.mutate(&b)
			var ce *ConfigError
			if err := b.Validate(); !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("Validate() = %v, want ConfigError on %q", err, tt.field)
			}
		})
	}
}

func TestOptionsApplyInOrder(t *testing.T) {
	cfg := NewConfig(
		WithGain(0.2),
		WithThreshold(0.5),
		WithMaxIterations(7),
		WithWorkers(3),
		WithReportEvery(5),
		WithDeviceGeometry(32, 64),
		WithDeviceMemoryLimit(1<<20),
		WithGain(0.3),
	)
	want := Config{
		Gain:              0.3,
		Threshold:         0.5,
		MaxIterations:     7,
		Workers:           3,
		ReportEvery:       5,
		BlockSize:         32,
		GridSize:          64,
		DeviceMemoryLimit: 1 << 20,
	}
	if cfg != want {
		t.Errorf("NewConfig() = %+v, want %+v", cfg, want)
	}
}

func TestErrorMessages(t *testing.T) {
	ce := &ConfigError{Field: "gain", Reason: "2 is outside [0, 1]"}
	if got, want := ce.Error(), "clean: invalid gain: 2 is outside [0, 1]"; got != want {
		t.Errorf("ConfigError.Error() = %q, want %q", got, want)
	}

	cause := errors.New("boom")
	re := &ResourceError{Backend: "gpu", Op: "subtract psf", Err: cause}
	if got, want := re.Error(), "clean: gpu: subtract psf: boom"; got != want {
		t.Errorf("ResourceError.Error() = %q, want %q", got, want)
	}
	if !errors.Is(re, ErrResource) || !errors.Is(re, cause) {
		t.Error("ResourceError should match ErrResource and its cause")
	}
	if errors.Is(re, ErrConfiguration) {
		t.Error("ResourceError should not match ErrConfiguration")
	}
}
