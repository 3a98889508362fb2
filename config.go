package clean

import (
	"math"

	"github.com/gogpu/gpucontext"
)

// Config holds the parameters of one solver. It is passed to New and never
// read from process-wide state.
type Config struct {
	// Gain is the loop gain applied to each peak, in [0, 1].
	// Zero is accepted and leaves the residual unchanged.
	Gain float32

	// Threshold stops the run once |peak| < Threshold. Must be >= 0.
	Threshold float32

	// MaxIterations caps the number of iterations. Must be >= 0.
	MaxIterations int

	// Workers is the parallel-CPU pool size; 0 means GOMAXPROCS.
	Workers int

	// ReportEvery logs a progress line at the first iteration and every
	// ReportEvery iterations after that. 0 disables progress lines.
	ReportEvery int

	// BlockSize and GridSize shape the device reduction: each partial scans
	// at least BlockSize elements and there are at most GridSize partials.
	BlockSize int
	GridSize  int

	// DeviceMemoryLimit caps allocations on the emulated device, in bytes.
	// Zero means unlimited.
	DeviceMemoryLimit int64

	// Provider shares an existing wgpu device with the gpu backend. The
	// solver never destroys a provided device.
	Provider gpucontext.DeviceProvider
}

// DefaultConfig returns the classic benchmark parameters: gain 0.1,
// threshold 1e-5, 1000 iterations, progress every 100 iterations, and a
// 256 x 512 reduction geometry.
func DefaultConfig() Config {
	return Config{
		Gain:          0.1,
		Threshold:     1e-5,
		MaxIterations: 1000,
		ReportEvery:   100,
		BlockSize:     256,
		GridSize:      512,
	}
}

// NewConfig returns DefaultConfig with opts applied in order.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Validate reports the first out-of-range parameter as a *ConfigError.
func (c Config) Validate() error {
	g := float64(c.Gain)
	switch {
	case math.IsNaN(g) || g < 0 || g > 1:
		return configErrorf("gain", "%v is outside [0, 1]", c.Gain)
	case math.IsNaN(float64(c.Threshold)) || c.Threshold < 0:
		return configErrorf("threshold", "%v is negative", c.Threshold)
	case c.MaxIterations < 0:
		return configErrorf("max iterations", "%d is negative", c.MaxIterations)
	case c.Workers < 0:
		return configErrorf("workers", "%d is negative", c.Workers)
	case c.ReportEvery < 0:
		return configErrorf("report interval", "%d is negative", c.ReportEvery)
	case c.BlockSize < 0 || c.GridSize < 0:
		return configErrorf("device geometry", "block %d, grid %d", c.BlockSize, c.GridSize)
	case c.DeviceMemoryLimit < 0:
		return configErrorf("device memory limit", "%d is negative", c.DeviceMemoryLimit)
	}
	return nil
}

// Buffers binds a solver to its images. Dirty and PSF are read-only. Model
// and Residual belong to the caller and are mutated in place; the solver
// never reallocates them. All four hold Width*Width elements.
type Buffers struct {
	Dirty []float32
	PSF   []float32
	Width int

	Model    []float32
	Residual []float32
}

// NewBuffers returns Buffers for dirty and psf with freshly zeroed Model and
// Residual.
func NewBuffers(dirty, psf []float32, width int) Buffers {
	n := max(width, 0) * max(width, 0)
	return Buffers{
		Dirty:    dirty,
		PSF:      psf,
		Width:    width,
		Model:    make([]float32, n),
		Residual: make([]float32, n),
	}
}

// Validate checks that the images are square and share one width.
func (b Buffers) Validate() error {
	if b.Width <= 0 {
		return configErrorf("width", "%d is not positive", b.Width)
	}
	n := b.Width * b.Width
	for _, f := range []struct {
		name string
		data []float32
	}{
		{"dirty image", b.Dirty},
		{"psf", b.PSF},
		{"model", b.Model},
		{"residual", b.Residual},
	} {
		if len(f.data) != n {
			return configErrorf(f.name, "has %d elements, want %d (width %d squared)", len(f.data), n, b.Width)
		}
	}
	return nil
}
