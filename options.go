package clean

import "github.com/gogpu/gpucontext"

// Option adjusts a Config built by NewConfig.
//
// Example:
//
//	cfg := clean.NewConfig(clean.WithGain(0.05), clean.WithMaxIterations(5000))
//	s, err := clean.New("cpu-parallel", buffers, cfg)
type Option func(*Config)

// WithGain sets the loop gain.
func WithGain(g float32) Option {
	return func(c *Config) { c.Gain = g }
}

// WithThreshold sets the absolute stopping threshold.
func WithThreshold(t float32) Option {
	return func(c *Config) { c.Threshold = t }
}

// WithMaxIterations sets the iteration budget.
func WithMaxIterations(n int) Option {
	return func(c *Config) { c.MaxIterations = n }
}

// WithWorkers sets the parallel-CPU pool size. 0 uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithReportEvery sets the progress log interval. 0 disables progress lines.
func WithReportEvery(n int) Option {
	return func(c *Config) { c.ReportEvery = n }
}

// WithDeviceGeometry sets the device reduction block and grid sizes.
func WithDeviceGeometry(block, grid int) Option {
	return func(c *Config) {
		c.BlockSize = block
		c.GridSize = grid
	}
}

// WithDeviceMemoryLimit caps emulated-device allocations, in bytes.
func WithDeviceMemoryLimit(bytes int64) Option {
	return func(c *Config) { c.DeviceMemoryLimit = bytes }
}

// WithDeviceProvider makes the gpu backend run on the device owned by p
// instead of opening its own.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(c *Config) { c.Provider = p }
}
