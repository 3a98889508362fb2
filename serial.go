package clean

import "github.com/gogpu/clean/internal/kernel"

// BackendSerial is the token of the single-threaded reference backend.
const BackendSerial = "cpu"

// serialExec scans and subtracts on the calling goroutine.
type serialExec struct {
	buf Buffers
}

// NewSerial returns the single-threaded reference solver. It is the
// correctness baseline the other backends are compared against.
func NewSerial(b Buffers, cfg Config) (Solver, error) {
	if err := validate(b, cfg); err != nil {
		return nil, err
	}
	return newSolver(BackendSerial, b, cfg, &serialExec{buf: b}), nil
}

func (e *serialExec) prepare() error {
	copy(e.buf.Residual, e.buf.Dirty)
	return nil
}

func (e *serialExec) psfPeak() (kernel.Peak, error) {
	return kernel.FindPeak(e.buf.PSF), nil
}

func (e *serialExec) residualPeak() (kernel.Peak, error) {
	return kernel.FindPeak(e.buf.Residual), nil
}

func (e *serialExec) subtract(w kernel.Window, scale float32) error {
	kernel.Subtract(e.buf.Residual, e.buf.PSF, w, scale)
	return nil
}

func (e *serialExec) finish() error { return nil }
func (e *serialExec) abort()        {}
func (e *serialExec) close() error  { return nil }

// validate runs the checks every constructor performs before allocating.
func validate(b Buffers, cfg Config) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return cfg.Validate()
}
