package clean

import (
	"github.com/gogpu/clean/internal/kernel"
)

// Solver runs CLEAN deconvolution over the Buffers it was built with.
//
// A Solver is not safe for concurrent use: Deconvolve mutates the caller's
// Model and Residual and must not be called from two goroutines at once.
type Solver interface {
	// Name returns the backend token the solver was built for.
	Name() string

	// Deconvolve resets Residual to a copy of Dirty, then iterates until the
	// peak magnitude drops below Config.Threshold or Config.MaxIterations is
	// exhausted. Model accumulates across runs. Running out of iterations is
	// not an error.
	//
	// The only errors are *ResourceError values. Device resources acquired
	// by the run are released before the error is returned.
	Deconvolve() (Result, error)

	// Close releases worker pools and device resources. Close is idempotent.
	Close() error
}

// Result summarizes one Deconvolve run.
type Result struct {
	// Iterations counts model updates.
	Iterations int

	// Converged is true when the run stopped on the threshold rather than
	// the iteration budget.
	Converged bool

	// PSFPeak is the peak of the PSF that every subtraction is aligned to.
	PSFPeak kernel.Peak

	// LastPeak is the last residual peak examined.
	LastPeak kernel.Peak
}

// executor is the per-backend half of a solver. The loop in solver calls it
// for every step that touches image data; executors differ only in how they
// schedule that work.
type executor interface {
	// prepare readies the run and resets the residual to the dirty image.
	prepare() error
	// psfPeak returns the peak of the PSF.
	psfPeak() (kernel.Peak, error)
	// residualPeak returns the peak of the current residual.
	residualPeak() (kernel.Peak, error)
	// subtract applies residual -= scale*psf over w.
	subtract(w kernel.Window, scale float32) error
	// finish makes the final residual visible in Buffers.Residual.
	finish() error
	// abort releases per-run resources after a failure.
	abort()
	// close releases everything the executor owns.
	close() error
}

// solver is the CLEAN loop shared by every backend.
type solver struct {
	name   string
	buf    Buffers
	cfg    Config
	exec   executor
	closed bool
}

func newSolver(name string, b Buffers, cfg Config, exec executor) *solver {
	return &solver{name: name, buf: b, cfg: cfg, exec: exec}
}

func (s *solver) Name() string { return s.name }

func (s *solver) fail(op string, err error) error {
	s.exec.abort()
	Logger().Warn("clean: run aborted", "backend", s.name, "op", op, "err", err)
	return &ResourceError{Backend: s.name, Op: op, Err: err}
}

func (s *solver) Deconvolve() (Result, error) {
	if s.closed {
		return Result{}, &ResourceError{Backend: s.name, Op: "deconvolve", Err: errSolverClosed}
	}
	log := Logger().With("backend", s.name)
	width := s.buf.Width

	if err := s.exec.prepare(); err != nil {
		return Result{}, s.fail("prepare", err)
	}
	psfPeak, err := s.exec.psfPeak()
	if err != nil {
		return Result{}, s.fail("psf peak", err)
	}
	px, py := psfPeak.XY(width)
	log.Info("clean: PSF peak", "peak", psfPeak.Value, "x", px, "y", py)

	res := Result{PSFPeak: psfPeak}
	for i := range s.cfg.MaxIterations {
		peak, err := s.exec.residualPeak()
		if err != nil {
			return res, s.fail("find peak", err)
		}
		res.LastPeak = peak

		if s.cfg.ReportEvery > 0 && (i == 0 || (i+1)%s.cfg.ReportEvery == 0) {
			x, y := peak.XY(width)
			log.Info("clean: iteration", "iteration", i+1, "peak", peak.Value, "x", x, "y", y, "index", peak.Pos)
		}

		// The threshold check comes before any mutation.
		if peak.Abs() < s.cfg.Threshold {
			log.Info("clean: reached stopping threshold", "iteration", i+1, "peak", peak.Value)
			res.Converged = true
			break
		}

		// The explicit conversion rounds the product once; every backend
		// subtracts with these exact bits.
		scale := float32(s.cfg.Gain * peak.Value)
		s.buf.Model[peak.Pos] += scale

		w := kernel.NewWindow(width, peak.Pos, psfPeak.Pos)
		if err := s.exec.subtract(w, scale); err != nil {
			return res, s.fail("subtract psf", err)
		}
		res.Iterations++
	}

	if err := s.exec.finish(); err != nil {
		return res, s.fail("finish", err)
	}
	return res, nil
}

func (s *solver) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.exec.close(); err != nil {
		return &ResourceError{Backend: s.name, Op: "close", Err: err}
	}
	return nil
}
