package clean

import (
	"sync"

	"github.com/gogpu/clean/internal/kernel"
	"github.com/gogpu/clean/internal/parallel"
)

// BackendParallel is the token of the multi-threaded CPU backend.
const BackendParallel = "cpu-parallel"

// parallelExec runs the peak search and the subtraction as fork-join phases
// on a worker pool owned by the solver.
type parallelExec struct {
	buf  Buffers
	pool *parallel.WorkerPool
}

// NewParallel returns a solver that splits each phase across cfg.Workers
// goroutines (GOMAXPROCS when zero). Its results are bit-identical to
// NewSerial.
func NewParallel(b Buffers, cfg Config) (Solver, error) {
	if err := validate(b, cfg); err != nil {
		return nil, err
	}
	pool := parallel.NewWorkerPool(cfg.Workers)
	Logger().Debug("clean: worker pool started", "workers", pool.Workers())
	return newSolver(BackendParallel, b, cfg, &parallelExec{buf: b, pool: pool}), nil
}

func (e *parallelExec) prepare() error {
	e.pool.For(len(e.buf.Dirty), func(lo, hi int) {
		copy(e.buf.Residual[lo:hi], e.buf.Dirty[lo:hi])
	})
	return nil
}

func (e *parallelExec) psfPeak() (kernel.Peak, error) {
	return e.findPeak(e.buf.PSF), nil
}

func (e *parallelExec) residualPeak() (kernel.Peak, error) {
	return e.findPeak(e.buf.Residual), nil
}

// findPeak scans contiguous chunks concurrently and folds each chunk's
// candidate into the global peak under a mutex. Better breaks ties on the
// lower index, so the merge order does not change the result.
func (e *parallelExec) findPeak(data []float32) kernel.Peak {
	var (
		mu   sync.Mutex
		best kernel.Peak
		have bool
	)
	e.pool.For(len(data), func(lo, hi int) {
		p := kernel.ScanPeak(data, lo, hi)
		mu.Lock()
		if !have || kernel.Better(p, best) {
			best, have = p, true
		}
		mu.Unlock()
	})
	return best
}

// subtract splits the window into row bands. Bands never share a row, so
// the writes need no locking.
func (e *parallelExec) subtract(w kernel.Window, scale float32) error {
	if w.Empty() {
		return nil
	}
	e.pool.For(w.Rows(), func(lo, hi int) {
		kernel.SubtractRows(e.buf.Residual, e.buf.PSF, w, scale, w.StartY+lo, w.StartY+hi)
	})
	return nil
}

func (e *parallelExec) finish() error { return nil }
func (e *parallelExec) abort()        {}

func (e *parallelExec) close() error {
	e.pool.Close()
	return nil
}
