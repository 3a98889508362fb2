// Package device provides the execution devices used by the offloaded CLEAN
// solver.
//
// A Device owns memory that the host reaches only through Upload, Download
// and CopyBuffer, and runs the two CLEAN kernels: an arg-max-abs reduction
// and a windowed PSF subtraction. Every kernel call blocks until the device
// has finished, so the caller can read results back immediately.
//
// Three implementations are available:
//
//   - "host": an emulated device running kernels as bounded goroutine groups.
//     Always available.
//   - "wgpu": gogpu/wgpu HAL compute on Vulkan. Excluded by the nogpu tag.
//   - "opencl": OpenCL through go-opencl. Requires the opencl build tag.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/clean/internal/kernel"
)

var (
	// ErrUnavailable is returned when a device kind is not compiled in or no
	// adapter of that kind is present.
	ErrUnavailable = errors.New("device: unavailable")

	// ErrOutOfMemory is returned when an allocation exceeds device memory.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrReleased is returned when a released buffer is used.
	ErrReleased = errors.New("device: buffer released")

	// ErrClosed is returned by every operation on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Buffer is a device allocation. Data buffers hold Len float32 elements;
// scratch buffers from AllocScratch hold Len reduction partials.
type Buffer interface {
	Label() string
	Len() int
}

// Device is an execution device for CLEAN kernels.
//
// A Device is not safe for concurrent use.
type Device interface {
	// Name returns the device kind ("host", "wgpu", "opencl").
	Name() string

	// Info describes the adapter backing the device.
	Info() gpucontext.AdapterInfo

	// Alloc allocates a data buffer of n float32 elements.
	Alloc(label string, n int) (Buffer, error)

	// AllocScratch allocates the reduction scratch for inputs of n elements.
	AllocScratch(label string, n int) (Buffer, error)

	// Upload copies src into dst. len(src) must equal dst.Len().
	Upload(dst Buffer, src []float32) error

	// Download copies src into dst. len(dst) must equal src.Len().
	Download(dst []float32, src Buffer) error

	// CopyBuffer copies src into dst on the device.
	CopyBuffer(dst, src Buffer) error

	// ArgMaxAbs returns the element of data with the largest magnitude,
	// lowest index first on ties. It runs a partial pass writing one
	// candidate per chunk into scratch, then a single combine pass.
	ArgMaxAbs(data, scratch Buffer) (kernel.Peak, error)

	// SubtractPSF applies residual -= scale*psf over window w, one output
	// element per execution unit.
	SubtractPSF(residual, psf Buffer, w kernel.Window, scale float32) error

	// Release frees a buffer. Releasing twice is a no-op.
	Release(b Buffer)

	// Live returns the number of buffers allocated and not yet released.
	Live() int

	// Close releases every outstanding buffer and the device itself.
	// Close is idempotent.
	Close() error
}

// Options configures a device.
type Options struct {
	// BlockSize is the minimum number of elements scanned by one reduction
	// unit. Defaults to 256.
	BlockSize int

	// GridSize is the maximum number of reduction partials. Defaults to 512.
	GridSize int

	// MemoryLimit caps the bytes a host device may allocate. Zero means
	// unlimited. Ignored by hardware devices.
	MemoryLimit int64

	// Provider supplies a shared wgpu device instead of opening one.
	// The device is not destroyed on Close. Ignored by other kinds.
	Provider gpucontext.DeviceProvider
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 256
	}
	if o.GridSize <= 0 {
		o.GridSize = 512
	}
	return o
}

// Partials returns the reduction geometry for n elements: each partial scans
// chunk contiguous elements and there are parts partials, none empty.
// Partial k covers [k*chunk, min((k+1)*chunk, n)).
func Partials(n, blockSize, gridSize int) (chunk, parts int) {
	if n <= 0 {
		return 0, 0
	}
	gridSize = max(gridSize, 1)
	chunk = max(blockSize, (n+gridSize-1)/gridSize, 1)
	parts = (n + chunk - 1) / chunk
	return chunk, parts
}

// Opener constructs a device of one kind.
type Opener func(Options) (Device, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]Opener)
)

// register makes a device kind available to Open.
// Called from init() in each implementation file.
func register(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = open
}

// Open opens a device of the named kind.
func Open(name string, opts Options) (Device, error) {
	openersMu.RLock()
	open, ok := openers[name]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown device kind %q", ErrUnavailable, name)
	}
	d, err := open(opts.withDefaults())
	if err != nil {
		return nil, err
	}
	slogger().Info("device: opened", "kind", name, "adapter", d.Info().Name, "type", d.Info().Type.String())
	return d, nil
}

// Kinds returns the registered device kinds in sorted order.
func Kinds() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
