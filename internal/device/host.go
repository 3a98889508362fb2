package device

import (
	"fmt"
	"runtime"

	"github.com/gogpu/gpucontext"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/clean/internal/kernel"
)

func init() {
	register("host", func(opts Options) (Device, error) {
		return NewHost(opts), nil
	})
}

// Host is an emulated device. Its memory is ordinary Go memory that callers
// reach only through the Device methods, and its kernels run as goroutine
// groups bounded to GOMAXPROCS. Results are bit-identical to the serial
// kernels in package kernel.
//
// Host makes it possible to exercise the offloaded solver, including its
// allocation failure paths, on machines without a GPU.
type Host struct {
	opts    Options
	workers int
	used    int64
	live    map[Buffer]struct{}
	closed  bool
}

var _ Device = (*Host)(nil)

type hostBuffer struct {
	label string
	owner *Host
	data  []float32
}

func (b *hostBuffer) Label() string { return b.label }
func (b *hostBuffer) Len() int      { return len(b.data) }

type hostScratch struct {
	label    string
	owner    *Host
	partials []kernel.Peak
}

func (b *hostScratch) Label() string { return b.label }
func (b *hostScratch) Len() int      { return len(b.partials) }

// NewHost returns an emulated device.
func NewHost(opts Options) *Host {
	return &Host{
		opts:    opts.withDefaults(),
		workers: runtime.GOMAXPROCS(0),
		live:    make(map[Buffer]struct{}),
	}
}

func (h *Host) Name() string { return "host" }

func (h *Host) Info() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "host emulation", Type: gpucontext.AdapterTypeSoftware}
}

func (h *Host) reserve(label string, bytes int64) error {
	if h.closed {
		return ErrClosed
	}
	if h.opts.MemoryLimit > 0 && h.used+bytes > h.opts.MemoryLimit {
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, label, bytes, h.used, h.opts.MemoryLimit)
	}
	h.used += bytes
	return nil
}

func (h *Host) Alloc(label string, n int) (Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	if err := h.reserve(label, int64(n)*4); err != nil {
		return nil, err
	}
	b := &hostBuffer{label: label, owner: h, data: make([]float32, n)}
	h.live[b] = struct{}{}
	slogger().Debug("device: host alloc", "label", label, "elements", n)
	return b, nil
}

func (h *Host) AllocScratch(label string, n int) (Buffer, error) {
	_, parts := Partials(n, h.opts.BlockSize, h.opts.GridSize)
	if parts == 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	if err := h.reserve(label, int64(parts)*8); err != nil {
		return nil, err
	}
	b := &hostScratch{label: label, owner: h, partials: make([]kernel.Peak, parts)}
	h.live[b] = struct{}{}
	return b, nil
}

// data resolves a Buffer to one of this device's live data buffers.
func (h *Host) data(b Buffer) (*hostBuffer, error) {
	if h.closed {
		return nil, ErrClosed
	}
	hb, ok := b.(*hostBuffer)
	if !ok || hb.owner != h {
		return nil, fmt.Errorf("device: buffer %v does not belong to host device", b)
	}
	if _, ok := h.live[hb]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, hb.label)
	}
	return hb, nil
}

func (h *Host) scratch(b Buffer) (*hostScratch, error) {
	if h.closed {
		return nil, ErrClosed
	}
	hs, ok := b.(*hostScratch)
	if !ok || hs.owner != h {
		return nil, fmt.Errorf("device: buffer %v is not host scratch", b)
	}
	if _, ok := h.live[hs]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, hs.label)
	}
	return hs, nil
}

func (h *Host) Upload(dst Buffer, src []float32) error {
	b, err := h.data(dst)
	if err != nil {
		return err
	}
	if len(src) != len(b.data) {
		return fmt.Errorf("device: upload %s: length %d, buffer holds %d", b.label, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

func (h *Host) Download(dst []float32, src Buffer) error {
	b, err := h.data(src)
	if err != nil {
		return err
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("device: download %s: length %d, buffer holds %d", b.label, len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (h *Host) CopyBuffer(dst, src Buffer) error {
	d, err := h.data(dst)
	if err != nil {
		return err
	}
	s, err := h.data(src)
	if err != nil {
		return err
	}
	if len(d.data) != len(s.data) {
		return fmt.Errorf("device: copy %s -> %s: length mismatch", s.label, d.label)
	}
	copy(d.data, s.data)
	return nil
}

// ArgMaxAbs launches one unit group per partial; each scans a contiguous
// chunk. The combine then folds the partials in ascending order on a single
// unit, which keeps the lowest-index tie rule.
func (h *Host) ArgMaxAbs(data, scratch Buffer) (kernel.Peak, error) {
	src, err := h.data(data)
	if err != nil {
		return kernel.Peak{}, err
	}
	sc, err := h.scratch(scratch)
	if err != nil {
		return kernel.Peak{}, err
	}
	n := len(src.data)
	chunk, parts := Partials(n, h.opts.BlockSize, h.opts.GridSize)
	if parts > len(sc.partials) {
		return kernel.Peak{}, fmt.Errorf("device: scratch %s holds %d partials, need %d", sc.label, len(sc.partials), parts)
	}

	var g errgroup.Group
	g.SetLimit(h.workers)
	for k := range parts {
		g.Go(func() error {
			lo := k * chunk
			sc.partials[k] = kernel.ScanPeak(src.data, lo, min(lo+chunk, n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return kernel.Peak{}, err
	}

	p, _ := kernel.Merge(sc.partials[:parts])
	return p, nil
}

// SubtractPSF splits the window into row bands, one unit group per band.
func (h *Host) SubtractPSF(residual, psf Buffer, w kernel.Window, scale float32) error {
	r, err := h.data(residual)
	if err != nil {
		return err
	}
	p, err := h.data(psf)
	if err != nil {
		return err
	}
	if w.Empty() {
		return nil
	}

	rows := w.Rows()
	band := max(1, (rows+h.workers-1)/h.workers)

	var g errgroup.Group
	g.SetLimit(h.workers)
	for y0 := w.StartY; y0 <= w.StopY; y0 += band {
		g.Go(func() error {
			kernel.SubtractRows(r.data, p.data, w, scale, y0, y0+band)
			return nil
		})
	}
	return g.Wait()
}

func (h *Host) Release(b Buffer) {
	if b == nil {
		return
	}
	if _, ok := h.live[b]; !ok {
		return
	}
	delete(h.live, b)
	switch hb := b.(type) {
	case *hostBuffer:
		h.used -= int64(len(hb.data)) * 4
		hb.data = nil
	case *hostScratch:
		h.used -= int64(len(hb.partials)) * 8
		hb.partials = nil
	}
}

func (h *Host) Live() int { return len(h.live) }

func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	if n := len(h.live); n > 0 {
		slogger().Warn("device: host closed with live buffers", "count", n)
	}
	for b := range h.live {
		h.Release(b)
	}
	h.closed = true
	return nil
}
