//go:build opencl

package device

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/jgillich/go-opencl/cl"

	"github.com/gogpu/clean/internal/kernel"
)

func init() {
	register("opencl", func(opts Options) (Device, error) {
		return OpenOpenCL(opts)
	})
}

// Partials are stored as float pairs: the value, then the index bit pattern
// carried through as_float/as_int.
const openCLKernelSource = `__kernel void partial_argmax(
    const int n,
    const int chunk,
    const int parts,
    __global const float* data,
    __global float* partials)
{
    int part = get_global_id(0);
    if (part >= parts) {
        return;
    }
    int lo = part * chunk;
    int hi = min(lo + chunk, n);
    float best = data[lo];
    float best_abs = fabs(best);
    int best_idx = lo;
    for (int i = lo + 1; i < hi; i++) {
        float v = data[i];
        float a = fabs(v);
        if (a > best_abs) {
            best = v;
            best_abs = a;
            best_idx = i;
        }
    }
    partials[2 * part] = best;
    partials[2 * part + 1] = as_float(best_idx);
}

__kernel void final_argmax(
    const int parts,
    __global const float* partials,
    __global float* result)
{
    if (get_global_id(0) != 0) {
        return;
    }
    float best = partials[0];
    float best_abs = fabs(best);
    int best_idx = as_int(partials[1]);
    for (int k = 1; k < parts; k++) {
        float v = partials[2 * k];
        float a = fabs(v);
        int idx = as_int(partials[2 * k + 1]);
        if (a > best_abs || (a == best_abs && idx < best_idx)) {
            best = v;
            best_abs = a;
            best_idx = idx;
        }
    }
    result[0] = best;
    result[1] = as_float(best_idx);
}

__kernel void subtract_psf(
    const int width,
    const int start_x,
    const int start_y,
    const int cols,
    const int rows,
    const int dx,
    const int dy,
    const float scale,
    __global const float* psf,
    __global float* residual)
{
    int gx = get_global_id(0);
    int gy = get_global_id(1);
    if (gx >= cols || gy >= rows) {
        return;
    }
    int x = start_x + gx;
    int y = start_y + gy;
    int dst = y * width + x;
    residual[dst] = residual[dst] - scale * psf[(y - dy) * width + (x - dx)];
}

__kernel void copy_buffer(
    const int n,
    __global const float* src,
    __global float* dst)
{
    int i = get_global_id(0);
    if (i < n) {
        dst[i] = src[i];
    }
}`

// OpenCL runs the CLEAN kernels through an OpenCL command queue.
type OpenCL struct {
	opts Options
	info gpucontext.AdapterInfo

	context  *cl.Context
	queue    *cl.CommandQueue
	program  *cl.Program
	partial  *cl.Kernel
	final    *cl.Kernel
	subtract *cl.Kernel
	copier   *cl.Kernel

	live   map[Buffer]struct{}
	closed bool
}

var _ Device = (*OpenCL)(nil)

type openCLBuffer struct {
	label string
	owner *OpenCL
	n     int
	mem   *cl.MemObject
}

func (b *openCLBuffer) Label() string { return b.label }
func (b *openCLBuffer) Len() int      { return b.n }

type openCLScratch struct {
	label    string
	owner    *OpenCL
	parts    int
	partials *cl.MemObject
	result   *cl.MemObject
}

func (b *openCLScratch) Label() string { return b.label }
func (b *openCLScratch) Len() int      { return b.parts }

func pickOpenCLDevice(platforms []*cl.Platform) (*cl.Device, gpucontext.AdapterType) {
	for _, want := range []struct {
		kind cl.DeviceType
		typ  gpucontext.AdapterType
	}{
		{cl.DeviceTypeGPU, gpucontext.AdapterTypeDiscrete},
		{cl.DeviceTypeCPU, gpucontext.AdapterTypeSoftware},
	} {
		for _, p := range platforms {
			devices, err := p.GetDevices(want.kind)
			if err != nil && err != cl.ErrDeviceNotFound {
				continue
			}
			if len(devices) > 0 {
				return devices[0], want.typ
			}
		}
	}
	return nil, gpucontext.AdapterTypeUnknown
}

// OpenOpenCL opens the first OpenCL GPU, falling back to a CPU device, and
// builds the CLEAN program.
func OpenOpenCL(opts Options) (*OpenCL, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, msg, err)
	}
	dev, typ := pickOpenCLDevice(platforms)
	if dev == nil {
		return nil, fmt.Errorf("%w: no suitable OpenCL devices found", ErrUnavailable)
	}

	o := &OpenCL{
		opts: opts.withDefaults(),
		info: gpucontext.AdapterInfo{Name: dev.Name(), Type: typ},
		live: make(map[Buffer]struct{}),
	}
	if err := o.build(dev); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

func (o *OpenCL) build(dev *cl.Device) error {
	var err error
	if o.context, err = cl.CreateContext([]*cl.Device{dev}); err != nil {
		return fmt.Errorf("%w: creating OpenCL context: %v", ErrUnavailable, err)
	}
	if o.queue, err = o.context.CreateCommandQueue(dev, 0); err != nil {
		return fmt.Errorf("%w: creating OpenCL command queue: %v", ErrUnavailable, err)
	}
	if o.program, err = o.context.CreateProgramWithSource([]string{openCLKernelSource}); err != nil {
		return fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := o.program.BuildProgram([]*cl.Device{dev}, ""); err != nil {
		var buildErr cl.BuildError
		if errors.As(err, &buildErr) {
			return fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return fmt.Errorf("building OpenCL program: %w", err)
	}
	for _, k := range []struct {
		name string
		dst  **cl.Kernel
	}{
		{"partial_argmax", &o.partial},
		{"final_argmax", &o.final},
		{"subtract_psf", &o.subtract},
		{"copy_buffer", &o.copier},
	} {
		if *k.dst, err = o.program.CreateKernel(k.name); err != nil {
			return fmt.Errorf("creating %s kernel: %w", k.name, err)
		}
	}
	return nil
}

func (o *OpenCL) Name() string                 { return "opencl" }
func (o *OpenCL) Info() gpucontext.AdapterInfo { return o.info }

func (o *OpenCL) createMem(label string, bytes int) (*cl.MemObject, error) {
	mem, err := o.context.CreateEmptyBuffer(cl.MemReadWrite, bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating %s (%d bytes): %v", ErrOutOfMemory, label, bytes, err)
	}
	return mem, nil
}

func (o *OpenCL) Alloc(label string, n int) (Buffer, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	mem, err := o.createMem(label, n*4)
	if err != nil {
		return nil, err
	}
	b := &openCLBuffer{label: label, owner: o, n: n, mem: mem}
	o.live[b] = struct{}{}
	slogger().Debug("device: opencl alloc", "label", label, "elements", n)
	return b, nil
}

func (o *OpenCL) AllocScratch(label string, n int) (Buffer, error) {
	if o.closed {
		return nil, ErrClosed
	}
	_, parts := Partials(n, o.opts.BlockSize, o.opts.GridSize)
	if parts == 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	partials, err := o.createMem(label+"_partials", parts*8)
	if err != nil {
		return nil, err
	}
	result, err := o.createMem(label+"_result", 8)
	if err != nil {
		partials.Release()
		return nil, err
	}
	s := &openCLScratch{label: label, owner: o, parts: parts, partials: partials, result: result}
	o.live[s] = struct{}{}
	return s, nil
}

func (o *OpenCL) data(b Buffer) (*openCLBuffer, error) {
	if o.closed {
		return nil, ErrClosed
	}
	ob, ok := b.(*openCLBuffer)
	if !ok || ob.owner != o {
		return nil, fmt.Errorf("device: buffer %v does not belong to opencl device", b)
	}
	if _, ok := o.live[ob]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, ob.label)
	}
	return ob, nil
}

func (o *OpenCL) scratch(b Buffer) (*openCLScratch, error) {
	if o.closed {
		return nil, ErrClosed
	}
	sc, ok := b.(*openCLScratch)
	if !ok || sc.owner != o {
		return nil, fmt.Errorf("device: buffer %v is not opencl scratch", b)
	}
	if _, ok := o.live[sc]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, sc.label)
	}
	return sc, nil
}

func (o *OpenCL) Upload(dst Buffer, src []float32) error {
	b, err := o.data(dst)
	if err != nil {
		return err
	}
	if len(src) != b.n {
		return fmt.Errorf("device: upload %s: length %d, buffer holds %d", b.label, len(src), b.n)
	}
	if _, err := o.queue.EnqueueWriteBufferFloat32(b.mem, true, 0, src, nil); err != nil {
		return fmt.Errorf("device: upload %s: %w", b.label, err)
	}
	return nil
}

func (o *OpenCL) Download(dst []float32, src Buffer) error {
	b, err := o.data(src)
	if err != nil {
		return err
	}
	if len(dst) != b.n {
		return fmt.Errorf("device: download %s: length %d, buffer holds %d", b.label, len(dst), b.n)
	}
	if _, err := o.queue.EnqueueReadBufferFloat32(b.mem, true, 0, dst, nil); err != nil {
		return fmt.Errorf("device: download %s: %w", b.label, err)
	}
	return nil
}

func (o *OpenCL) CopyBuffer(dst, src Buffer) error {
	d, err := o.data(dst)
	if err != nil {
		return err
	}
	s, err := o.data(src)
	if err != nil {
		return err
	}
	if d.n != s.n {
		return fmt.Errorf("device: copy %s -> %s: length mismatch", s.label, d.label)
	}
	if err := o.copier.SetArgs(int32(s.n), s.mem, d.mem); err != nil { //nolint:gosec // image sizes fit int32
		return fmt.Errorf("device: copy_buffer args: %w", err)
	}
	if _, err := o.queue.EnqueueNDRangeKernel(o.copier, nil, []int{s.n}, nil, nil); err != nil {
		return fmt.Errorf("device: copy_buffer: %w", err)
	}
	return o.finish("copy_buffer")
}

func (o *OpenCL) finish(op string) error {
	if err := o.queue.Finish(); err != nil {
		return fmt.Errorf("device: %s: wait: %w", op, err)
	}
	return nil
}

func (o *OpenCL) ArgMaxAbs(data, scratch Buffer) (kernel.Peak, error) {
	src, err := o.data(data)
	if err != nil {
		return kernel.Peak{}, err
	}
	sc, err := o.scratch(scratch)
	if err != nil {
		return kernel.Peak{}, err
	}
	chunk, parts := Partials(src.n, o.opts.BlockSize, o.opts.GridSize)
	if parts > sc.parts {
		return kernel.Peak{}, fmt.Errorf("device: scratch %s holds %d partials, need %d", sc.label, sc.parts, parts)
	}

	if err := o.partial.SetArgs(int32(src.n), int32(chunk), int32(parts), src.mem, sc.partials); err != nil { //nolint:gosec // fits int32
		return kernel.Peak{}, fmt.Errorf("device: partial_argmax args: %w", err)
	}
	if _, err := o.queue.EnqueueNDRangeKernel(o.partial, nil, []int{parts}, nil, nil); err != nil {
		return kernel.Peak{}, fmt.Errorf("device: partial_argmax: %w", err)
	}
	if err := o.final.SetArgs(int32(parts), sc.partials, sc.result); err != nil { //nolint:gosec // fits int32
		return kernel.Peak{}, fmt.Errorf("device: final_argmax args: %w", err)
	}
	if _, err := o.queue.EnqueueNDRangeKernel(o.final, nil, []int{1}, nil, nil); err != nil {
		return kernel.Peak{}, fmt.Errorf("device: final_argmax: %w", err)
	}

	var out [2]float32
	if _, err := o.queue.EnqueueReadBufferFloat32(sc.result, true, 0, out[:], nil); err != nil {
		return kernel.Peak{}, fmt.Errorf("device: argmax readback: %w", err)
	}
	return kernel.Peak{Value: out[0], Pos: int(int32(math.Float32bits(out[1])))}, nil //nolint:gosec // index bit pattern
}

func (o *OpenCL) SubtractPSF(residual, psf Buffer, w kernel.Window, scale float32) error {
	r, err := o.data(residual)
	if err != nil {
		return err
	}
	p, err := o.data(psf)
	if err != nil {
		return err
	}
	if w.Empty() {
		return nil
	}

	cols, rows := w.Cols(), w.Rows()
	//nolint:gosec // window geometry fits int32
	if err := o.subtract.SetArgs(
		int32(w.Width), int32(w.StartX), int32(w.StartY),
		int32(cols), int32(rows), int32(w.DX), int32(w.DY),
		scale, p.mem, r.mem,
	); err != nil {
		return fmt.Errorf("device: subtract_psf args: %w", err)
	}
	if _, err := o.queue.EnqueueNDRangeKernel(o.subtract, nil, []int{cols, rows}, nil, nil); err != nil {
		return fmt.Errorf("device: subtract_psf: %w", err)
	}
	return o.finish("subtract_psf")
}

func (o *OpenCL) Release(b Buffer) {
	if b == nil {
		return
	}
	if _, ok := o.live[b]; !ok {
		return
	}
	delete(o.live, b)
	switch ob := b.(type) {
	case *openCLBuffer:
		ob.mem.Release()
		ob.mem = nil
	case *openCLScratch:
		ob.partials.Release()
		ob.result.Release()
		ob.partials, ob.result = nil, nil
	}
}

func (o *OpenCL) Live() int { return len(o.live) }

func (o *OpenCL) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if n := len(o.live); n > 0 {
		slogger().Warn("device: opencl closed with live buffers", "count", n)
	}
	for b := range o.live {
		o.Release(b)
	}
	for _, k := range []*cl.Kernel{o.partial, o.final, o.subtract, o.copier} {
		if k != nil {
			k.Release()
		}
	}
	o.partial, o.final, o.subtract, o.copier = nil, nil, nil, nil
	if o.program != nil {
		o.program.Release()
		o.program = nil
	}
	if o.queue != nil {
		o.queue.Release()
		o.queue = nil
	}
	if o.context != nil {
		o.context.Release()
		o.context = nil
	}
	return nil
}
