//go:build !nogpu

package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/clean/internal/kernel"
)

func init() {
	register("wgpu", func(opts Options) (Device, error) {
		return OpenWGPU(opts)
	})
}

const (
	reduceParamsSize   = 16
	subtractParamsSize = 32
	partialSize        = 8

	reduceWorkgroup   = 64
	subtractWorkgroup = 16
)

// computeKernel is one compiled compute pipeline and its layouts.
type computeKernel struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// WGPU runs the CLEAN kernels as gogpu/wgpu HAL compute passes.
//
// Every kernel call records one command buffer, submits it and waits for
// the device to go idle. Results are read back through a MapRead staging
// buffer.
type WGPU struct {
	opts Options

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	info     gpucontext.AdapterInfo
	external bool // shared device from a provider; not destroyed on Close

	partial  computeKernel
	final    computeKernel
	subtract computeKernel

	reduceParams   hal.Buffer
	subtractParams hal.Buffer

	live   map[Buffer]struct{}
	closed bool
}

var _ Device = (*WGPU)(nil)

type wgpuBuffer struct {
	label string
	owner *WGPU
	n     int
	buf   hal.Buffer
}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Len() int      { return b.n }
func (b *wgpuBuffer) size() uint64  { return uint64(b.n) * 4 }

// wgpuScratch holds the partial candidates, the combined result and a
// staging buffer for reading the result back.
type wgpuScratch struct {
	label    string
	owner    *WGPU
	parts    int
	partials hal.Buffer
	result   hal.Buffer
	staging  hal.Buffer
}

func (b *wgpuScratch) Label() string { return b.label }
func (b *wgpuScratch) Len() int      { return b.parts }

// OpenWGPU opens a Vulkan device, or adopts opts.Provider when set, and
// builds the three CLEAN pipelines.
func OpenWGPU(opts Options) (*WGPU, error) {
	w := &WGPU{opts: opts.withDefaults(), live: make(map[Buffer]struct{})}

	var err error
	if opts.Provider != nil {
		err = w.adopt(opts.Provider)
	} else {
		err = w.openVulkan()
	}
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.createKernels(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("device: wgpu pipelines: %w", err)
	}
	return w, nil
}

func (w *WGPU) openVulkan() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not available", ErrUnavailable)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("%w: create instance: %v", ErrUnavailable, err)
	}
	w.instance = instance

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: no GPU adapters found", ErrUnavailable)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return fmt.Errorf("%w: open device: %v", ErrUnavailable, err)
	}
	w.device = open.Device
	w.queue = open.Queue
	w.info = gpucontext.AdapterInfo{
		Name: selected.Info.Name,
		Type: adapterType(selected.Info.DeviceType),
	}
	return nil
}

// adopt switches to a device shared by an external provider. The provider's
// Device and Queue must be hal.Device and hal.Queue.
func (w *WGPU) adopt(p gpucontext.DeviceProvider) error {
	device, ok := p.Device().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("%w: provider device is not hal.Device", ErrUnavailable)
	}
	queue, ok := p.Queue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("%w: provider queue is not hal.Queue", ErrUnavailable)
	}
	w.device = device
	w.queue = queue
	w.info = p.AdapterInfo()
	w.external = true
	return nil
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

// compileWGSL compiles WGSL to SPIR-V words.
// SPIR-V is little-endian 32-bit words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

func (w *WGPU) createKernels() error {
	var err error
	if w.partial, err = w.createKernel("partial_argmax", partialArgmaxWGSL); err != nil {
		return err
	}
	if w.final, err = w.createKernel("final_argmax", finalArgmaxWGSL); err != nil {
		return err
	}
	if w.subtract, err = w.createKernel("subtract_psf", subtractPSFWGSL); err != nil {
		return err
	}

	if w.reduceParams, err = w.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "clean_reduce_params", Size: reduceParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create reduce params: %w", err)
	}
	if w.subtractParams, err = w.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "clean_subtract_params", Size: subtractParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create subtract params: %w", err)
	}
	return nil
}

// createKernel builds a pipeline whose bindings are always
// 0: uniform params, 1: read-only input, 2: read-write output.
func (w *WGPU) createKernel(label, wgsl string) (computeKernel, error) {
	var k computeKernel

	spirv, err := compiled.get(wgsl, compileWGSL)
	if err != nil {
		return k, fmt.Errorf("compile %s: %w", label, err)
	}
	if k.module, err = w.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: label, Source: hal.ShaderSource{SPIRV: spirv},
	}); err != nil {
		return k, fmt.Errorf("create %s module: %w", label, err)
	}

	if k.bindLayout, err = w.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: label + "_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	}); err != nil {
		w.destroyKernel(&k)
		return k, fmt.Errorf("create %s bind layout: %w", label, err)
	}

	if k.pipeLayout, err = w.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: label + "_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{k.bindLayout},
	}); err != nil {
		w.destroyKernel(&k)
		return k, fmt.Errorf("create %s pipeline layout: %w", label, err)
	}

	if k.pipeline, err = w.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: label + "_pipeline", Layout: k.pipeLayout,
		Compute: hal.ComputeState{Module: k.module, EntryPoint: "main"},
	}); err != nil {
		w.destroyKernel(&k)
		return k, fmt.Errorf("create %s pipeline: %w", label, err)
	}
	return k, nil
}

func (w *WGPU) destroyKernel(k *computeKernel) {
	if k.pipeline != nil {
		w.device.DestroyComputePipeline(k.pipeline)
	}
	if k.pipeLayout != nil {
		w.device.DestroyPipelineLayout(k.pipeLayout)
	}
	if k.bindLayout != nil {
		w.device.DestroyBindGroupLayout(k.bindLayout)
	}
	if k.module != nil {
		w.device.DestroyShaderModule(k.module)
	}
	*k = computeKernel{}
}

func (w *WGPU) Name() string                 { return "wgpu" }
func (w *WGPU) Info() gpucontext.AdapterInfo { return w.info }

func (w *WGPU) createBuffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	buf, err := w.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("%w: create %s (%d bytes): %v", ErrOutOfMemory, label, size, err)
	}
	return buf, nil
}

func (w *WGPU) Alloc(label string, n int) (Buffer, error) {
	if w.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	buf, err := w.createBuffer(label, uint64(n)*4,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	b := &wgpuBuffer{label: label, owner: w, n: n, buf: buf}
	w.live[b] = struct{}{}
	slogger().Debug("device: wgpu alloc", "label", label, "bytes", b.size())
	return b, nil
}

func (w *WGPU) AllocScratch(label string, n int) (Buffer, error) {
	if w.closed {
		return nil, ErrClosed
	}
	_, parts := Partials(n, w.opts.BlockSize, w.opts.GridSize)
	if parts == 0 {
		return nil, fmt.Errorf("device: alloc %s: invalid length %d", label, n)
	}
	s := &wgpuScratch{label: label, owner: w, parts: parts}
	var err error
	if s.partials, err = w.createBuffer(label+"_partials", uint64(parts)*partialSize,
		gputypes.BufferUsageStorage); err != nil {
		return nil, err
	}
	if s.result, err = w.createBuffer(label+"_result", partialSize,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc); err != nil {
		w.destroyScratch(s)
		return nil, err
	}
	if s.staging, err = w.createBuffer(label+"_staging", partialSize,
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst); err != nil {
		w.destroyScratch(s)
		return nil, err
	}
	w.live[s] = struct{}{}
	return s, nil
}

func (w *WGPU) data(b Buffer) (*wgpuBuffer, error) {
	if w.closed {
		return nil, ErrClosed
	}
	wb, ok := b.(*wgpuBuffer)
	if !ok || wb.owner != w {
		return nil, fmt.Errorf("device: buffer %v does not belong to wgpu device", b)
	}
	if _, ok := w.live[wb]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, wb.label)
	}
	return wb, nil
}

func (w *WGPU) scratch(b Buffer) (*wgpuScratch, error) {
	if w.closed {
		return nil, ErrClosed
	}
	ws, ok := b.(*wgpuScratch)
	if !ok || ws.owner != w {
		return nil, fmt.Errorf("device: buffer %v is not wgpu scratch", b)
	}
	if _, ok := w.live[ws]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, ws.label)
	}
	return ws, nil
}

func float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4) //nolint:gosec // f32 slice viewed as bytes
}

func (w *WGPU) Upload(dst Buffer, src []float32) error {
	b, err := w.data(dst)
	if err != nil {
		return err
	}
	if len(src) != b.n {
		return fmt.Errorf("device: upload %s: length %d, buffer holds %d", b.label, len(src), b.n)
	}
	if err := w.queue.WriteBuffer(b.buf, 0, float32Bytes(src)); err != nil {
		return fmt.Errorf("device: upload %s: %w", b.label, err)
	}
	return nil
}

func (w *WGPU) Download(dst []float32, src Buffer) error {
	b, err := w.data(src)
	if err != nil {
		return err
	}
	if len(dst) != b.n {
		return fmt.Errorf("device: download %s: length %d, buffer holds %d", b.label, len(dst), b.n)
	}

	staging, err := w.createBuffer(b.label+"_readback", b.size(),
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	defer w.device.DestroyBuffer(staging)

	if err := w.run("clean_download", func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{{Size: b.size()}})
	}); err != nil {
		return fmt.Errorf("device: download %s: %w", b.label, err)
	}
	return w.readMapped(staging, float32Bytes(dst))
}

func (w *WGPU) CopyBuffer(dst, src Buffer) error {
	d, err := w.data(dst)
	if err != nil {
		return err
	}
	s, err := w.data(src)
	if err != nil {
		return err
	}
	if d.n != s.n {
		return fmt.Errorf("device: copy %s -> %s: length mismatch", s.label, d.label)
	}
	return w.run("clean_copy", func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(s.buf, d.buf, []hal.BufferCopy{{Size: s.size()}})
	})
}

// readMapped copies the first len(dst) bytes of a MapRead buffer into dst.
func (w *WGPU) readMapped(buf hal.Buffer, dst []byte) error {
	m, err := w.device.MapBuffer(buf, 0, uint64(len(dst)))
	if err != nil {
		return fmt.Errorf("device: map readback: %w", err)
	}
	copy(dst, unsafe.Slice((*byte)(m.Ptr), len(dst)))
	return w.device.UnmapBuffer(buf)
}

// run records a command buffer, submits it and blocks until the device is
// idle.
func (w *WGPU) run(label string, record func(enc hal.CommandEncoder)) error {
	enc, err := w.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	record(enc)
	cmd, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer w.device.FreeCommandBuffer(cmd)

	if _, err := w.queue.Submit([]hal.CommandBuffer{cmd}); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := w.device.WaitIdle(); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	return nil
}

func (w *WGPU) bindGroup(k *computeKernel, label string, params hal.Buffer, paramsSize uint64,
	in hal.Buffer, inSize uint64, out hal.Buffer, outSize uint64) (hal.BindGroup, error) {
	return w.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: label, Layout: k.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: params.NativeHandle(), Offset: 0, Size: paramsSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: in.NativeHandle(), Offset: 0, Size: inSize}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: out.NativeHandle(), Offset: 0, Size: outSize}},
		},
	})
}

func dispatch(enc hal.CommandEncoder, label string, k *computeKernel, bg hal.BindGroup, x, y uint32) {
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(x, y, 1)
	pass.End()
}

// ArgMaxAbs records partial_argmax and final_argmax as two passes of one
// command buffer, copies the 8-byte result to staging and reads it back.
func (w *WGPU) ArgMaxAbs(data, scratch Buffer) (kernel.Peak, error) {
	src, err := w.data(data)
	if err != nil {
		return kernel.Peak{}, err
	}
	sc, err := w.scratch(scratch)
	if err != nil {
		return kernel.Peak{}, err
	}
	chunk, parts := Partials(src.n, w.opts.BlockSize, w.opts.GridSize)
	if parts > sc.parts {
		return kernel.Peak{}, fmt.Errorf("device: scratch %s holds %d partials, need %d", sc.label, sc.parts, parts)
	}

	var params [reduceParamsSize]byte
	binary.LittleEndian.PutUint32(params[0:], uint32(src.n)) //nolint:gosec // image sizes fit uint32
	binary.LittleEndian.PutUint32(params[4:], uint32(chunk)) //nolint:gosec // bounded by n
	binary.LittleEndian.PutUint32(params[8:], uint32(parts)) //nolint:gosec // bounded by GridSize
	if err := w.queue.WriteBuffer(w.reduceParams, 0, params[:]); err != nil {
		return kernel.Peak{}, fmt.Errorf("device: write reduce params: %w", err)
	}

	partialsSize := uint64(sc.parts) * partialSize
	partialBG, err := w.bindGroup(&w.partial, "partial_argmax_bind",
		w.reduceParams, reduceParamsSize, src.buf, src.size(), sc.partials, partialsSize)
	if err != nil {
		return kernel.Peak{}, fmt.Errorf("device: partial_argmax bind group: %w", err)
	}
	defer w.device.DestroyBindGroup(partialBG)

	finalBG, err := w.bindGroup(&w.final, "final_argmax_bind",
		w.reduceParams, reduceParamsSize, sc.partials, partialsSize, sc.result, partialSize)
	if err != nil {
		return kernel.Peak{}, fmt.Errorf("device: final_argmax bind group: %w", err)
	}
	defer w.device.DestroyBindGroup(finalBG)

	groups := uint32((parts + reduceWorkgroup - 1) / reduceWorkgroup) //nolint:gosec // bounded by GridSize
	if err := w.run("clean_argmax", func(enc hal.CommandEncoder) {
		dispatch(enc, "partial_argmax", &w.partial, partialBG, groups, 1)
		dispatch(enc, "final_argmax", &w.final, finalBG, 1, 1)
		enc.CopyBufferToBuffer(sc.result, sc.staging, []hal.BufferCopy{{Size: partialSize}})
	}); err != nil {
		return kernel.Peak{}, fmt.Errorf("device: argmax: %w", err)
	}

	var out [partialSize]byte
	if err := w.readMapped(sc.staging, out[:]); err != nil {
		return kernel.Peak{}, err
	}
	return kernel.Peak{
		Value: math.Float32frombits(binary.LittleEndian.Uint32(out[0:])),
		Pos:   int(binary.LittleEndian.Uint32(out[4:])),
	}, nil
}

func (w *WGPU) SubtractPSF(residual, psf Buffer, win kernel.Window, scale float32) error {
	r, err := w.data(residual)
	if err != nil {
		return err
	}
	p, err := w.data(psf)
	if err != nil {
		return err
	}
	if win.Empty() {
		return nil
	}

	cols, rows := win.Cols(), win.Rows()
	// Window bounds are non-negative and below width; DX and DY travel as
	// i32 bit patterns.
	fields := [subtractParamsSize / 4]uint32{ //nolint:gosec // see above
		uint32(win.Width), uint32(win.StartX), uint32(win.StartY),
		uint32(cols), uint32(rows),
		uint32(int32(win.DX)), uint32(int32(win.DY)),
		math.Float32bits(scale),
	}
	var params [subtractParamsSize]byte
	for i, f := range fields {
		binary.LittleEndian.PutUint32(params[i*4:], f)
	}
	if err := w.queue.WriteBuffer(w.subtractParams, 0, params[:]); err != nil {
		return fmt.Errorf("device: write subtract params: %w", err)
	}

	bg, err := w.bindGroup(&w.subtract, "subtract_psf_bind",
		w.subtractParams, subtractParamsSize, p.buf, p.size(), r.buf, r.size())
	if err != nil {
		return fmt.Errorf("device: subtract_psf bind group: %w", err)
	}
	defer w.device.DestroyBindGroup(bg)

	gx := uint32((cols + subtractWorkgroup - 1) / subtractWorkgroup) //nolint:gosec // bounded by width
	gy := uint32((rows + subtractWorkgroup - 1) / subtractWorkgroup) //nolint:gosec // bounded by width
	if err := w.run("clean_subtract", func(enc hal.CommandEncoder) {
		dispatch(enc, "subtract_psf", &w.subtract, bg, gx, gy)
	}); err != nil {
		return fmt.Errorf("device: subtract_psf: %w", err)
	}
	return nil
}

func (w *WGPU) destroyScratch(s *wgpuScratch) {
	for _, b := range []hal.Buffer{s.partials, s.result, s.staging} {
		if b != nil {
			w.device.DestroyBuffer(b)
		}
	}
	s.partials, s.result, s.staging = nil, nil, nil
}

func (w *WGPU) Release(b Buffer) {
	if b == nil {
		return
	}
	if _, ok := w.live[b]; !ok {
		return
	}
	delete(w.live, b)
	switch wb := b.(type) {
	case *wgpuBuffer:
		w.device.DestroyBuffer(wb.buf)
		wb.buf = nil
	case *wgpuScratch:
		w.destroyScratch(wb)
	}
}

func (w *WGPU) Live() int { return len(w.live) }

func (w *WGPU) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.device == nil {
		if w.instance != nil {
			w.instance.Destroy()
			w.instance = nil
		}
		return nil
	}

	if n := len(w.live); n > 0 {
		slogger().Warn("device: wgpu closed with live buffers", "count", n)
	}
	for b := range w.live {
		w.Release(b)
	}
	for _, p := range []hal.Buffer{w.reduceParams, w.subtractParams} {
		if p != nil {
			w.device.DestroyBuffer(p)
		}
	}
	w.reduceParams, w.subtractParams = nil, nil
	w.destroyKernel(&w.partial)
	w.destroyKernel(&w.final)
	w.destroyKernel(&w.subtract)

	if !w.external {
		w.device.Destroy()
		if w.instance != nil {
			w.instance.Destroy()
		}
	}
	w.device, w.queue, w.instance = nil, nil, nil
	return nil
}
