package clean

import (
	"errors"
	"fmt"

	"github.com/gogpu/clean/internal/device"
	"github.com/gogpu/clean/internal/kernel"
)

// Device backend tokens. Each contains DeviceMarker.
const (
	// BackendDevice runs on a GPU through the wgpu HAL.
	BackendDevice = "gpu"

	// BackendDeviceHost runs the device code path on an emulated device
	// backed by host memory. It is always available.
	BackendDeviceHost = "gpu-host"

	// BackendDeviceOpenCL runs on an OpenCL device. Binaries built without
	// the opencl tag report it unavailable on the first Deconvolve.
	BackendDeviceOpenCL = "gpu-opencl"
)

// deviceKinds maps device backend tokens to internal/device kinds.
var deviceKinds = map[string]string{
	BackendDevice:       "wgpu",
	BackendDeviceHost:   "host",
	BackendDeviceOpenCL: "opencl",
}

// offloadExec keeps dirty, PSF and residual in device memory. The peak
// search and the subtraction run as device kernels; only the peak crosses
// back to the host each iteration.
type offloadExec struct {
	buf  Buffers
	open func() (device.Device, error)
	m    *mirrors
}

// mirrors owns every device resource held by an offloaded solver. Whoever
// holds a *mirrors must call close on every exit path.
type mirrors struct {
	dev      device.Device
	dirty    device.Buffer
	psf      device.Buffer
	residual device.Buffer
	scratch  device.Buffer
}

// newOffload returns a factory for the device backend token.
func newOffload(token string) Factory {
	return func(b Buffers, cfg Config) (Solver, error) {
		if err := validate(b, cfg); err != nil {
			return nil, err
		}
		kind, ok := deviceKinds[token]
		if !ok {
			return nil, configErrorf("backend", "%q is not a device backend", token)
		}
		opts := device.Options{
			BlockSize:   cfg.BlockSize,
			GridSize:    cfg.GridSize,
			MemoryLimit: cfg.DeviceMemoryLimit,
			Provider:    cfg.Provider,
		}
		exec := &offloadExec{
			buf: b,
			open: func() (device.Device, error) {
				return device.Open(kind, opts)
			},
		}
		return newSolver(token, b, cfg, exec), nil
	}
}

// acquireMirrors allocates the device copies of the images and uploads
// dirty and PSF. On failure everything allocated so far is released and
// the device is left open for the caller to close.
func acquireMirrors(dev device.Device, b Buffers) (*mirrors, error) {
	n := b.Width * b.Width
	m := &mirrors{dev: dev}

	var err error
	if m.dirty, err = dev.Alloc("dirty", n); err != nil {
		m.release()
		return nil, fmt.Errorf("allocate dirty image: %w", err)
	}
	if m.psf, err = dev.Alloc("psf", n); err != nil {
		m.release()
		return nil, fmt.Errorf("allocate psf: %w", err)
	}
	if m.residual, err = dev.Alloc("residual", n); err != nil {
		m.release()
		return nil, fmt.Errorf("allocate residual: %w", err)
	}
	if m.scratch, err = dev.AllocScratch("peak scratch", n); err != nil {
		m.release()
		return nil, fmt.Errorf("allocate reduction scratch: %w", err)
	}
	if err := dev.Upload(m.dirty, b.Dirty); err != nil {
		m.release()
		return nil, fmt.Errorf("upload dirty image: %w", err)
	}
	if err := dev.Upload(m.psf, b.PSF); err != nil {
		m.release()
		return nil, fmt.Errorf("upload psf: %w", err)
	}
	return m, nil
}

// release frees the buffers but keeps the device open.
func (m *mirrors) release() {
	for _, b := range []device.Buffer{m.scratch, m.residual, m.psf, m.dirty} {
		if b != nil {
			m.dev.Release(b)
		}
	}
	m.dirty, m.psf, m.residual, m.scratch = nil, nil, nil, nil
}

// close frees the buffers and the device.
func (m *mirrors) close() error {
	m.release()
	return m.dev.Close()
}

func (e *offloadExec) prepare() error {
	if e.m == nil {
		dev, err := e.open()
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
		m, err := acquireMirrors(dev, e.buf)
		if err != nil {
			return errors.Join(err, dev.Close())
		}
		e.m = m
		Logger().Debug("clean: device mirrors ready",
			"device", dev.Name(), "adapter", dev.Info().Name, "buffers", dev.Live())
	}
	if err := e.m.dev.CopyBuffer(e.m.residual, e.m.dirty); err != nil {
		return fmt.Errorf("reset residual: %w", err)
	}
	return nil
}

func (e *offloadExec) psfPeak() (kernel.Peak, error) {
	return e.m.dev.ArgMaxAbs(e.m.psf, e.m.scratch)
}

func (e *offloadExec) residualPeak() (kernel.Peak, error) {
	return e.m.dev.ArgMaxAbs(e.m.residual, e.m.scratch)
}

func (e *offloadExec) subtract(w kernel.Window, scale float32) error {
	if w.Empty() {
		return nil
	}
	return e.m.dev.SubtractPSF(e.m.residual, e.m.psf, w, scale)
}

func (e *offloadExec) finish() error {
	if err := e.m.dev.Download(e.buf.Residual, e.m.residual); err != nil {
		return fmt.Errorf("download residual: %w", err)
	}
	return nil
}

func (e *offloadExec) abort() {
	if err := e.close(); err != nil {
		Logger().Warn("clean: device release failed", "err", err)
	}
}

func (e *offloadExec) close() error {
	if e.m == nil {
		return nil
	}
	m := e.m
	e.m = nil
	return m.close()
}
