// Package clean implements the CLEAN deconvolution algorithm with
// interchangeable execution backends.
//
// # Overview
//
// CLEAN removes a known point-spread function (PSF) from a dirty image by
// repeatedly finding the strongest residual pixel, crediting a fraction of
// it to a sparse model, and subtracting the correspondingly scaled and
// shifted PSF from the residual. The loop stops when the peak falls below a
// threshold or the iteration budget runs out.
//
// # Quick Start
//
//	import "github.com/gogpu/clean"
//
//	b := clean.NewBuffers(dirty, psf, width)
//	s, err := clean.New("cpu-parallel", b, clean.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	res, err := s.Deconvolve()
//	// b.Model and b.Residual now hold the result.
//
// # Backends
//
// Backends are selected by token:
//   - "cpu": single-threaded reference
//   - "cpu-parallel": fork-join over a worker pool
//   - "gpu": device kernels through the wgpu HAL (Vulkan)
//   - "gpu-host": the device code path on an emulated device
//   - "gpu-opencl": device kernels through OpenCL (build tag opencl)
//
// Every backend breaks peak ties on the lowest linear index and computes
// gain*peak once per iteration, so "cpu", "cpu-parallel" and "gpu-host"
// produce bit-identical output. Hardware devices agree with the reference
// to within floating point tolerance.
//
// # Images
//
// Images are square, row-major []float32 slices with linear index y*W+x.
// The dirty image and PSF are read-only. Model and Residual belong to the
// caller and are mutated in place.
//
// # Errors
//
// Construction failures match ErrConfiguration and are raised before any
// allocation. Device failures during Deconvolve match ErrResource; device
// buffers are released before the error is returned. Reaching the
// iteration budget is not an error.
//
// # Logging
//
// The package is silent by default. Use SetLogger to receive progress
// lines and device lifecycle events through log/slog.
package clean

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
