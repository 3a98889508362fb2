//go:build !opencl

package device

import "fmt"

func init() {
	register("opencl", func(Options) (Device, error) {
		return nil, fmt.Errorf("%w: OpenCL support is not enabled; rebuild with -tags opencl", ErrUnavailable)
	})
}
