//go:build nogpu

package device

import "fmt"

func init() {
	register("wgpu", func(Options) (Device, error) {
		return nil, fmt.Errorf("%w: built with nogpu tag", ErrUnavailable)
	})
}
