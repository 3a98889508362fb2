package clean

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every configuration error: bad
	// dimensions, out-of-range parameters, unknown backend tokens.
	// Configuration errors are raised before any buffer or device allocation.
	ErrConfiguration = errors.New("clean: invalid configuration")

	// ErrResource is matched by every device or resource failure during
	// construction or Deconvolve.
	ErrResource = errors.New("clean: resource failure")

	// errSolverClosed is wrapped in a ResourceError when a closed solver is used.
	errSolverClosed = errors.New("clean: solver closed")
)

// ConfigError describes an invalid construction input.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("clean: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrConfiguration) succeed.
func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ResourceError reports a device or resource failure. Err carries the
// underlying diagnostic and stays reachable through errors.Is and errors.As,
// as does ErrResource.
type ResourceError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("clean: %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() []error { return []error{ErrResource, e.Err} }
