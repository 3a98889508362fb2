package clean

import (
	"sort"
	"strings"
	"sync"
)

// Factory constructs a solver bound to b. Factories may assume New has
// already validated b and cfg.
type Factory func(b Buffers, cfg Config) (Solver, error)

// DeviceMarker appears in the token of every backend that needs a device.
const DeviceMarker = "gpu"

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

func init() {
	Register(BackendSerial, NewSerial)
	Register(BackendParallel, NewParallel)
	for token := range deviceKinds {
		Register(token, newOffload(token))
	}
}

// Register registers a solver factory under name.
// If a factory with the same name is already registered, it is replaced.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend tokens in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given token is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// IsDeviceBackend reports whether the backend named by token runs on a
// device and so benefits from Warmup before timing.
func IsDeviceBackend(token string) bool {
	return strings.Contains(token, DeviceMarker)
}

// New validates b and cfg, then constructs the backend registered under
// name. Every failure before construction is a *ConfigError, including an
// unknown name. No buffers or devices are allocated when New fails.
func New(name string, b Buffers, cfg Config) (Solver, error) {
	if err := validate(b, cfg); err != nil {
		return nil, err
	}

	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, configErrorf("backend", "unknown token %q (available: %s)",
			name, strings.Join(Available(), ", "))
	}

	s, err := f(b, cfg)
	if err != nil {
		return nil, err
	}
	Logger().Debug("clean: solver created", "backend", name, "width", b.Width)
	return s, nil
}
