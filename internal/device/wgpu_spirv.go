//go:build !nogpu

package device

import "sync"

// spirvCache holds compiled kernels keyed by WGSL source, so reopening a
// device (a warm-up followed by the timed run) skips the compiler.
//
// spirvCache is safe for concurrent use.
type spirvCache struct {
	mu      sync.Mutex
	entries map[string][]uint32
	hits    uint64
	misses  uint64
}

var compiled = &spirvCache{entries: make(map[string][]uint32)}

// get returns the SPIR-V for src, compiling it on a miss. Failed
// compilations are not cached.
func (c *spirvCache) get(src string, compile func(string) ([]uint32, error)) ([]uint32, error) {
	c.mu.Lock()
	if words, ok := c.entries[src]; ok {
		c.hits++
		c.mu.Unlock()
		return words, nil
	}
	c.misses++
	c.mu.Unlock()

	words, err := compile(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[src] = words
	c.mu.Unlock()
	return words, nil
}

// stats returns the hit and miss counters.
func (c *spirvCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// clear drops every entry and resets the counters.
func (c *spirvCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]uint32)
	c.hits, c.misses = 0, 0
}
