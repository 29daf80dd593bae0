package scint

import "sync"

// CleanupList collects best-effort cleanup work for one install run, such
// as sweeping stranded assembling trees out of the cache. Hooks run once,
// in registration order; every hook runs even if an earlier one fails,
// and the first error is returned.
type CleanupList struct {
	mu  sync.Mutex
	fns []func() error
	ran bool
}

func (c *CleanupList) Register(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ran {
		panic("BUG: Register called after Run")
	}
	c.fns = append(c.fns, fn)
}

func (c *CleanupList) Run() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.ran = true
	c.mu.Unlock()

	var first error
	for _, fn := range fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
