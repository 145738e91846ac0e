package layer

import (
	"errors"
	"fmt"
	"sync"
)

// Cleanups is a list of release functions bound to a layer's lifetime.
// Run calls them in reverse order of registration; every function runs even
// when an earlier one fails or panics. Functions added after Run are called
// immediately.
type Cleanups struct {
	mu  sync.Mutex
	fns []func() error
	ran bool
}

// Add registers fn.
func (c *Cleanups) Add(fn func() error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		_ = safeCall(fn)
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// Len returns the number of pending functions.
func (c *Cleanups) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

// Run calls every registered function once, last first, and returns their
// joined errors.
func (c *Cleanups) Run() error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.ran = true
	c.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := safeCall(fns[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("layer: cleanup panicked: %v", r)
		}
	}()
	return fn()
}
