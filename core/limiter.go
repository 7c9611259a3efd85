package core

import (
	"fmt"
	"sync"
)

// CallLimiter enforces a maximum number of AI calls per workflow run.
type CallLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewCallLimiter creates a new limiter with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: max}
}

// Acquire consumes one call from the budget and returns an error if the limit is exceeded.
// A nil limiter never limits.
func (cl *CallLimiter) Acquire() error {
	if cl == nil {
		return nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.count >= cl.max {
		return fmt.Errorf("exceeded max ai calls per run: %d", cl.max)
	}
	cl.count++

	return nil
}

// Count returns the current number of calls made.
func (cl *CallLimiter) Count() int {
	if cl == nil {
		return 0
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.count
}

// Remaining returns how many calls are left before hitting the limit.
func (cl *CallLimiter) Remaining() int {
	if cl == nil {
		return -1
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max == 0 {
		return -1 // unlimited
	}

	return cl.max - cl.count
}
