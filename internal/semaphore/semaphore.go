// Package semaphore implements a bounded counting semaphore: a blocking
// Acquire, a deadline-bounded TryAcquire, and a Release that fails loudly on
// misuse. It is built directly on a buffered channel, which gives FIFO-ish
// fairness among blocked waiters for free.
package semaphore

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Semaphore is a counting gate initialized with n permits.
type Semaphore struct {
	slots    chan struct{}
	n        int
	acquired atomic.Int64
}

// New creates a Semaphore with n permits. n must be >= 1.
func New(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n), n: n}
}

// Acquire blocks until a permit is free.
func (s *Semaphore) Acquire() {
	s.slots <- struct{}{}
	s.acquired.Add(1)
}

// TryAcquire returns true if a permit was obtained within timeout, else
// false. A zero or negative timeout attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case s.slots <- struct{}{}:
			s.acquired.Add(1)
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		s.acquired.Add(1)
		return true
	case <-timer.C:
		return false
	}
}

// Release returns a permit. Releasing more than were acquired is a
// programmer error and panics rather than silently corrupting the count.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
		s.acquired.Add(-1)
	default:
		panic(fmt.Sprintf("semaphore: Release called with no permits held (capacity %d)", s.n))
	}
}

// Available returns the number of permits currently free.
func (s *Semaphore) Available() int {
	return s.n - len(s.slots)
}

// Capacity returns the total number of permits the semaphore was created with.
func (s *Semaphore) Capacity() int {
	return s.n
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int64 {
	return s.acquired.Load()
}
