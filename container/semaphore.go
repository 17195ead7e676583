package container

import (
	"context"
	"sync"
)

// Semaphore is a fair FIFO counting semaphore. It gates the number of
// live containers across all groups; a slot is held for the entire
// container lifetime, spawn through removal.
type Semaphore struct {
	mu      sync.Mutex
	slots   int
	inUse   int
	waiters []chan struct{}
}

// NewSemaphore creates a semaphore with n slots.
func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: n}
}

// Acquire blocks until a slot is free or ctx is done. Waiters are served
// strictly in arrival order so a busy group cannot starve the others.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.slots && len(s.waiters) == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// Either remove ourselves from the queue, or — if Release already
		// picked us — pass the slot to the next waiter.
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		s.Release()
		return ctx.Err()
	}
}

// Release frees a slot, handing it to the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(next)
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
}

// InUse reports the number of held slots (for stats and tests).
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
