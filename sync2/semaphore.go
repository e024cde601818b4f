package sync2

import (
	"context"
	"sync"
	"time"
)

// A counting semaphore.  Acquire blocks while the count is zero; Release
// increments the count and wakes up waiters.
type Semaphore interface {
	// Decrement the semaphore counter, blocking until the counter is
	// positive.
	Acquire()

	// Same as Acquire, but gives up when ctx is done.  Returns ctx.Err() on
	// failure, in which case the counter is left untouched.
	AcquireContext(ctx context.Context) error

	// Same as Acquire, but waits for up to the given duration.  Returns true
	// if the semaphore was acquired.
	TryAcquire(timeout time.Duration) bool

	// Increment the semaphore counter.
	Release()
}

// This returns a semaphore whose counter starts at initialCount.  Release may
// grow the counter past its initial value.
func NewUnboundedSemaphore(initialCount int) Semaphore {
	return &semaphoreImpl{
		counter: initialCount,
		changed: make(chan struct{}),
	}
}

type semaphoreImpl struct {
	lock    sync.Mutex
	counter int           // guarded by lock
	changed chan struct{} // guarded by lock; closed on every Release
}

func (s *semaphoreImpl) Release() {
	s.lock.Lock()
	s.counter++
	close(s.changed)
	s.changed = make(chan struct{})
	s.lock.Unlock()
}

func (s *semaphoreImpl) tryTake() (bool, <-chan struct{}) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.counter > 0 {
		s.counter--
		return true, nil
	}
	return false, s.changed
}

func (s *semaphoreImpl) Acquire() {
	_ = s.AcquireContext(context.Background())
}

func (s *semaphoreImpl) AcquireContext(ctx context.Context) error {
	for {
		ok, changed := s.tryTake()
		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *semaphoreImpl) TryAcquire(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.AcquireContext(ctx) == nil
}
