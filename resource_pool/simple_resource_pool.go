// Package resource_pool implements a bounded pool of reusable handles for a
// single resource location.
//
// The pool maintains two counters: used (handles checked out, including those
// still being opened) and idle.  used + idle never exceeds the pool's
// capacity; capacity is reserved before a new handle is opened.
package resource_pool

import (
	"context"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/dropbox/memcluster/errors"
)

type ResourcePool interface {
	// This returns the resource location served by the pool.
	Location() string

	// This returns the number of handles checked out (or being opened).
	NumActive() int32

	// This returns the highest number of actives handles for the entire
	// lifetime of the pool.
	ActiveHighWaterMark() int32

	// This returns the number of idle handles.
	NumIdle() int

	// This returns the pool's capacity.
	Capacity() int32

	// This returns capacity minus the number of handles checked out.
	Remaining() int32

	// This gets an active resource handle.  Idle handles are preferred.  When
	// the pool is full, Get waits until a handle is returned, the acquire
	// timeout fires, or ctx is done.
	Get(ctx context.Context) (ManagedHandle, error)

	// This releases an active resource handle back to the pool.  Releasing
	// an already released handle is a no-op.
	Release(handle ManagedHandle) error

	// This discards an active resource handle.
	Discard(handle ManagedHandle) error

	// This closes up to n idle handles, oldest first, and returns how many
	// were closed.
	DestroyIdle(n int) int

	// Enter the resource pool into lame duck mode.  Idle handles are closed,
	// Get fails, and released handles are closed.
	EnterLameDuckMode()
}

type idleHandle struct {
	handle    interface{}
	keepUntil *time.Time
}

type SimpleResourcePool struct {
	location string
	options  Options

	mutex       sync.Mutex
	numActive   int32                     // guarded by mutex
	highWater   int32                     // guarded by mutex
	idleHandles *deque.Deque[*idleHandle] // guarded by mutex
	isLameDuck  bool                      // guarded by mutex
	// Closed and replaced whenever capacity may have become available.
	changed chan struct{} // guarded by mutex
}

// This returns a SimpleResourcePool which opens handles to the given resource
// location.
func NewSimpleResourcePool(
	location string,
	options Options) (*SimpleResourcePool, error) {

	if location == "" {
		return nil, errors.New("Invalid resource location")
	}
	if options.Capacity <= 0 {
		return nil, errors.Newf(
			"Invalid capacity for %s: %d",
			location,
			options.Capacity)
	}
	if options.Open == nil || options.Close == nil {
		return nil, errors.New("Open and Close must be set")
	}

	return &SimpleResourcePool{
		location:    location,
		options:     options,
		idleHandles: deque.NewDeque[*idleHandle](),
		changed:     make(chan struct{}),
	}, nil
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Location() string {
	return p.location
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) NumActive() int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.numActive
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) ActiveHighWaterMark() int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.highWater
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) NumIdle() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.idleHandles.Len()
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Capacity() int32 {
	return p.options.Capacity
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Remaining() int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.options.Capacity - p.numActive
}

// Point-in-time pool counters, read under a single lock.
type Counts struct {
	Capacity int32
	Active   int32
	Idle     int
}

func (p *SimpleResourcePool) Counts() Counts {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return Counts{
		Capacity: p.options.Capacity,
		Active:   p.numActive,
		Idle:     p.idleHandles.Len(),
	}
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Get(ctx context.Context) (ManagedHandle, error) {
	var timeout <-chan time.Time
	if p.options.AcquireTimeout > 0 {
		timer := time.NewTimer(p.options.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		idle, reserved, changed, err := p.reserve()
		if err != nil {
			return nil, err
		}

		if idle != nil {
			if p.options.Probe == nil || p.options.Probe(idle) {
				return NewManagedHandle(p.location, idle, p), nil
			}
			p.closeReserved(idle)
			continue
		}

		if reserved {
			return p.open(ctx)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, errors.Wrapf(
				ctx.Err(),
				"Gave up waiting for a handle to %s",
				p.location)
		case <-timeout:
			return nil, errors.Newf(
				"Timed out waiting for a handle to %s (capacity %d)",
				p.location,
				p.options.Capacity)
		}
	}
}

// This moves one unit of capacity into the active count.  It returns either
// an idle handle, a reservation for a new handle, or the channel to wait on
// when the pool is full.
func (p *SimpleResourcePool) reserve() (
	idle interface{},
	reserved bool,
	changed <-chan struct{},
	err error) {

	var expired []interface{}
	defer func() {
		for _, handle := range expired {
			_ = p.options.Close(handle)
		}
	}()

	now := p.options.clock().Now()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isLameDuck {
		return nil, false, nil, errors.Newf(
			"Lame duck resource pool cannot return handles to %s",
			p.location)
	}

	for p.idleHandles.Len() > 0 {
		h := p.idleHandles.PopFront()
		if h.keepUntil != nil && !now.Before(*h.keepUntil) {
			expired = append(expired, h.handle)
			continue
		}
		p.incActive()
		return h.handle, false, nil, nil
	}

	if p.numActive < p.options.Capacity {
		p.incActive()
		return nil, true, nil, nil
	}

	return nil, false, p.changed, nil
}

// Must be called with the mutex held.
func (p *SimpleResourcePool) incActive() {
	p.numActive++
	if p.numActive > p.highWater {
		p.highWater = p.numActive
	}
}

// Returns one unit of capacity and wakes waiters.
func (p *SimpleResourcePool) unreserve() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.numActive--
	p.notifyLocked()
}

// Must be called with the mutex held.
func (p *SimpleResourcePool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *SimpleResourcePool) closeReserved(handle interface{}) {
	p.unreserve()
	_ = p.options.Close(handle)
}

func (p *SimpleResourcePool) open(ctx context.Context) (ManagedHandle, error) {
	handle, err := p.options.Open(ctx, p.location)
	if err != nil {
		p.unreserve()
		return nil, errors.Wrapf(
			err,
			"Failed to open resource handle: %s",
			p.location)
	}
	return NewManagedHandle(p.location, handle, p), nil
}

func (p *SimpleResourcePool) checkOwner(handle ManagedHandle) error {
	if pool, ok := handle.Owner().(*SimpleResourcePool); !ok || pool != p {
		return errors.New(
			"Resource pool cannot take control of a handle owned " +
				"by another resource pool")
	}
	return nil
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Release(handle ManagedHandle) error {
	if err := p.checkOwner(handle); err != nil {
		return err
	}

	h := handle.ReleaseUnderlyingHandle()
	if h == nil {
		return nil
	}

	keepUntil := p.options.keepUntil()

	p.mutex.Lock()
	p.numActive--
	lameDuck := p.isLameDuck
	if !lameDuck {
		p.idleHandles.PushBack(&idleHandle{
			handle:    h,
			keepUntil: keepUntil,
		})
	}
	p.notifyLocked()
	p.mutex.Unlock()

	if lameDuck {
		return p.closeHandle(h)
	}
	return nil
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) Discard(handle ManagedHandle) error {
	if err := p.checkOwner(handle); err != nil {
		return err
	}

	h := handle.ReleaseUnderlyingHandle()
	if h == nil {
		return nil
	}

	p.unreserve()
	return p.closeHandle(h)
}

func (p *SimpleResourcePool) closeHandle(handle interface{}) error {
	if err := p.options.Close(handle); err != nil {
		return errors.Wrap(err, "Failed to close resource handle")
	}
	return nil
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) DestroyIdle(n int) int {
	if n <= 0 {
		return 0
	}

	p.mutex.Lock()
	var handles []interface{}
	for len(handles) < n && p.idleHandles.Len() > 0 {
		handles = append(handles, p.idleHandles.PopFront().handle)
	}
	if len(handles) > 0 {
		p.notifyLocked()
	}
	p.mutex.Unlock()

	for _, handle := range handles {
		_ = p.options.Close(handle)
	}
	return len(handles)
}

// See ResourcePool for documentation.
func (p *SimpleResourcePool) EnterLameDuckMode() {
	p.mutex.Lock()
	p.isLameDuck = true
	var handles []interface{}
	for p.idleHandles.Len() > 0 {
		handles = append(handles, p.idleHandles.PopFront().handle)
	}
	p.notifyLocked()
	p.mutex.Unlock()

	for _, handle := range handles {
		_ = p.options.Close(handle)
	}
}
