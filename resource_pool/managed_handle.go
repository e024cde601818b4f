package resource_pool

import (
	"sync/atomic"

	"github.com/dropbox/memcluster/errors"
)

// A resource handle checked out of a resource pool.  A ManagedHandle is valid
// for a single checkout: once it is released or discarded, every further
// release is a no-op and Handle returns an error.
type ManagedHandle interface {
	// This returns the handle's resource location.
	ResourceLocation() string

	// This returns the underlying resource handle (or error if the handle
	// is no longer active).
	Handle() (interface{}, error)

	// This returns the resource pool which owns this handle.
	Owner() ResourcePool

	// The releases the underlying resource handle to the caller and marks the
	// managed handle as inactive.  The caller is responsible for cleaning up
	// the released handle.  This returns nil if the managed handle no longer
	// owns the resource.
	ReleaseUnderlyingHandle() interface{}

	// This indicates a user is done with the handle and releases the handle
	// back to the resource pool.
	Release() error

	// This indicates the handle is in an unusable state, and the resource
	// pool should close it.
	Discard() error
}

type managedHandleImpl struct {
	location string
	handle   atomic.Value // holds *handleBox
	pool     ResourcePool
}

// atomic.Value cannot store nil, so the handle is boxed.
type handleBox struct {
	handle interface{}
}

// This creates a managed handle wrapper.
func NewManagedHandle(
	resourceLocation string,
	handle interface{},
	pool ResourcePool) ManagedHandle {

	h := &managedHandleImpl{
		location: resourceLocation,
		pool:     pool,
	}
	h.handle.Store(&handleBox{handle: handle})
	return h
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) ResourceLocation() string {
	return c.location
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) Handle() (interface{}, error) {
	box := c.handle.Load().(*handleBox)
	if box.handle == nil {
		return nil, errors.Newf("Resource handle is no longer valid")
	}
	return box.handle, nil
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) Owner() ResourcePool {
	return c.pool
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) ReleaseUnderlyingHandle() interface{} {
	return c.handle.Swap(&handleBox{}).(*handleBox).handle
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) Release() error {
	return c.pool.Release(c)
}

// See ManagedHandle for documentation.
func (c *managedHandleImpl) Discard() error {
	return c.pool.Discard(c)
}
