package resource_pool

import (
	"context"
	"time"

	"github.com/dropbox/memcluster/time2"
)

type Options struct {
	// The maximum number of handles (in use plus idle) the pool may hold at
	// any moment.  Must be positive.
	Capacity int32

	// The maximum amount of time an idle handle can remain idle before being
	// closed.  When nil, idle handles never expire.
	MaxIdleTime *time.Duration

	// How long Get waits for capacity to free up when the pool is full.
	// Zero means Get waits until its context is done.
	AcquireTimeout time.Duration

	// This creates a new handle for the pool's resource location.  Capacity
	// is reserved before Open is called and returned if Open fails.
	Open func(ctx context.Context, location string) (interface{}, error)

	// This closes a handle that is no longer needed.
	Close func(handle interface{}) error

	// Optional liveness check run on an idle handle before it is handed out.
	// Handles which fail the probe are closed.
	Probe func(handle interface{}) bool

	// Source of time for idle expiry.  Defaults to time2.DefaultClock.
	Clock time2.Clock
}

func (o Options) clock() time2.Clock {
	if o.Clock == nil {
		return time2.DefaultClock
	}
	return o.Clock
}

func (o Options) keepUntil() *time.Time {
	if o.MaxIdleTime == nil {
		return nil
	}
	t := o.clock().Now().Add(*o.MaxIdleTime)
	return &t
}
