package net2

import (
	"context"
	"net"
	"time"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/time2"
)

const (
	defaultDialTimeout    = 1 * time.Second
	defaultAcquireTimeout = 1 * time.Second
	defaultBufferSize     = 4096
	defaultProbeWindow    = time.Millisecond
)

type ConnectionOptions struct {
	// The maximum number of connections (in use plus idle) per endpoint.
	// Must be positive.
	MaxActiveConnections int32

	// The maximum amount of time an idle connection can alive (if specified).
	MaxIdleTime *time.Duration

	// How long Get waits for a connection when the endpoint's pool is full.
	// Defaults to 1 second.
	AcquireTimeout time.Duration

	// Dial specifies the dial function for creating network connections.
	// If Dial is nil, a net.Dialer with ConnectTimeout is used.
	Dial func(ctx context.Context, network string, address string) (net.Conn, error)

	// Timeout for establishing a new connection.  Defaults to 1 second.
	ConnectTimeout time.Duration

	// This specifies the timeout for any Read() operation.
	ReadTimeout time.Duration

	// This specifies the timeout for any Write() operation.
	WriteTimeout time.Duration

	// TCP_USER_TIMEOUT applied to connections created by the default dialer
	// (linux only).
	TCPUserTimeout time.Duration

	// Sizes of the per-connection bufio reader and writer.
	ReadBufferSize  int
	WriteBufferSize int

	// When set, idle connections are checked for a closed peer (or
	// unsolicited data) before they are handed out.
	ProbeIdleConnections bool

	// Source of time for idle expiry.  Defaults to time2.DefaultClock.
	Clock time2.Clock

	Logger dlog.Logger
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultDialTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultBufferSize
	}
	if o.Clock == nil {
		o.Clock = time2.DefaultClock
	}
	o.Logger = dlog.OrNop(o.Logger)
	return o
}

// Dial's arguments.
type NetworkAddress struct {
	Network string
	Address string
}

func (a NetworkAddress) String() string {
	return a.Network + " " + a.Address
}

// Point-in-time view of one endpoint's pool.  Used + Idle <= Capacity and
// Remaining == Capacity - Used.
type PoolStats struct {
	Capacity  int32
	Used      int32
	Idle      int
	Remaining int32
}

// A generic interface for managed connection pool.  All connection pool
// implementations must be threadsafe.
type ConnectionPool interface {
	// This returns the number of active connections.
	NumActive() int32

	// This associates (network, address) to the connection pool; afterwhich,
	// the user can get connections to (network, address).
	Register(network string, address string) error

	// This dissociate (network, address) from the connection pool;
	// afterwhich, the user can no longer get connections to
	// (network, address).
	Unregister(network string, address string) error

	// This returns the list of registered (network, address) entries.
	ListRegistered() []NetworkAddress

	// This gets an active connection from the connection pool.  The connection
	// will remain active until one of the following is called:
	//  1. conn.ReleaseConnection()
	//  2. conn.DiscardConnection()
	//  3. pool.Release(conn)
	//  4. pool.Discard(conn)
	Get(ctx context.Context, network string, address string) (ManagedConn, error)

	// This releases an active connection back to the connection pool.
	Release(conn ManagedConn) error

	// This discards an active connection from the connection pool.
	Discard(conn ManagedConn) error

	// This returns the pool statistics for (network, address).
	Stats(network string, address string) PoolStats

	// This closes up to n idle connections to (network, address) and returns
	// the number closed.
	DestroyIdle(network string, address string, n int) int

	// Enter the connection pool into lame duck mode.  The connection pool
	// will no longer return connections, and all idle connections are closed
	// immediately (including active connections that are released back to the
	// pool afterward).
	EnterLameDuckMode()
}
