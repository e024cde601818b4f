package net2

import (
	"context"
	"net"
	"syscall"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
	rp "github.com/dropbox/memcluster/resource_pool"
)

// A thin wrapper around a resource pool.  All connections are connected to
// the same (network, address).
type BaseConnectionPool struct {
	addr    NetworkAddress
	options ConnectionOptions

	pool *rp.SimpleResourcePool
}

func defaultDialer(options ConnectionOptions) func(
	ctx context.Context,
	network string,
	address string) (net.Conn, error) {

	dialer := &net.Dialer{Timeout: options.ConnectTimeout}
	if options.TCPUserTimeout > 0 {
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			return ControlWithTCPUserTimeout(c, options.TCPUserTimeout)
		}
	}
	return dialer.DialContext
}

// This returns a connection pool where all connections are connected
// to the same (network, address).
func NewSimpleConnectionPool(
	network string,
	address string,
	options ConnectionOptions) (*BaseConnectionPool, error) {

	options = options.withDefaults()
	addr := NetworkAddress{Network: network, Address: address}

	dial := options.Dial
	if dial == nil {
		dial = defaultDialer(options)
	}

	openFunc := func(ctx context.Context, loc string) (interface{}, error) {
		dialCtx, cancel := context.WithTimeout(ctx, options.ConnectTimeout)
		defer cancel()

		conn, err := dial(dialCtx, network, address)
		if err != nil {
			options.Logger.Warn(
				"Failed to open connection",
				dlog.Fields{"endpoint": address, "error": err})
			return nil, err
		}
		return newPooledConn(addr, conn, options), nil
	}

	closeFunc := func(handle interface{}) error {
		return handle.(*pooledConn).close()
	}

	poolOptions := rp.Options{
		Capacity:       options.MaxActiveConnections,
		MaxIdleTime:    options.MaxIdleTime,
		AcquireTimeout: options.AcquireTimeout,
		Open:           openFunc,
		Close:          closeFunc,
		Clock:          options.Clock,
	}
	if options.ProbeIdleConnections {
		poolOptions.Probe = func(handle interface{}) bool {
			return handle.(*pooledConn).probe(defaultProbeWindow)
		}
	}

	pool, err := rp.NewSimpleResourcePool(addr.String(), poolOptions)
	if err != nil {
		return nil, err
	}

	return &BaseConnectionPool{
		addr:    addr,
		options: options,
		pool:    pool,
	}, nil
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) NumActive() int32 {
	return p.pool.NumActive()
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) ActiveHighWaterMark() int32 {
	return p.pool.ActiveHighWaterMark()
}

// This returns the number of alive idle connections.
func (p *BaseConnectionPool) NumIdle() int {
	return p.pool.NumIdle()
}

// BaseConnectionPool is bound to the (network, address) it was created with.
func (p *BaseConnectionPool) Register(network string, address string) error {
	if network != p.addr.Network || address != p.addr.Address {
		return errors.Newf(
			"BaseConnectionPool can only serve %s (not %s %s)",
			p.addr,
			network,
			address)
	}
	return nil
}

// BaseConnectionPool has nothing to do on Unregister.
func (p *BaseConnectionPool) Unregister(network string, address string) error {
	return nil
}

func (p *BaseConnectionPool) ListRegistered() []NetworkAddress {
	return []NetworkAddress{p.addr}
}

// This gets an active connection from the connection pool.  Note that network
// and address arguments are ignored (The connections point to the
// network/address the pool was created with).
func (p *BaseConnectionPool) Get(
	ctx context.Context,
	network string,
	address string) (ManagedConn, error) {

	handle, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := newManagedConn(handle, p)
	if err != nil {
		_ = handle.Discard()
		return nil, err
	}
	return conn, nil
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) Release(conn ManagedConn) error {
	return conn.ReleaseConnection()
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) Discard(conn ManagedConn) error {
	return conn.DiscardConnection()
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) Stats(network string, address string) PoolStats {
	counts := p.pool.Counts()
	return PoolStats{
		Capacity:  counts.Capacity,
		Used:      counts.Active,
		Idle:      counts.Idle,
		Remaining: counts.Capacity - counts.Active,
	}
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) DestroyIdle(network string, address string, n int) int {
	destroyed := p.pool.DestroyIdle(n)
	if destroyed > 0 {
		p.options.Logger.Debug(
			"Destroyed idle connections",
			dlog.Fields{"endpoint": p.addr.Address, "count": destroyed})
	}
	return destroyed
}

// See ConnectionPool for documentation.
func (p *BaseConnectionPool) EnterLameDuckMode() {
	p.pool.EnterLameDuckMode()
}
