package net2

import (
	"context"
	"sort"
	"sync"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
)

// A connection pool implementation that manages multiple (network, address)
// entries.  The connections to each (network, address) entry acts
// independently. For example ("tcp", "localhost:11211") could act as memcache
// node "a" and ("tcp", "localhost:11212") could act as memcache node "b".
//
// Per-address pools are created lazily by the first Get, so callers only
// need to Register addresses they want to list ahead of time.
type MultiConnectionPool struct {
	options ConnectionOptions

	rwMutex    sync.RWMutex
	isLameDuck bool // guarded by rwMutex
	// NOTE: the addressPools is guarded by rwMutex, but the pool entries
	// are not.
	addressPools map[NetworkAddress]*BaseConnectionPool
}

// This returns a MultiConnectionPool, which manages multiple
// (network, address) entries.  The connections to each (network, address)
// entry acts independently.
func NewMultiConnectionPool(options ConnectionOptions) *MultiConnectionPool {
	return &MultiConnectionPool{
		options:      options.withDefaults(),
		addressPools: make(map[NetworkAddress]*BaseConnectionPool),
	}
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) NumActive() int32 {
	total := int32(0)

	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	for _, pool := range p.addressPools {
		total += pool.NumActive()
	}

	return total
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) Register(network string, address string) error {
	_, err := p.getOrCreatePool(NetworkAddress{
		Network: network,
		Address: address,
	})
	return err
}

func (p *MultiConnectionPool) getOrCreatePool(
	key NetworkAddress) (*BaseConnectionPool, error) {

	if key.Network == "" || key.Address == "" {
		return nil, errors.Newf("Registering invalid (network, address): %s", key)
	}

	if pool := p.getPool(key); pool != nil {
		return pool, nil
	}

	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()

	if p.isLameDuck {
		return nil, errors.Newf(
			"Cannot register (%s, %s) to lame duck connection pool",
			key.Network,
			key.Address)
	}

	if pool, inMap := p.addressPools[key]; inMap {
		return pool, nil
	}

	pool, err := NewSimpleConnectionPool(key.Network, key.Address, p.options)
	if err != nil {
		return nil, err
	}

	p.addressPools[key] = pool
	return pool, nil
}

// See ConnectionPool for documentation.  Connections checked out of the
// removed pool are closed when they are released.
func (p *MultiConnectionPool) Unregister(network string, address string) error {
	key := NetworkAddress{
		Network: network,
		Address: address,
	}

	p.rwMutex.Lock()
	pool, inMap := p.addressPools[key]
	delete(p.addressPools, key)
	p.rwMutex.Unlock()

	if inMap {
		pool.EnterLameDuckMode()
		p.options.Logger.Info(
			"Retired connection pool",
			dlog.Fields{"endpoint": address})
	}
	return nil
}

// This returns the registered entries sorted by address.
func (p *MultiConnectionPool) ListRegistered() []NetworkAddress {
	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	result := make([]NetworkAddress, 0, len(p.addressPools))
	for key := range p.addressPools {
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})

	return result
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) Get(
	ctx context.Context,
	network string,
	address string) (ManagedConn, error) {

	pool, err := p.getOrCreatePool(NetworkAddress{
		Network: network,
		Address: address,
	})
	if err != nil {
		return nil, err
	}
	return pool.Get(ctx, network, address)
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) Release(conn ManagedConn) error {
	return conn.ReleaseConnection()
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) Discard(conn ManagedConn) error {
	return conn.DiscardConnection()
}

// See ConnectionPool for documentation.  Unknown entries report the
// configured capacity with nothing in use.
func (p *MultiConnectionPool) Stats(network string, address string) PoolStats {
	pool := p.getPool(NetworkAddress{Network: network, Address: address})
	if pool == nil {
		return PoolStats{
			Capacity:  p.options.MaxActiveConnections,
			Remaining: p.options.MaxActiveConnections,
		}
	}
	return pool.Stats(network, address)
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) DestroyIdle(network string, address string, n int) int {
	pool := p.getPool(NetworkAddress{Network: network, Address: address})
	if pool == nil {
		return 0
	}
	return pool.DestroyIdle(network, address, n)
}

// See ConnectionPool for documentation.
func (p *MultiConnectionPool) EnterLameDuckMode() {
	p.rwMutex.Lock()
	defer p.rwMutex.Unlock()

	p.isLameDuck = true

	for _, pool := range p.addressPools {
		pool.EnterLameDuckMode()
	}
}

func (p *MultiConnectionPool) getPool(key NetworkAddress) *BaseConnectionPool {
	p.rwMutex.RLock()
	defer p.rwMutex.RUnlock()

	if pool, inMap := p.addressPools[key]; inMap {
		return pool
	}
	return nil
}
