package memcache

import (
	"context"
	"net"
	"time"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
	"github.com/dropbox/memcluster/hash2/hashring"
	"github.com/dropbox/memcluster/net2"
	"github.com/dropbox/memcluster/stats"
	"github.com/dropbox/memcluster/time2"
)

const (
	DefaultConnectTimeout = 1 * time.Second
	DefaultReceiveTimeout = 1 * time.Second
	DefaultAcquireTimeout = 1 * time.Second
	DefaultMaxPoolSize    = 16
	DefaultMaxConcurrency = 8
)

// Configuration for the executor and the cluster client.  Zero values select
// the defaults.
type Options struct {
	// Timeout for establishing a connection.
	ConnectTimeout time.Duration

	// Bounds reading all responses of one exchange.
	ReceiveTimeout time.Duration

	// Bounds writing all frames of one exchange.  Defaults to ReceiveTimeout.
	SendTimeout time.Duration

	// TCP_USER_TIMEOUT for connections opened by the default dialer (linux
	// only).  Zero leaves the kernel default.
	TCPUserTimeout time.Duration

	// How long to wait for a pooled connection when a node's pool is full.
	AcquireTimeout time.Duration

	// Maximum connections (in use plus idle) per node.
	MaxPoolSize int

	// Idle connections older than this are closed instead of reused.
	MaxIdleTime *time.Duration

	// Check idle connections for a closed peer before reusing them.
	ProbeIdleConnections bool

	// Virtual nodes per physical node on the hash ring.
	VirtualNodes int

	// Maximum number of concurrent requests in a fan-out (replica writes,
	// per-node batches, flush).
	MaxConcurrency int

	// When set, every connection authenticates with SASL PLAIN before its
	// first command.
	Credentials *Credentials

	// Keys longer than 250 bytes are replaced by a hashed form instead of
	// being rejected.
	AllowLongKeys bool

	Logger dlog.Logger

	StatsFactory stats.StatsFactory

	// Overrides the default TCP dialer.
	Dial func(ctx context.Context, network string, address string) (net.Conn, error)

	Clock time2.Clock
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReceiveTimeout == 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = o.ReceiveTimeout
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.MaxPoolSize == 0 {
		o.MaxPoolSize = DefaultMaxPoolSize
	}
	if o.VirtualNodes == 0 {
		o.VirtualNodes = hashring.DefaultVirtualNodes
	}
	if o.MaxConcurrency == 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	o.Logger = dlog.OrNop(o.Logger)
	if o.StatsFactory == nil {
		o.StatsFactory = stats.NoOpStatsFactory
	}
	if o.Clock == nil {
		o.Clock = time2.DefaultClock
	}
	return o
}

// Validate rejects negative durations and sizes.
func (o Options) Validate() error {
	durations := map[string]time.Duration{
		"ConnectTimeout": o.ConnectTimeout,
		"ReceiveTimeout": o.ReceiveTimeout,
		"SendTimeout":    o.SendTimeout,
		"AcquireTimeout": o.AcquireTimeout,
		"TCPUserTimeout": o.TCPUserTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return errors.Newf("Invalid %s: %v", name, d)
		}
	}
	if o.MaxIdleTime != nil && *o.MaxIdleTime < 0 {
		return errors.Newf("Invalid MaxIdleTime: %v", *o.MaxIdleTime)
	}
	if o.MaxPoolSize < 0 {
		return errors.Newf("Invalid MaxPoolSize: %d", o.MaxPoolSize)
	}
	if o.VirtualNodes < 0 {
		return errors.Newf("Invalid VirtualNodes: %d", o.VirtualNodes)
	}
	if o.MaxConcurrency < 0 {
		return errors.Newf("Invalid MaxConcurrency: %d", o.MaxConcurrency)
	}
	return nil
}

func (o Options) connectionOptions() net2.ConnectionOptions {
	return net2.ConnectionOptions{
		MaxActiveConnections: int32(o.MaxPoolSize),
		MaxIdleTime:          o.MaxIdleTime,
		AcquireTimeout:       o.AcquireTimeout,
		Dial:                 o.Dial,
		ConnectTimeout:       o.ConnectTimeout,
		ReadTimeout:          o.ReceiveTimeout,
		WriteTimeout:         o.SendTimeout,
		TCPUserTimeout:       o.TCPUserTimeout,
		ProbeIdleConnections: o.ProbeIdleConnections,
		Clock:                o.Clock,
		Logger:               o.Logger,
	}
}
