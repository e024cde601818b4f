package memcache

import (
	"context"
	"time"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
	"github.com/dropbox/memcluster/hash2/hashring"
	"github.com/dropbox/memcluster/net2"
	"github.com/dropbox/memcluster/stats"
)

const network = "tcp"

// Metric names reported through Options.StatsFactory.
const (
	metricRequests             = "memcache.requests"
	metricLatency              = "memcache.request_latency_seconds"
	metricDestroyedConnections = "memcache.destroyed_connections"
	metricAuthentications      = "memcache.authentications"
)

// Per-node pool counters.  Used + Idle <= Capacity and
// Remaining == Capacity - Used.
type PoolStats = net2.PoolStats

// The Executor runs commands against individual nodes over pooled
// connections.  Each node gets its own bounded pool, created on first use.
// A connection is used by one command at a time.
type Executor struct {
	options Options
	pools   *net2.MultiConnectionPool
	logger  dlog.Logger
	stats   stats.StatsFactory
}

func NewExecutor(options Options) (*Executor, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()

	return &Executor{
		options: options,
		pools:   net2.NewMultiConnectionPool(options.connectionOptions()),
		logger:  options.Logger,
		stats:   options.StatsFactory,
	}, nil
}

// Execute runs cmd against node.  Every recoverable failure (no node,
// connection unavailable, timeout, desync, cancellation, server error status)
// is reported through the returned ExecResult and the command's typed response.
// The error is reserved for commands which can never succeed: a nil command,
// an invalid key or value, or credentials rejected by the server (*AuthError).
func (e *Executor) Execute(
	ctx context.Context,
	node hashring.Node,
	cmd Command) (ExecResult, error) {

	if cmd == nil {
		return ExecResult{}, errors.New("Cannot execute a nil command")
	}
	if err := cmd.prepare(node.Endpoint, e.options.AllowLongKeys); err != nil {
		return ExecResult{}, err
	}

	if node.IsEmpty() || node.Endpoint == "" {
		cmd.fail(ErrNoNode)
		return cmd.result(), nil
	}

	start := time.Now()
	result, err := e.execute(ctx, node, cmd)
	if err != nil {
		return ExecResult{}, err
	}

	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
	} else if !result.Success {
		outcome = "failed"
	}
	tags := map[string]string{"node": node.Key, "result": outcome}
	e.stats.NewCounter(metricRequests, tags).Inc()
	e.stats.NewSummary(metricLatency, tags).Observe(time.Since(start).Seconds())

	return result, nil
}

func (e *Executor) execute(
	ctx context.Context,
	node hashring.Node,
	cmd Command) (ExecResult, error) {

	if err := ctx.Err(); err != nil {
		cmd.fail(nodeError(node.Endpoint, err))
		return cmd.result(), nil
	}

	conn, err := e.pools.Get(ctx, network, node.Endpoint)
	if err != nil {
		cmd.fail(nodeError(node.Endpoint, err))
		return cmd.result(), nil
	}

	// Cancellation aborts in-flight I/O; the stream position is then unknown
	// so the connection is destroyed.
	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer func() {
		if !stop() && ctx.Err() != nil {
			conn.MarkForDestroy()
		}
		e.release(node, conn)
	}()

	if e.options.Credentials != nil && !conn.IsAuthenticated() {
		if err := e.authenticate(node, conn); err != nil {
			conn.MarkForDestroy()
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return ExecResult{}, err
			}
			cmd.fail(nodeError(node.Endpoint, err))
			return cmd.result(), nil
		}
	}

	if err := e.exchange(conn, cmd); err != nil {
		conn.MarkForDestroy()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, errors.GetMessage(err))
		}
		cmd.fail(nodeError(node.Endpoint, err))
		return cmd.result(), nil
	}

	return cmd.result(), nil
}

// Writes the command's frames and reads its responses.  Sending all frames
// is bounded by SendTimeout and reading all responses by ReceiveTimeout.
func (e *Executor) exchange(conn net2.ManagedConn, cmd Command) error {
	buf := getFrameBuffer()
	defer buf.release()

	if err := cmd.encode(buf, conn.NextOpaque); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(e.options.SendTimeout))
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(e.options.ReceiveTimeout))
	return cmd.decode(conn)
}

func (e *Executor) release(node hashring.Node, conn net2.ManagedConn) {
	if conn.IsMarkedForDestroy() {
		e.stats.NewCounter(
			metricDestroyedConnections,
			map[string]string{"node": node.Key}).Inc()
		e.logger.Debug(
			"Destroying memcache connection",
			dlog.Fields{"node": node.Key, "connection": conn.Id()})
	}
	if err := conn.ReleaseConnection(); err != nil {
		e.logger.Warn(
			"Failed to release memcache connection",
			dlog.Fields{"node": node.Key, "error": err})
	}
}

// Runs the SASL PLAIN exchange on a fresh connection.
func (e *Executor) authenticate(node hashring.Node, conn net2.ManagedConn) error {
	cmd := newSaslCommand(
		opSaslAuth,
		saslMechanismPlain,
		e.options.Credentials.plainPayload())

	for step := 0; step < maxSaslSteps; step++ {
		if err := cmd.prepare(node.Endpoint, false); err != nil {
			return err
		}
		if err := e.exchange(conn, cmd); err != nil {
			return err
		}

		switch cmd.status {
		case StatusNoError:
			conn.SetAuthenticated()
			e.stats.NewCounter(
				metricAuthentications,
				map[string]string{"node": node.Key, "result": "ok"}).Inc()
			e.logger.Debug(
				"Authenticated memcache connection",
				dlog.Fields{"node": node.Key, "connection": conn.Id()})
			return nil
		case StatusAuthenticationContinue:
			cmd = newSaslCommand(opSaslStep, saslMechanismPlain, cmd.body)
		default:
			return e.authFailed(node, cmd.status, string(cmd.body))
		}
	}
	return e.authFailed(node, StatusAuthenticationContinue, "too many SASL steps")
}

func (e *Executor) authFailed(
	node hashring.Node,
	status ResponseStatus,
	message string) error {

	e.stats.NewCounter(
		metricAuthentications,
		map[string]string{"node": node.Key, "result": "error"}).Inc()
	e.logger.Error(
		"Memcache authentication failed",
		dlog.Fields{"node": node.Key, "status": uint16(status), "message": message})
	return &AuthError{
		Endpoint: node.Endpoint,
		Status:   status,
		Message:  message,
	}
}

// This returns the pool counters for node.
func (e *Executor) PoolStats(node hashring.Node) PoolStats {
	return e.pools.Stats(network, node.Endpoint)
}

// This closes up to n idle connections to node and returns the number closed.
func (e *Executor) DestroyIdle(node hashring.Node, n int) int {
	return e.pools.DestroyIdle(network, node.Endpoint, n)
}

// This retires node's pool.  Checked out connections are closed when they are
// released.
func (e *Executor) RemoveNode(node hashring.Node) {
	_ = e.pools.Unregister(network, node.Endpoint)
}

// This closes every pool.  Commands executed afterward fail.
func (e *Executor) Close() {
	e.pools.EnterLameDuckMode()
}
