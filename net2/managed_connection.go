package net2

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
	"github.com/dropbox/memcluster/resource_pool"
)

var nextConnectionId uint64

// A connection managed by a connection pool.  Reads and writes go through
// per-connection buffers.  Unless the holder sets an absolute deadline, every
// read/write call gets a fresh deadline from the configured timeouts.
//
// A ManagedConn is valid for a single checkout.  The destroy mark starts
// cleared on every checkout; a marked connection is closed instead of being
// returned to the pool.
type ManagedConn interface {
	// Buffered read.
	Read(b []byte) (int, error)

	// Buffered write.  Call Flush to send.
	Write(b []byte) (int, error)

	Flush() error

	// These bound all following reads (or writes) of this checkout by an
	// absolute deadline instead of a per-call timeout.  The zero time restores
	// the per-call timeouts.  Deadlines are cleared on every checkout.
	SetReadDeadline(deadline time.Time)
	SetWriteDeadline(deadline time.Time)

	// This returns a process-unique id for the underlying connection.  The id
	// is stable across checkouts of the same connection.
	Id() uint64

	// This returns the original (network, address) entry used for creating
	// the connection.
	Key() NetworkAddress

	// Protocol-level session state which survives checkouts.
	IsAuthenticated() bool
	SetAuthenticated()

	// This returns the next request id for this connection.
	NextOpaque() uint32

	// This flags the connection for destruction on release.
	MarkForDestroy()

	IsMarkedForDestroy() bool

	// This aborts any in-flight read or write and marks the connection for
	// destruction.  Safe to call from another goroutine.
	Interrupt()

	// This returns the connection pool which owns this connection.
	Owner() ConnectionPool

	// This indictes a user is done with the connection and releases the
	// connection back to the connection pool.  The connection is closed
	// instead if it is marked for destruction, saw an I/O error, or still has
	// unread buffered bytes.  Releasing twice is a no-op.
	ReleaseConnection() error

	// This indicates the connection is an invalid state, and that the
	// connection should be discarded from the connection pool.
	DiscardConnection() error
}

// The pooled handle.  It outlives individual checkouts.
type pooledConn struct {
	id      uint64
	addr    NetworkAddress
	conn    net.Conn
	options ConnectionOptions

	reader *bufio.Reader
	writer *bufio.Writer

	// Only touched by the current holder.
	authenticated bool
	opaque        uint32

	mutex         sync.Mutex
	interrupted   bool      // guarded by mutex
	broken        bool      // guarded by mutex
	readDeadline  time.Time // guarded by mutex
	writeDeadline time.Time // guarded by mutex
}

func newPooledConn(
	addr NetworkAddress,
	conn net.Conn,
	options ConnectionOptions) *pooledConn {

	c := &pooledConn{
		id:      atomic.AddUint64(&nextConnectionId, 1),
		addr:    addr,
		conn:    conn,
		options: options,
	}
	c.reader = bufio.NewReaderSize(deadlineReader{c}, options.ReadBufferSize)
	c.writer = bufio.NewWriterSize(deadlineWriter{c}, options.WriteBufferSize)
	return c
}

// Sets the deadline for the next I/O call, unless the connection was
// interrupted.
func (c *pooledConn) prepare(timeout time.Duration, isRead bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interrupted {
		c.broken = true
		return errors.Newf("Connection %d to %s was interrupted", c.id, c.addr.Address)
	}

	deadline := c.writeDeadline
	if isRead {
		deadline = c.readDeadline
	}
	if deadline.IsZero() && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if isRead {
		return c.conn.SetReadDeadline(deadline)
	}
	return c.conn.SetWriteDeadline(deadline)
}

func (c *pooledConn) setDeadline(deadline time.Time, isRead bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if isRead {
		c.readDeadline = deadline
	} else {
		c.writeDeadline = deadline
	}
}

func (c *pooledConn) markBroken() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.broken = true
}

func (c *pooledConn) isBroken() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.broken
}

func (c *pooledConn) interrupt() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.interrupted = true
	// A deadline in the past wakes any blocked Read or Write.
	_ = c.conn.SetDeadline(time.Unix(1, 0))
}

func (c *pooledConn) hasPendingBytes() bool {
	return c.reader.Buffered() > 0 || c.writer.Buffered() > 0
}

// Returns true if the idle connection looks usable: the peer has not closed
// it and it has not sent anything unsolicited.
func (c *pooledConn) probe(window time.Duration) bool {
	if c.hasPendingBytes() || c.isBroken() {
		return false
	}

	var b [1]byte
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	n, err := c.conn.Read(b[:])
	_ = c.conn.SetReadDeadline(time.Time{})

	if n > 0 {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *pooledConn) close() error {
	return c.conn.Close()
}

type deadlineReader struct {
	c *pooledConn
}

func (r deadlineReader) Read(b []byte) (int, error) {
	if err := r.c.prepare(r.c.options.ReadTimeout, true); err != nil {
		return 0, err
	}
	n, err := r.c.conn.Read(b)
	if err != nil {
		r.c.markBroken()
		err = errors.Wrap(err, "Read error")
	}
	return n, err
}

type deadlineWriter struct {
	c *pooledConn
}

func (w deadlineWriter) Write(b []byte) (int, error) {
	if err := w.c.prepare(w.c.options.WriteTimeout, false); err != nil {
		return 0, err
	}
	n, err := w.c.conn.Write(b)
	if err != nil {
		w.c.markBroken()
		err = errors.Wrap(err, "Write error")
	}
	return n, err
}

// A physical implementation of ManagedConn
type ManagedConnImpl struct {
	raw     *pooledConn
	handle  resource_pool.ManagedHandle
	pool    ConnectionPool
	destroy int32 // atomic bool
}

// This creates a managed connection wrapper.
func newManagedConn(
	handle resource_pool.ManagedHandle,
	pool ConnectionPool) (*ManagedConnImpl, error) {

	h, err := handle.Handle()
	if err != nil {
		return nil, err
	}

	raw := h.(*pooledConn)
	raw.setDeadline(time.Time{}, true)
	raw.setDeadline(time.Time{}, false)

	return &ManagedConnImpl{
		raw:    raw,
		handle: handle,
		pool:   pool,
	}, nil
}

func (c *ManagedConnImpl) active() (*pooledConn, error) {
	if _, err := c.handle.Handle(); err != nil {
		return nil, errors.Wrapf(
			err,
			"Connection %d to %s is no longer checked out",
			c.raw.id,
			c.raw.addr.Address)
	}
	return c.raw, nil
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Read(b []byte) (int, error) {
	raw, err := c.active()
	if err != nil {
		return 0, err
	}
	return raw.reader.Read(b)
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Write(b []byte) (int, error) {
	raw, err := c.active()
	if err != nil {
		return 0, err
	}
	return raw.writer.Write(b)
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Flush() error {
	raw, err := c.active()
	if err != nil {
		return err
	}
	return raw.writer.Flush()
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) SetReadDeadline(deadline time.Time) {
	c.raw.setDeadline(deadline, true)
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) SetWriteDeadline(deadline time.Time) {
	c.raw.setDeadline(deadline, false)
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Id() uint64 {
	return c.raw.id
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Key() NetworkAddress {
	return c.raw.addr
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) IsAuthenticated() bool {
	return c.raw.authenticated
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) SetAuthenticated() {
	c.raw.authenticated = true
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) NextOpaque() uint32 {
	c.raw.opaque++
	return c.raw.opaque
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) MarkForDestroy() {
	atomic.StoreInt32(&c.destroy, 1)
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) IsMarkedForDestroy() bool {
	return atomic.LoadInt32(&c.destroy) == 1
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Interrupt() {
	c.MarkForDestroy()
	c.raw.interrupt()
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) Owner() ConnectionPool {
	return c.pool
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) ReleaseConnection() error {
	if _, err := c.handle.Handle(); err != nil {
		return nil
	}

	if c.IsMarkedForDestroy() || c.raw.isBroken() || c.raw.hasPendingBytes() {
		c.raw.options.Logger.Debug(
			"Destroying connection on release",
			dlog.Fields{
				"id":       c.raw.id,
				"endpoint": c.raw.addr.Address,
				"marked":   c.IsMarkedForDestroy(),
				"broken":   c.raw.isBroken(),
			})
		return c.handle.Discard()
	}
	return c.handle.Release()
}

// See ManagedConn for documentation.
func (c *ManagedConnImpl) DiscardConnection() error {
	return c.handle.Discard()
}
