package dlog

// Wrap the console implementation to buffer writes, yet flush in a
// timely, deterministic fashion, either buffering up to n bytes, or
// for up to t milliseconds, whichever comes first.

import (
	"bufio"
	"io"
	"sync"
	"time"
)

type BufferedConsole struct {
	mu               sync.Mutex
	wr               *bufio.Writer // nil when unbuffered
	maxFlushInterval time.Duration
	baseWr           io.Writer
	stop             chan struct{}
	stopOnce         sync.Once
}

// NewBufferedConsole buffers up to bufferSize bytes in front of baseWr.  A
// non-positive bufferSize disables buffering.  When maxFlushInterval is
// positive a background goroutine flushes at least that often until Close.
func NewBufferedConsole(
	baseWr io.Writer,
	bufferSize int,
	maxFlushInterval time.Duration) *BufferedConsole {

	cb := &BufferedConsole{
		maxFlushInterval: maxFlushInterval,
		baseWr:           baseWr,
		stop:             make(chan struct{}),
	}
	if bufferSize > 0 {
		cb.wr = bufio.NewWriterSize(baseWr, bufferSize)
		if maxFlushInterval > 0 {
			go cb.flushDaemon()
		}
	}
	return cb
}

func (cb *BufferedConsole) Flush() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.wr != nil {
		return cb.wr.Flush()
	}
	return nil
}

// Close stops the flush daemon and flushes whatever is buffered.
func (cb *BufferedConsole) Close() error {
	cb.stopOnce.Do(func() { close(cb.stop) })
	return cb.Flush()
}

func (cb *BufferedConsole) flushDaemon() {
	// Try to guarantee that we flush at least every maxFlushInterval.
	// This can result in a single extra queued flush if the
	// underlying writer takes longer maxFlushInterval.
	ticker := time.NewTicker(cb.maxFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = cb.Flush() // Ignore error.
		case <-cb.stop:
			return
		}
	}
}

func (cb *BufferedConsole) Write(b []byte) (n int, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.wr == nil {
		return cb.baseWr.Write(b)
	}
	return cb.wr.Write(b)
}
