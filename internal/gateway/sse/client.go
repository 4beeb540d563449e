package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const (
	// sendBufferSize bounds the droppable frame queue per connection.
	sendBufferSize = 64

	// maxQueued caps the must-deliver queue. Hitting it means the client has
	// not drained for a long time; the connection is closed instead of
	// growing without bound.
	maxQueued = 4096
)

type frame struct {
	event   string
	data    []byte
	comment bool
}

func (f frame) write(w io.Writer) error {
	if f.comment {
		_, err := io.WriteString(w, ":\n\n")
		return err
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
	return err
}

// client buffers frames for one SSE connection. Ordinary frames go through a
// bounded channel and are dropped when it is full; sessionProcessChanged
// frames go through an unbounded queue because the UI cannot recover a missed
// process snapshot from a later event.
type client struct {
	frames chan frame
	notify chan struct{}
	logger *logger.Logger

	mu       sync.Mutex
	queued   []frame
	overflow bool
	closed   bool
}

func newClient(log *logger.Logger) *client {
	return &client{
		frames: make(chan frame, sendBufferSize),
		notify: make(chan struct{}, 1),
		logger: log,
	}
}

// push enqueues a frame. Non-must-deliver frames are dropped when the buffer
// is full.
func (c *client) push(f frame, mustDeliver bool) {
	if mustDeliver {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queued) >= maxQueued {
			c.overflow = true
			c.mu.Unlock()
			c.signal()
			return
		}
		c.queued = append(c.queued, f)
		c.mu.Unlock()
		c.signal()
		return
	}

	select {
	case c.frames <- f:
	default:
		c.logger.Debug("SSE send buffer full, dropping frame", zap.String("event", f.event))
	}
}

func (c *client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *client) close() {
	c.mu.Lock()
	c.closed = true
	c.queued = nil
	c.mu.Unlock()
}

// takeQueued swaps out the pending must-deliver frames. The second return is
// true once the queue has overflowed and the connection should be closed.
func (c *client) takeQueued() ([]frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.queued
	c.queued = nil
	return frames, c.overflow
}

// writePump writes frames until the request context is cancelled or a write
// fails. A write failure means the client is gone; the caller tears down the
// subscriptions.
func (c *client) writePump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	flush := func(frames []frame) bool {
		for _, f := range frames {
			if err := f.write(w); err != nil {
				return false
			}
		}
		if len(frames) > 0 {
			flusher.Flush()
		}
		return true
	}

	for {
		queued, overflow := c.takeQueued()
		if !flush(queued) {
			return
		}
		if overflow {
			c.logger.Warn("SSE must-deliver queue overflowed, closing connection")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		case f := <-c.frames:
			if !flush([]frame{f}) {
				return
			}
		}
	}
}
