package stream

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// conn is a single SSE subscriber. All writes happen on the goroutine
// running serve (the HTTP handler's goroutine); Broadcast only enqueues
// into ch, so no write lock is needed.
type conn struct {
	id       string
	streamID string

	w       io.Writer
	flusher http.Flusher
	rc      *http.ResponseController

	// ch is the pending queue. Broadcast enqueues non-blocking; a full
	// queue closes the connection.
	ch chan Event

	closeOnce sync.Once
	closeCh   chan struct{}

	heartbeatInterval time.Duration
	writeTimeout      time.Duration
}

// close marks the connection closed. Safe to call from any goroutine and
// more than once. The serve loop observes closeCh and returns.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// serve replays buffered events, then relays broadcasts and heartbeats
// until the client goes away or the connection is closed. Write errors
// end the loop; the caller unregisters the connection.
func (c *conn) serve(done <-chan struct{}, replay []Event) error {
	for _, evt := range replay {
		if err := c.writeEvent(evt); err != nil {
			return err
		}
	}
	c.flusher.Flush()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-c.closeCh:
			return nil
		case evt := <-c.ch:
			if err := c.writeEvent(evt); err != nil {
				return err
			}
			c.flusher.Flush()
		case <-ticker.C:
			if err := c.writeHeartbeat(); err != nil {
				return err
			}
			c.flusher.Flush()
		}
	}
}

// writeEvent emits one SSE frame: id, event, one data line per payload
// line, blank-line terminator.
func (c *conn) writeEvent(evt Event) error {
	c.pushWriteDeadline()
	if _, err := fmt.Fprintf(c.w, "id:%s\nevent:%s\n", evt.ID, evt.Name); err != nil {
		return err
	}
	for _, line := range strings.Split(string(evt.Data), "\n") {
		if _, err := fmt.Fprintf(c.w, "data:%s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.w, "\n")
	return err
}

func (c *conn) writeHeartbeat() error {
	c.pushWriteDeadline()
	_, err := io.WriteString(c.w, ":heartbeat\n\n")
	return err
}

// pushWriteDeadline bounds the next write so one stalled subscriber
// cannot pin the handler goroutine. Transports without deadline support
// (test recorders) are left unbounded.
func (c *conn) pushWriteDeadline() {
	if c.rc == nil || c.writeTimeout <= 0 {
		return
	}
	_ = c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
}
