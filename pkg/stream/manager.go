// Package stream implements Server-Sent Events fan-out for agent and
// approval observers.
//
// Each stream (one per agent, plus the fleet-wide approvals stream)
// carries an ordered sequence of events identified as
// "{stream_id}:{monotonic}". The manager keeps a bounded replay ring per
// stream; a subscriber reconnecting with a Last-Event-ID header receives
// every buffered event after that id, and a subscriber with no usable
// position receives the full ring as catch-up.
//
// Delivery per connection goes through a bounded pending queue consumed
// by the subscriber's own handler goroutine. While the writer keeps up
// the queue stays empty and delivery is effectively synchronous; when
// the transport stalls, events accumulate until the queue overflows and
// the connection is closed. Reconnect plus replay restores continuity.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/events"
)

// Defaults applied by NewManager for zero Config fields.
const (
	DefaultRingSize          = 256
	DefaultPendingQueueSize  = 256
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// ApprovalsStream is the stream id of the fleet-wide approvals stream.
const ApprovalsStream = "approvals"

var (
	// ErrShuttingDown is returned by Connect and Broadcast after Shutdown.
	ErrShuttingDown = errors.New("stream manager shutting down")

	// ErrStreamingUnsupported is returned when the response writer cannot
	// flush, which SSE requires.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// Config tunes the stream manager.
type Config struct {
	// RingSize is the per-stream replay buffer capacity.
	RingSize int
	// PendingQueueSize bounds the per-connection pending queue.
	PendingQueueSize int
	// HeartbeatInterval is the cadence of ":heartbeat" comment frames.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds each write to a subscriber.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.PendingQueueSize <= 0 {
		c.PendingQueueSize = DefaultPendingQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Event is one published SSE event.
type Event struct {
	ID   string // "{stream_id}:{monotonic}"
	Name string // SSE event field
	Data []byte // JSON payload, one data line per payload line on the wire
}

// streamState is the per-stream fan-out state. seq survives ring clears
// so ids stay monotonic for the process lifetime.
type streamState struct {
	seq   uint64
	ring  *replayRing
	conns map[string]*conn
}

// Manager owns every stream and connection in the process.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	streams map[string]*streamState
	closed  bool
}

// NewManager creates a Manager with defaults applied to cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		streams: make(map[string]*streamState),
	}
}

// streamLocked returns the stream state, creating it on first use.
// Caller holds m.mu.
func (m *Manager) streamLocked(streamID string) *streamState {
	st, ok := m.streams[streamID]
	if !ok {
		st = &streamState{
			ring:  newReplayRing(m.cfg.RingSize),
			conns: make(map[string]*conn),
		}
		m.streams[streamID] = st
	}
	return st
}

// Broadcast publishes an event on a stream: assigns the next id, appends
// to the replay ring, and enqueues to every open connection. Connections
// whose pending queue is full are closed and pruned. The published event
// is returned so the caller may echo it elsewhere.
func (m *Manager) Broadcast(streamID, event string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Event{}, ErrShuttingDown
	}
	st := m.streamLocked(streamID)
	st.seq++
	evt := Event{
		ID:   streamID + ":" + strconv.FormatUint(st.seq, 10),
		Name: event,
		Data: data,
	}
	st.ring.add(evt)

	var overflowed []*conn
	for _, c := range st.conns {
		select {
		case c.ch <- evt:
		default:
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		delete(st.conns, c.id)
	}
	m.mu.Unlock()

	for _, c := range overflowed {
		c.close()
		slog.Warn("SSE subscriber dropped: pending queue overflow",
			"stream_id", streamID, "conn_id", c.id)
	}
	return evt, nil
}

// Connect attaches an SSE subscriber to a stream and blocks until the
// client disconnects, the connection is closed by the manager, or a
// write fails. lastEventID positions replay; empty means full catch-up.
// Write failures are normal disconnects and are not returned: response
// headers have already been sent by the time they can occur.
func (m *Manager) Connect(ctx context.Context, streamID string, w http.ResponseWriter, lastEventID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	c := &conn{
		id:                uuid.New().String(),
		streamID:          streamID,
		w:                 w,
		flusher:           flusher,
		rc:                http.NewResponseController(w),
		ch:                make(chan Event, m.cfg.PendingQueueSize),
		closeCh:           make(chan struct{}),
		heartbeatInterval: m.cfg.HeartbeatInterval,
		writeTimeout:      m.cfg.WriteTimeout,
	}

	replay, err := m.register(c, lastEventID)
	if err != nil {
		return err
	}
	defer m.unregister(c)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("SSE subscriber connected",
		"stream_id", streamID, "conn_id", c.id,
		"last_event_id", lastEventID, "replay", len(replay))

	if err := c.serve(ctx.Done(), replay); err != nil {
		slog.Debug("SSE subscriber write failed",
			"stream_id", streamID, "conn_id", c.id, "error", err)
	}
	return nil
}

// register snapshots replay state and adds the connection atomically, so
// no broadcast can fall between the snapshot and the subscription.
func (m *Manager) register(c *conn, lastEventID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	st := m.streamLocked(c.streamID)
	replay := st.ring.after(lastEventID)
	st.conns[c.id] = c
	return replay, nil
}

func (m *Manager) unregister(c *conn) {
	m.mu.Lock()
	if st, ok := m.streams[c.streamID]; ok {
		delete(st.conns, c.id)
	}
	m.mu.Unlock()
	c.close()
}

// DisconnectAll closes every connection on a stream and clears its
// replay ring. Used at agent termination; the sequence counter is kept
// so a later stream for the same id stays monotonic.
func (m *Manager) DisconnectAll(streamID string) {
	m.mu.Lock()
	var closing []*conn
	if st, ok := m.streams[streamID]; ok {
		for _, c := range st.conns {
			closing = append(closing, c)
		}
		st.conns = make(map[string]*conn)
		st.ring.clear()
	}
	m.mu.Unlock()

	for _, c := range closing {
		c.close()
	}
}

// Shutdown closes every connection on every stream and rejects further
// Connect and Broadcast calls.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	var closing []*conn
	for _, st := range m.streams {
		for _, c := range st.conns {
			closing = append(closing, c)
		}
		st.conns = make(map[string]*conn)
	}
	m.mu.Unlock()

	for _, c := range closing {
		c.close()
	}
}

// ConnectionCount returns the number of open connections on one stream.
func (m *Manager) ConnectionCount(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[streamID]; ok {
		return len(st.conns)
	}
	return 0
}

// ActiveConnections returns the total open connection count.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.streams {
		n += len(st.conns)
	}
	return n
}

// AttachBus subscribes the manager to the event bus so every published
// event reaches SSE subscribers. The returned detach func removes the
// subscription.
func (m *Manager) AttachBus(bus *events.Bus) (detach func()) {
	return bus.SubscribeAll(func(evt events.Event) {
		if _, err := m.Broadcast(streamIDForTopic(evt.Topic), evt.Type, evt.Payload); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return
			}
			slog.Warn("Failed to broadcast bus event",
				"topic", evt.Topic, "type", evt.Type, "error", err)
		}
	})
}

// streamIDForTopic maps bus topics to stream ids: agent topics map to
// the bare agent id, the approvals topic to ApprovalsStream.
func streamIDForTopic(topic string) string {
	return strings.TrimPrefix(topic, "agent:")
}
