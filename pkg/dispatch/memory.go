package dispatch

import (
	"context"
	"errors"
	"sync"
)

// MemoryAdapter is an in-process ChannelAdapter. It records outbound
// traffic and lets callers inject inbound messages and button presses,
// which makes it the reference adapter for tests and local development.
type MemoryAdapter struct {
	channelType string

	mu        sync.Mutex
	started   bool
	onMessage MessageHandler
	onCmd     CallbackHandler
	sent      map[string][]OutboundMessage
	approvals map[string][]ApprovalNotification

	// notify wakes WaitForMessage waiters.
	notify chan struct{}
}

// NewMemoryAdapter creates a MemoryAdapter for the given channel type
// ("memory" when empty).
func NewMemoryAdapter(channelType string) *MemoryAdapter {
	if channelType == "" {
		channelType = "memory"
	}
	return &MemoryAdapter{
		channelType: channelType,
		sent:        make(map[string][]OutboundMessage),
		approvals:   make(map[string][]ApprovalNotification),
		notify:      make(chan struct{}, 1),
	}
}

func (a *MemoryAdapter) ChannelType() string { return a.channelType }

func (a *MemoryAdapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *MemoryAdapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

func (a *MemoryAdapter) HealthCheck(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return errors.New("memory adapter not started")
	}
	return nil
}

func (a *MemoryAdapter) SendMessage(_ context.Context, chatID string, msg OutboundMessage) error {
	a.mu.Lock()
	a.sent[chatID] = append(a.sent[chatID], msg)
	a.mu.Unlock()
	a.wake()
	return nil
}

func (a *MemoryAdapter) SendApprovalRequest(_ context.Context, chatID string, n ApprovalNotification) error {
	a.mu.Lock()
	a.approvals[chatID] = append(a.approvals[chatID], n)
	a.mu.Unlock()
	a.wake()
	return nil
}

func (a *MemoryAdapter) OnMessage(h MessageHandler)   { a.mu.Lock(); a.onMessage = h; a.mu.Unlock() }
func (a *MemoryAdapter) OnCallback(h CallbackHandler) { a.mu.Lock(); a.onCmd = h; a.mu.Unlock() }

// Inject delivers an inbound message as if it arrived on the transport.
func (a *MemoryAdapter) Inject(ctx context.Context, msg RoutedMessage) {
	a.mu.Lock()
	h := a.onMessage
	a.mu.Unlock()
	if h != nil {
		msg.ChannelType = a.channelType
		h(ctx, msg)
	}
}

// InjectCallback delivers a button press.
func (a *MemoryAdapter) InjectCallback(ctx context.Context, cb Callback) {
	a.mu.Lock()
	h := a.onCmd
	a.mu.Unlock()
	if h != nil {
		cb.ChannelType = a.channelType
		h(ctx, cb)
	}
}

// Sent returns a copy of everything sent to the chat so far.
func (a *MemoryAdapter) Sent(chatID string) []OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OutboundMessage, len(a.sent[chatID]))
	copy(out, a.sent[chatID])
	return out
}

// ApprovalRequests returns the approval prompts sent to the chat.
func (a *MemoryAdapter) ApprovalRequests(chatID string) []ApprovalNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ApprovalNotification, len(a.approvals[chatID]))
	copy(out, a.approvals[chatID])
	return out
}

// WaitForMessage blocks until at least n messages have been sent to the
// chat or the context expires, returning the messages seen so far.
func (a *MemoryAdapter) WaitForMessage(ctx context.Context, chatID string, n int) ([]OutboundMessage, error) {
	for {
		msgs := a.Sent(chatID)
		if len(msgs) >= n {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return msgs, ctx.Err()
		case <-a.notify:
		}
	}
}

func (a *MemoryAdapter) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}
