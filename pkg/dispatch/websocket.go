package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsWriteTimeout bounds each frame write to a chat client.
const wsWriteTimeout = 10 * time.Second

// Frame types on the WebSocket chat channel.
const (
	wsFrameHello    = "hello"
	wsFrameWelcome  = "welcome"
	wsFrameMessage  = "message"
	wsFrameCallback = "callback"
	wsFrameReply    = "reply"
	wsFrameApproval = "approval"
	wsFrameError    = "error"
)

// wsFrame is the wire envelope for both directions. Clients open with a
// hello frame naming their chat, then exchange message/reply frames;
// approval prompts arrive as approval frames with button payloads the
// client echoes back in callback frames.
type wsFrame struct {
	Type          string         `json:"type"`
	ChatID        string         `json:"chatId,omitempty"`
	UserAccountID string         `json:"userAccountId,omitempty"`
	Text          string         `json:"text,omitempty"`
	Data          string         `json:"data,omitempty"`
	ConnectionID  string         `json:"connectionId,omitempty"`
	Buttons       []InlineButton `json:"buttons,omitempty"`
	ExpiresAt     string         `json:"expiresAt,omitempty"`
}

// wsClient is one connected chat client.
type wsClient struct {
	id            string
	chatID        string
	userAccountID string
	conn          *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
}

// WebSocketAdapter is the operator chat surface: a ChannelAdapter whose
// transport is WebSocket connections accepted by the HTTP server. Each
// chat is owned by the most recent connection that said hello for it;
// replies route back over that connection.
type WebSocketAdapter struct {
	logger *slog.Logger

	// AllowedOrigins restricts upgrades; empty means same-origin only.
	allowedOrigins []string

	mu        sync.RWMutex
	started   bool
	onMessage MessageHandler
	onCmd     CallbackHandler
	clients   map[string]*wsClient // connection id → client
	chats     map[string]*wsClient // chat id → owning client
}

// NewWebSocketAdapter creates a WebSocketAdapter. logger nil falls back
// to the default logger.
func NewWebSocketAdapter(allowedOrigins []string, logger *slog.Logger) *WebSocketAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketAdapter{
		logger:         logger,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*wsClient),
		chats:          make(map[string]*wsClient),
	}
}

func (a *WebSocketAdapter) ChannelType() string { return "websocket" }

func (a *WebSocketAdapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

// Stop closes every connected client.
func (a *WebSocketAdapter) Stop(context.Context) error {
	a.mu.Lock()
	a.started = false
	clients := make([]*wsClient, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.clients = make(map[string]*wsClient)
	a.chats = make(map[string]*wsClient)
	a.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (a *WebSocketAdapter) HealthCheck(context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		return errors.New("websocket adapter not started")
	}
	return nil
}

func (a *WebSocketAdapter) OnMessage(h MessageHandler) {
	a.mu.Lock()
	a.onMessage = h
	a.mu.Unlock()
}

func (a *WebSocketAdapter) OnCallback(h CallbackHandler) {
	a.mu.Lock()
	a.onCmd = h
	a.mu.Unlock()
}

// SendMessage delivers a reply over the socket that owns the chat. A
// chat with no connected client is a normal miss: chat clients are
// expected to reconnect and re-hello.
func (a *WebSocketAdapter) SendMessage(_ context.Context, chatID string, msg OutboundMessage) error {
	c := a.chatOwner(chatID)
	if c == nil {
		a.logger.Debug("No WebSocket client for chat, reply dropped", "chat_id", chatID)
		return nil
	}
	return a.send(c, wsFrame{
		Type:    wsFrameReply,
		ChatID:  chatID,
		Text:    msg.Text,
		Buttons: msg.InlineButtons,
	})
}

// SendApprovalRequest delivers an approval prompt with decision buttons.
func (a *WebSocketAdapter) SendApprovalRequest(_ context.Context, chatID string, n ApprovalNotification) error {
	c := a.chatOwner(chatID)
	if c == nil {
		a.logger.Debug("No WebSocket client for chat, approval prompt dropped",
			"chat_id", chatID, "approval_id", n.ApprovalID)
		return nil
	}
	return a.send(c, wsFrame{
		Type:   wsFrameApproval,
		ChatID: chatID,
		Text:   n.ActionSummary + " (" + n.RiskLevel + " risk)",
		Buttons: []InlineButton{
			{Label: "Approve", Data: n.ApproveData},
			{Label: "Reject", Data: n.RejectData},
		},
		ExpiresAt: n.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Accept upgrades an HTTP request and serves the connection until the
// client disconnects. Called by the API's chat endpoint; blocks for the
// connection lifetime.
func (a *WebSocketAdapter) Accept(w http.ResponseWriter, r *http.Request) error {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()
	if !started {
		return errors.New("websocket adapter not started")
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.allowedOrigins,
	})
	if err != nil {
		return err
	}

	a.handleConnection(r.Context(), conn)
	return nil
}

// handleConnection owns one client: registration, the read loop, and
// cleanup. Runs on the HTTP handler goroutine until the peer goes away.
func (a *WebSocketAdapter) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	a.mu.Lock()
	a.clients[c.id] = c
	a.mu.Unlock()
	defer a.unregister(c)

	log := a.logger.With("conn_id", c.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("Invalid WebSocket chat frame", "error", err)
			_ = a.send(c, wsFrame{Type: wsFrameError, Text: "invalid frame"})
			continue
		}

		switch frame.Type {
		case wsFrameHello:
			a.handleHello(c, frame, log)
		case wsFrameMessage:
			a.handleMessage(ctx, c, frame)
		case wsFrameCallback:
			a.handleCallback(ctx, c, frame)
		default:
			log.Warn("Unknown WebSocket chat frame type", "type", frame.Type)
			_ = a.send(c, wsFrame{Type: wsFrameError, Text: "unknown frame type"})
		}
	}
}

func (a *WebSocketAdapter) handleHello(c *wsClient, frame wsFrame, log *slog.Logger) {
	if frame.ChatID == "" || frame.UserAccountID == "" {
		_ = a.send(c, wsFrame{Type: wsFrameError, Text: "hello requires chatId and userAccountId"})
		return
	}

	a.mu.Lock()
	c.chatID = frame.ChatID
	c.userAccountID = frame.UserAccountID
	// Latest hello wins the chat; a stale tab keeps reading but no
	// longer receives replies.
	a.chats[frame.ChatID] = c
	a.mu.Unlock()

	log.Info("WebSocket chat client identified",
		"chat_id", frame.ChatID, "user_account_id", frame.UserAccountID)
	_ = a.send(c, wsFrame{Type: wsFrameWelcome, ChatID: frame.ChatID, ConnectionID: c.id})
}

func (a *WebSocketAdapter) handleMessage(ctx context.Context, c *wsClient, frame wsFrame) {
	a.mu.RLock()
	h := a.onMessage
	chatID, userID := c.chatID, c.userAccountID
	a.mu.RUnlock()

	if chatID == "" {
		_ = a.send(c, wsFrame{Type: wsFrameError, Text: "say hello first"})
		return
	}
	if h == nil || frame.Text == "" {
		return
	}
	h(ctx, RoutedMessage{
		ChannelType:   a.ChannelType(),
		ChatID:        chatID,
		UserAccountID: userID,
		Text:          frame.Text,
	})
}

func (a *WebSocketAdapter) handleCallback(ctx context.Context, c *wsClient, frame wsFrame) {
	a.mu.RLock()
	h := a.onCmd
	chatID, userID := c.chatID, c.userAccountID
	a.mu.RUnlock()

	if chatID == "" {
		_ = a.send(c, wsFrame{Type: wsFrameError, Text: "say hello first"})
		return
	}
	if h == nil || frame.Data == "" {
		return
	}
	h(ctx, Callback{
		ChannelType:   a.ChannelType(),
		ChatID:        chatID,
		UserAccountID: userID,
		Data:          frame.Data,
	})
}

func (a *WebSocketAdapter) chatOwner(chatID string) *wsClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chats[chatID]
}

// send writes one frame with a write deadline. Transport failures are
// absorbed: logged here, surfaced to the caller only as an error value.
func (a *WebSocketAdapter) send(c *wsClient, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		a.logger.Warn("WebSocket chat write failed", "conn_id", c.id, "error", err)
		return err
	}
	return nil
}

func (a *WebSocketAdapter) unregister(c *wsClient) {
	a.mu.Lock()
	delete(a.clients, c.id)
	if c.chatID != "" && a.chats[c.chatID] == c {
		delete(a.chats, c.chatID)
	}
	a.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// ActiveClients returns the connected client count.
func (a *WebSocketAdapter) ActiveClients() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}
