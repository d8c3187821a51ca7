package dispatch

import (
	"context"
	"time"
)

// RoutedMessage is one inbound chat message, normalized across channels.
type RoutedMessage struct {
	ChannelType   string `json:"channelType"`
	ChatID        string `json:"chatId"`
	UserAccountID string `json:"userAccountId"`
	Text          string `json:"text"`
}

// Callback is a button press on a previously sent message. Data carries
// the opaque payload attached to the button.
type Callback struct {
	ChannelType   string `json:"channelType"`
	ChatID        string `json:"chatId"`
	UserAccountID string `json:"userAccountId"`
	Data          string `json:"data"`
}

// InlineButton is one pressable action attached to an outbound message.
type InlineButton struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// OutboundMessage is a reply sent back to a chat.
type OutboundMessage struct {
	Text          string         `json:"text"`
	InlineButtons []InlineButton `json:"inlineButtons,omitempty"`
}

// ApprovalNotification asks the chat to approve or reject a gated action.
// The decision token travels only inside the button payloads.
type ApprovalNotification struct {
	ApprovalID    string    `json:"approvalId"`
	ActionType    string    `json:"actionType"`
	ActionSummary string    `json:"actionSummary"`
	RiskLevel     string    `json:"riskLevel"`
	ExpiresAt     time.Time `json:"expiresAt"`
	ApproveData   string    `json:"approveData"`
	RejectData    string    `json:"rejectData"`
}

// MessageHandler consumes inbound chat messages. Handlers must not panic;
// the adapter calls them on its own receive goroutine.
type MessageHandler func(ctx context.Context, msg RoutedMessage)

// CallbackHandler consumes button presses.
type CallbackHandler func(ctx context.Context, cb Callback)

// ChannelAdapter connects one chat transport (Telegram, WebSocket, ...)
// to the dispatcher. Adapters absorb transport errors: a failed send is
// logged and reported, never propagated as a panic, and inbound handler
// registration happens before Start.
type ChannelAdapter interface {
	// ChannelType names the transport, e.g. "telegram" or "websocket".
	ChannelType() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// SendMessage delivers a reply to a chat.
	SendMessage(ctx context.Context, chatID string, msg OutboundMessage) error

	// SendApprovalRequest delivers an approval prompt with decision
	// buttons to a chat.
	SendApprovalRequest(ctx context.Context, chatID string, n ApprovalNotification) error

	OnMessage(h MessageHandler)
	OnCallback(h CallbackHandler)
}
