// Package dispatch connects inbound chat messages to agent jobs and
// relays the replies. A message resolves its agent through a channel
// binding, lands in the bound agent's active session, and becomes a
// CHAT_RESPONSE job; a watcher polls the job and sends the result back
// through the channel adapter it arrived on. The dispatcher also routes
// approval notifications and button-press decisions for gated actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/models"
	"github.com/droverhq/drover/pkg/store"
)

// ErrShuttingDown rejects new messages after Stop.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Fixed user-visible strings. Internal details never reach the channel.
const (
	defaultNoAgentReply = "No agent is assigned to this chat."
	defaultErrorReply   = "Something went wrong while handling your message. Please try again."

	replyApproved       = "Approved. The agent will continue."
	replyRejected       = "Rejected. The action will not run."
	replyAlreadyDecided = "This request was already decided."
	replyExpired        = "This request has expired."
	replyInvalidToken   = "This approval link is not valid."
)

// Callback data prefixes for approval decision buttons.
const (
	approveDataPrefix = "approve:"
	rejectDataPrefix  = "reject:"
)

// Approvals is the slice of the approval gate the dispatcher needs for
// button-press decisions. Satisfied by *approval.Gate.
type Approvals interface {
	Decide(ctx context.Context, p approval.DecideParams) (*models.ApprovalRequest, error)
}

// Config tunes dispatch behavior. Zero values take the defaults.
type Config struct {
	MaxHistoryMessages int           // prior turns loaded into a chat job (default 50)
	JobMaxAttempts     int           // default 3
	JobTimeout         time.Duration // per-job execution budget (default 2m)
	PollInterval       time.Duration // completion poll cadence (default 2s)
	WatchTimeout       time.Duration // how long the watcher waits (default 2m)
	GoalType           string        // default "research"
	NoAgentReply       string        // fixed reply when no binding exists
	ErrorReply         string        // fixed reply on job failure
}

func (c Config) withDefaults() Config {
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 50
	}
	if c.JobMaxAttempts <= 0 {
		c.JobMaxAttempts = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WatchTimeout <= 0 {
		c.WatchTimeout = 2 * time.Minute
	}
	if c.GoalType == "" {
		c.GoalType = "research"
	}
	if c.NoAgentReply == "" {
		c.NoAgentReply = defaultNoAgentReply
	}
	if c.ErrorReply == "" {
		c.ErrorReply = defaultErrorReply
	}
	return c
}

// Dispatcher owns the channel adapters and the message→job→reply flow.
type Dispatcher struct {
	st     *store.Store
	cfg    Config
	logger *slog.Logger

	// Set once during startup wiring; the approval gate and the
	// dispatcher reference each other (gate notifies through the
	// dispatcher, callbacks decide through the gate).
	approvalsMu sync.RWMutex
	approvals   Approvals

	adapterMu sync.RWMutex
	adapters  map[string]ChannelAdapter

	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped bool
	stopCh  chan struct{}
}

// New creates a Dispatcher. logger nil falls back to the default logger.
// Wire the approval gate afterwards with SetApprovals.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		st:       st,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		adapters: make(map[string]ChannelAdapter),
		stopCh:   make(chan struct{}),
	}
}

// SetApprovals wires the approval gate for callback decisions. Called
// once during startup after both sides exist.
func (d *Dispatcher) SetApprovals(a Approvals) {
	d.approvalsMu.Lock()
	defer d.approvalsMu.Unlock()
	d.approvals = a
}

// Register attaches a channel adapter and binds its inbound handlers.
// Call before the adapter starts receiving.
func (d *Dispatcher) Register(adapter ChannelAdapter) {
	d.adapterMu.Lock()
	d.adapters[adapter.ChannelType()] = adapter
	d.adapterMu.Unlock()

	adapter.OnMessage(d.handleInbound)
	adapter.OnCallback(d.handleCallback)
}

// Stop rejects new messages and waits for in-flight watchers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
}

// HandleMessage turns one inbound chat message into a CHAT_RESPONSE job
// and starts a completion watcher. Returns the job ID. A missing binding
// is not an error: the fixed no-agent reply goes out and no job is made.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg RoutedMessage) (string, error) {
	log := d.logger.With(
		"channel_type", msg.ChannelType,
		"chat_id", msg.ChatID,
		"user_id", msg.UserAccountID)

	// 1. Fast-fail if already stopped
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return "", ErrShuttingDown
	}
	d.mu.RUnlock()

	// 2. Resolve the agent bound to this conversation
	binding, err := d.st.ResolveBinding(ctx, msg.ChannelType, msg.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("No agent bound to chat")
		d.reply(ctx, msg.ChannelType, msg.ChatID, d.cfg.NoAgentReply)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve binding: %w", err)
	}
	log = log.With("agent_id", binding.AgentID)

	// 3. Find or create the active session for this conversation
	channelID := msg.ChannelType + ":" + msg.ChatID
	sess, err := d.st.FindOrCreateActiveSession(ctx, binding.AgentID, msg.UserAccountID, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}

	// 4. Load prior history first so the current prompt is excluded
	history, err := d.st.ListRecentMessages(ctx, sess.ID, d.cfg.MaxHistoryMessages)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	turns := make([]models.ChatTurn, 0, len(history))
	for _, m := range history {
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}

	// 5. Record the user message
	if _, err := d.st.AppendMessage(ctx, &models.SessionMessage{
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   msg.Text,
	}); err != nil {
		return "", fmt.Errorf("failed to append user message: %w", err)
	}

	// 6. Enqueue the chat job
	job, err := d.st.CreateJob(ctx, &models.Job{
		AgentID:        binding.AgentID,
		SessionID:      sess.ID,
		Status:         models.JobStatusScheduled,
		MaxAttempts:    d.cfg.JobMaxAttempts,
		TimeoutSeconds: int(d.cfg.JobTimeout / time.Second),
		Payload: models.JobPayload{
			Type:                models.JobTypeChatResponse,
			Prompt:              msg.Text,
			GoalType:            d.cfg.GoalType,
			ConversationHistory: turns,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	log.Info("Chat job enqueued", "job_id", job.ID, "session_id", sess.ID, "history_turns", len(turns))

	// 7. Atomically check stopped + register the watcher so Stop cannot
	// finish its wait before this goroutine is tracked
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return "", ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	// 8. Watch for completion on a detached context; the inbound
	// request's lifetime does not bound the job's
	go d.watch(context.Background(), job.ID, sess.ID, msg)

	return job.ID, nil
}

// watch polls the job until it reaches a terminal status or the watch
// budget runs out, then delivers the reply.
func (d *Dispatcher) watch(parentCtx context.Context, jobID, sessionID string, msg RoutedMessage) {
	defer d.wg.Done()

	log := d.logger.With("job_id", jobID, "chat_id", msg.ChatID)

	ctx, cancel := context.WithTimeout(parentCtx, d.cfg.WatchTimeout)
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Still not terminal. A job parked on an approval can wait
			// longer than any chat reply should; the approval flow sends
			// its own notification, so say nothing here.
			log.Warn("Gave up waiting for chat job", "waited", d.cfg.WatchTimeout)
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		job, err := d.st.GetJob(ctx, jobID)
		if err != nil {
			log.Warn("Failed to poll chat job", "error", err)
			continue
		}
		if !job.Status.Terminal() {
			continue
		}

		d.deliver(ctx, log, job, sessionID, msg)
		return
	}
}

// deliver turns a terminal job into the chat reply.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, job *models.Job, sessionID string, msg RoutedMessage) {
	if job.Status != models.JobStatusCompleted {
		log.Warn("Chat job failed", "status", job.Status, "last_error", job.LastError)
		d.reply(ctx, msg.ChannelType, msg.ChatID, d.cfg.ErrorReply)
		return
	}

	text := ""
	if job.Result != nil {
		text = job.Result.Stdout
		if text == "" {
			text = job.Result.Summary
		}
	}
	if text == "" {
		log.Warn("Chat job completed without output")
		d.reply(ctx, msg.ChannelType, msg.ChatID, d.cfg.ErrorReply)
		return
	}

	if _, err := d.st.AppendMessage(ctx, &models.SessionMessage{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   text,
	}); err != nil {
		log.Error("Failed to append assistant message", "error", err)
	}

	d.reply(ctx, msg.ChannelType, msg.ChatID, text)
	log.Info("Chat reply delivered", "chars", len(text))
}

// handleInbound is the MessageHandler bound to every adapter.
func (d *Dispatcher) handleInbound(ctx context.Context, msg RoutedMessage) {
	if _, err := d.HandleMessage(ctx, msg); err != nil {
		d.logger.Error("Failed to dispatch inbound message",
			"channel_type", msg.ChannelType,
			"chat_id", msg.ChatID,
			"error", err)
		d.reply(ctx, msg.ChannelType, msg.ChatID, d.cfg.ErrorReply)
	}
}

// NotifyApproval pushes a pending approval to every chat bound to the
// requesting agent, with approve/reject buttons carrying the one-time
// decision token. Satisfies approval.Notifier. No bound chats is not an
// error; the request stays decidable through the API.
func (d *Dispatcher) NotifyApproval(ctx context.Context, req *models.ApprovalRequest, token string) error {
	bindings, err := d.st.ListBindingsForAgent(ctx, req.AgentID)
	if err != nil {
		return fmt.Errorf("failed to resolve chats for approval notification: %w", err)
	}
	if len(bindings) == 0 {
		d.logger.Debug("No chats bound to agent for approval notification",
			"agent_id", req.AgentID, "approval_id", req.ID)
		return nil
	}

	n := ApprovalNotification{
		ApprovalID:    req.ID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		RiskLevel:     req.RiskLevel,
		ExpiresAt:     req.ExpiresAt,
		ApproveData:   approveDataPrefix + token,
		RejectData:    rejectDataPrefix + token,
	}

	var delivered int
	for _, b := range bindings {
		adapter := d.adapter(b.ChannelType)
		if adapter == nil {
			d.logger.Warn("No adapter registered for bound channel",
				"channel_type", b.ChannelType, "chat_id", b.ChatID)
			continue
		}
		if err := adapter.SendApprovalRequest(ctx, b.ChatID, n); err != nil {
			d.logger.Warn("Failed to deliver approval notification",
				"channel_type", b.ChannelType, "chat_id", b.ChatID,
				"approval_id", req.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("approval notification reached none of %d bound chats", len(bindings))
	}
	return nil
}

// handleCallback is the CallbackHandler bound to every adapter. Approval
// buttons carry "approve:<token>" / "reject:<token>" payloads.
func (d *Dispatcher) handleCallback(ctx context.Context, cb Callback) {
	decision, token, ok := parseDecisionData(cb.Data)
	if !ok {
		d.logger.Warn("Unrecognized callback payload",
			"channel_type", cb.ChannelType, "chat_id", cb.ChatID)
		return
	}

	d.approvalsMu.RLock()
	approvals := d.approvals
	d.approvalsMu.RUnlock()
	if approvals == nil {
		d.logger.Error("Approval callback received but no gate is wired")
		d.reply(ctx, cb.ChannelType, cb.ChatID, d.cfg.ErrorReply)
		return
	}

	_, err := approvals.Decide(ctx, approval.DecideParams{
		Token:     token,
		Decision:  decision,
		DecidedBy: cb.UserAccountID,
		Channel:   cb.ChannelType,
	})

	var text string
	switch {
	case err == nil && decision == models.DecisionApproved:
		text = replyApproved
	case err == nil:
		text = replyRejected
	case errors.Is(err, approval.ErrAlreadyDecided):
		text = replyAlreadyDecided
	case errors.Is(err, approval.ErrExpired):
		text = replyExpired
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, approval.ErrNotAuthorized):
		text = replyInvalidToken
	default:
		d.logger.Error("Failed to decide approval from callback",
			"channel_type", cb.ChannelType, "chat_id", cb.ChatID, "error", err)
		text = d.cfg.ErrorReply
	}
	d.reply(ctx, cb.ChannelType, cb.ChatID, text)
}

func parseDecisionData(data string) (models.ApprovalDecision, string, bool) {
	if token, ok := strings.CutPrefix(data, approveDataPrefix); ok && token != "" {
		return models.DecisionApproved, token, true
	}
	if token, ok := strings.CutPrefix(data, rejectDataPrefix); ok && token != "" {
		return models.DecisionRejected, token, true
	}
	return "", "", false
}

// reply sends a message through the chat's adapter, absorbing failures.
func (d *Dispatcher) reply(ctx context.Context, channelType, chatID, text string) {
	adapter := d.adapter(channelType)
	if adapter == nil {
		d.logger.Warn("No adapter registered for channel", "channel_type", channelType)
		return
	}
	if err := adapter.SendMessage(ctx, chatID, OutboundMessage{Text: text}); err != nil {
		d.logger.Warn("Failed to send chat reply",
			"channel_type", channelType, "chat_id", chatID, "error", err)
	}
}

func (d *Dispatcher) adapter(channelType string) ChannelAdapter {
	d.adapterMu.RLock()
	defer d.adapterMu.RUnlock()
	return d.adapters[channelType]
}
