package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// SenderID is the local user the messages are sent as.
	SenderID string
	// PendingTimeout is how long a message may wait for its echo before it
	// is marked failed.
	PendingTimeout time.Duration
	// DisablePendingTimeout keeps unconfirmed messages pending forever.
	DisablePendingTimeout bool

	Scheduler Scheduler
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *SenderConfig) defaults() {
	if c.PendingTimeout == 0 {
		c.PendingTimeout = 15 * time.Second
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sender coordinates optimistic sends: the message shows up in the log at
// once as pending, the emission is fire-and-forget, and the server echo
// carrying the same tempId confirms it in place.
type Sender struct {
	conn   Emitter
	store  *ConversationStore
	typing *TypingTracker
	config *SenderConfig
	logger *slog.Logger

	timeouts  *timerSet
	unobserve func()

	mu     sync.Mutex
	closed bool
}

// NewSender wires a sender to the conversation's store and typing tracker.
// typing may be nil.
func NewSender(conn Emitter, store *ConversationStore, typing *TypingTracker, config *SenderConfig) *Sender {
	var cfg SenderConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	s := &Sender{
		conn:   conn,
		store:  store,
		typing: typing,
		config: &cfg,
		logger: cfg.Logger.With("component", "sender", "conversation_id", store.ConversationID()),
	}
	if !cfg.DisablePendingTimeout {
		s.timeouts = newTimerSet(cfg.Scheduler, cfg.PendingTimeout)
	}
	s.unobserve = store.Observe(s.observe)
	return s
}

func (s *Sender) observe(m Mutation) {
	if m.Kind != MutationReplaced || m.Message.TempID == "" {
		return
	}
	if s.timeouts != nil {
		s.timeouts.cancel(m.Message.TempID)
	}
	s.config.Metrics.sendOutcome("confirmed")
	s.logger.Debug("message confirmed", "temp_id", m.Message.TempID, "id", m.Message.ID.String())
}

// Send appends text to the log as a pending message, emits send-message and
// ends the local typing session. It returns the tempId of the new entry.
//
// An emission error marks the entry failed right away; it can be resent.
func (s *Sender) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	tempID := s.store.AppendOptimistic(text, s.config.SenderID)
	s.config.Metrics.sendOutcome("pending")
	s.armTimeout(tempID)

	err := s.emit(ctx, tempID, text)

	if s.typing != nil {
		if terr := s.typing.Stop(ctx); terr != nil {
			s.logger.Warn("stop-typing emission failed", "error", terr)
		}
	}
	if err != nil {
		s.fail(tempID)
		return tempID, fmt.Errorf("send %s: %w", tempID, err)
	}
	return tempID, nil
}

// Resend emits a failed message again under its original tempId.
func (s *Sender) Resend(ctx context.Context, tempID string) error {
	msg, ok := s.store.Get(tempID)
	if !ok {
		return fmt.Errorf("resend %s: %w", tempID, ErrUnknownMessage)
	}
	if !msg.IsFailed() {
		return fmt.Errorf("resend %s: %w", tempID, ErrNotFailed)
	}
	if !s.store.MarkPending(tempID) {
		return fmt.Errorf("resend %s: %w", tempID, ErrNotFailed)
	}
	s.config.Metrics.sendOutcome("resent")
	s.armTimeout(tempID)

	if err := s.emit(ctx, tempID, msg.Text); err != nil {
		s.fail(tempID)
		return fmt.Errorf("resend %s: %w", tempID, err)
	}
	return nil
}

func (s *Sender) emit(ctx context.Context, tempID, text string) error {
	return s.conn.Emit(ctx, EventSendMessage, SendMessagePayload{
		ConversationID: s.store.ConversationID(),
		SenderID:       s.config.SenderID,
		Message:        text,
		TempID:         tempID,
	})
}

func (s *Sender) armTimeout(tempID string) {
	if s.timeouts == nil {
		return
	}
	s.timeouts.arm(tempID, func() { s.expire(tempID) })
}

func (s *Sender) expire(tempID string) {
	if s.store.MarkFailed(tempID) {
		s.config.Metrics.sendOutcome("failed")
		s.logger.Warn("no echo within pending timeout", "temp_id", tempID, "timeout", s.config.PendingTimeout)
	}
}

func (s *Sender) fail(tempID string) {
	if s.timeouts != nil {
		s.timeouts.cancel(tempID)
	}
	if s.store.MarkFailed(tempID) {
		s.config.Metrics.sendOutcome("failed")
	}
}

// Pending returns the tempIds still awaiting their echo, in log order.
func (s *Sender) Pending() []string {
	var out []string
	for _, m := range s.store.Messages() {
		if m.IsPending() {
			out = append(out, m.TempID)
		}
	}
	return out
}

// Close stops every pending timeout and detaches from the store.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unobserve()
	if s.timeouts != nil {
		s.timeouts.cancelAll()
	}
}
