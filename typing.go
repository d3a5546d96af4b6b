package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scylladb/go-set/strset"
)

// TypingConfig configures a TypingTracker.
type TypingConfig struct {
	// IdleTimeout is the quiet period after the last keystroke that ends a
	// local typing session.
	IdleTimeout time.Duration
	// RemoteTypingTTL clears a remote typing indicator that was never
	// followed by user-stopped-typing. Zero keeps it until the stop arrives.
	RemoteTypingTTL time.Duration

	Scheduler Scheduler
	Logger    *slog.Logger
}

func (c *TypingConfig) defaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Second
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TypingTracker debounces the local typing signal of one conversation and
// keeps the set of remote users currently typing in it.
//
// Every non-empty keystroke emits typing; the session ends with exactly one
// stop-typing, either after IdleTimeout without input or immediately on Stop.
type TypingTracker struct {
	conn           Emitter
	conversationID string
	userID         string
	config         *TypingConfig
	logger         *slog.Logger

	idle      *Debouncer
	remoteTTL *timerSet

	mu        sync.Mutex
	active    bool
	closed    bool
	remote    *strset.Set
	nextObsID uint64
	observers []subscription[func(users []string)]
}

// NewTypingTracker creates a tracker for conversationID on behalf of userID.
func NewTypingTracker(conn Emitter, conversationID, userID string, config *TypingConfig) *TypingTracker {
	var cfg TypingConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	t := &TypingTracker{
		conn:           conn,
		conversationID: conversationID,
		userID:         userID,
		config:         &cfg,
		logger:         cfg.Logger.With("component", "typing", "conversation_id", conversationID),
		idle:           NewDebouncer(cfg.Scheduler, cfg.IdleTimeout),
		remote:         strset.New(),
	}
	if cfg.RemoteTypingTTL > 0 {
		t.remoteTTL = newTimerSet(cfg.Scheduler, cfg.RemoteTypingTTL)
	}
	return t
}

func (t *TypingTracker) payload() TypingPayload {
	return TypingPayload{ConversationID: t.conversationID, UserID: t.userID}
}

// ── Local ────────────────────────────────────────────────

// Keystroke reports the current input value. A non-empty value emits typing
// and restarts the idle countdown. An empty value emits nothing but still
// restarts the countdown of an active session, so it ends with one stop.
func (t *TypingTracker) Keystroke(ctx context.Context, value string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if value == "" {
		active := t.active
		t.mu.Unlock()
		if active {
			t.idle.Arm(t.idleExpired)
		}
		return nil
	}
	t.active = true
	t.mu.Unlock()

	t.idle.Arm(t.idleExpired)
	return t.conn.Emit(ctx, EventTyping, t.payload())
}

func (t *TypingTracker) idleExpired() {
	t.mu.Lock()
	if !t.active || t.closed {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	if err := t.conn.Emit(context.Background(), EventStopTyping, t.payload()); err != nil {
		t.logger.Warn("stop-typing emission failed", "error", err)
	}
}

// Stop ends the local session immediately. The pending idle countdown is
// cancelled, so no second stop-typing follows.
func (t *TypingTracker) Stop(ctx context.Context) error {
	t.idle.Cancel()

	t.mu.Lock()
	active := t.active
	t.active = false
	t.mu.Unlock()

	if !active {
		return nil
	}
	return t.conn.Emit(ctx, EventStopTyping, t.payload())
}

// Active reports whether a local typing session is in progress.
func (t *TypingTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ── Remote ───────────────────────────────────────────────

// HandleRemoteTyping records userID as typing. The local user is ignored.
func (t *TypingTracker) HandleRemoteTyping(userID string) {
	if userID == "" || userID == t.userID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	added := !t.remote.Has(userID)
	t.remote.Add(userID)
	t.mu.Unlock()

	if t.remoteTTL != nil {
		t.remoteTTL.arm(userID, func() {
			t.logger.Debug("remote typing expired", "user_id", userID)
			t.HandleRemoteStopped(userID)
		})
	}
	if added {
		t.notify()
	}
}

// HandleRemoteStopped clears userID's typing indicator.
func (t *TypingTracker) HandleRemoteStopped(userID string) {
	if userID == "" || userID == t.userID {
		return
	}
	if t.remoteTTL != nil {
		t.remoteTTL.cancel(userID)
	}
	t.mu.Lock()
	removed := t.remote.Has(userID)
	t.remote.Remove(userID)
	t.mu.Unlock()

	if removed {
		t.notify()
	}
}

// RemoteTyping reports whether anyone else is typing.
func (t *TypingTracker) RemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.remote.IsEmpty()
}

// TypingUsers returns the remote users currently typing, sorted.
func (t *TypingTracker) TypingUsers() []string {
	t.mu.Lock()
	users := t.remote.List()
	t.mu.Unlock()
	sort.Strings(users)
	return users
}

// OnRemoteChange registers fn for changes of the remote typing set.
func (t *TypingTracker) OnRemoteChange(fn func(users []string)) func() {
	t.mu.Lock()
	t.nextObsID++
	id := t.nextObsID
	t.observers = append(t.observers, subscription[func([]string)]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.observers = removeSub(t.observers, id)
			t.mu.Unlock()
		})
	}
}

func (t *TypingTracker) notify() {
	t.mu.Lock()
	observers := fns(t.observers)
	t.mu.Unlock()

	users := t.TypingUsers()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("typing observer panicked", "panic", r)
				}
			}()
			fn(users)
		}()
	}
}

// Close cancels every timer. Later keystrokes return ErrClosed.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.active = false
	t.mu.Unlock()

	t.idle.Cancel()
	if t.remoteTTL != nil {
		t.remoteTTL.cancelAll()
	}
}
