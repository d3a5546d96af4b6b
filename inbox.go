package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/scylladb/go-set/strset"
)

// InboxAPI is the REST side the inbox and its views need.
type InboxAPI interface {
	HistoryFetcher
	ListConversations(ctx context.Context) ([]Conversation, error)
	StartConversation(ctx context.Context, otherUserID string) (Conversation, error)
}

// Connection is the shared push connection as seen by the inbox and its
// conversation views. *ConnectionManager implements it.
type Connection interface {
	Emitter
	OnMessageReceived(h func(Message)) func()
	OnUserTyping(h func(TypingPayload)) func()
	OnUserStoppedTyping(h func(TypingPayload)) func()
	OnMessageRead(h func(ReadPayload)) func()
}

// InboxConfig configures an Inbox and every view it opens. Scheduler,
// Logger and Metrics are passed down to the per-view configs that leave
// them unset.
type InboxConfig struct {
	// UserID is the local user.
	UserID string
	// PreviewLength bounds LastMessagePreview, in runes.
	PreviewLength int
	// SeenIDs bounds the message ids remembered per conversation to drop
	// redelivered pushes.
	SeenIDs int

	Store  StoreConfig
	Typing TypingConfig
	Sender SenderConfig
	Scroll ScrollConfig

	Scheduler Scheduler
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *InboxConfig) defaults() {
	if c.PreviewLength == 0 {
		c.PreviewLength = 80
	}
	if c.SeenIDs == 0 {
		c.SeenIDs = 512
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.Store.Now == nil {
		c.Store.Now = c.Scheduler.Now
	}
	if c.Store.Logger == nil {
		c.Store.Logger = c.Logger
	}
	if c.Store.Metrics == nil {
		c.Store.Metrics = c.Metrics
	}
	if c.Typing.Scheduler == nil {
		c.Typing.Scheduler = c.Scheduler
	}
	if c.Typing.Logger == nil {
		c.Typing.Logger = c.Logger
	}
	if c.Sender.SenderID == "" {
		c.Sender.SenderID = c.UserID
	}
	if c.Sender.Scheduler == nil {
		c.Sender.Scheduler = c.Scheduler
	}
	if c.Sender.Logger == nil {
		c.Sender.Logger = c.Logger
	}
	if c.Sender.Metrics == nil {
		c.Sender.Metrics = c.Metrics
	}
	if c.Scroll.LocalUserID == "" {
		c.Scroll.LocalUserID = c.UserID
	}
	if c.Scroll.Scheduler == nil {
		c.Scroll.Scheduler = c.Scheduler
	}
	if c.Scroll.Logger == nil {
		c.Scroll.Logger = c.Logger
	}
}

// ============================================================================
// Inbox
// ============================================================================

// Inbox is the conversation list. It is fetched once; afterwards every
// message-received on the shared connection updates the preview, moves the
// conversation to the front and counts unread messages for conversations
// that are not open.
type Inbox struct {
	conn   Connection
	api    InboxAPI
	config *InboxConfig
	logger *slog.Logger

	mu       sync.Mutex
	convs    []Conversation
	loaded   bool
	open     map[string]int
	seen     map[string]*seenIDs

	obsMu     sync.Mutex
	obsNextID uint64
	observers []subscription[func([]Conversation)]

	unsubscribe func()
}

// NewInbox creates an inbox on the shared connection. Call Close to detach.
func NewInbox(conn Connection, api InboxAPI, config *InboxConfig) *Inbox {
	var cfg InboxConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	in := &Inbox{
		conn:     conn,
		api:      api,
		config:   &cfg,
		logger:   cfg.Logger.With("component", "inbox"),
		open:     make(map[string]int),
		seen:     make(map[string]*seenIDs),
	}
	in.unsubscribe = conn.OnMessageReceived(in.overlay)
	return in
}

// Load fetches the conversation list once. Later calls return the in-memory
// list; use Refresh to fetch again.
func (in *Inbox) Load(ctx context.Context) ([]Conversation, error) {
	in.mu.Lock()
	loaded := in.loaded
	in.mu.Unlock()
	if loaded {
		return in.List(), nil
	}
	return in.Refresh(ctx)
}

// Refresh replaces the list with a fresh fetch.
func (in *Inbox) Refresh(ctx context.Context) ([]Conversation, error) {
	convs, err := in.api.ListConversations(ctx)
	if err != nil {
		in.logger.Warn("conversation list fetch failed", "error", err)
		return nil, fmt.Errorf("load inbox: %w", err)
	}

	in.mu.Lock()
	in.convs = append([]Conversation(nil), convs...)
	for i := range in.convs {
		if in.open[in.convs[i].ID] > 0 {
			in.convs[i].UnreadCount = 0
		}
	}
	in.loaded = true
	out := in.copyLocked()
	in.mu.Unlock()

	in.logger.Debug("inbox loaded", "count", len(out))
	in.notify(out)
	return out, nil
}

// List returns a copy of the conversation list, most recent first.
func (in *Inbox) List() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.copyLocked()
}

// Get returns one conversation of the list.
func (in *Inbox) Get(conversationID string) (Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if i := in.indexLocked(conversationID); i >= 0 {
		return in.convs[i], true
	}
	return Conversation{}, false
}

// StartConversation creates (or finds) the direct conversation with
// otherUserID and puts it at the front of the list.
func (in *Inbox) StartConversation(ctx context.Context, otherUserID string) (Conversation, error) {
	conv, err := in.api.StartConversation(ctx, otherUserID)
	if err != nil {
		return Conversation{}, fmt.Errorf("start conversation with %s: %w", otherUserID, err)
	}

	in.mu.Lock()
	if i := in.indexLocked(conv.ID); i >= 0 {
		in.convs = append(in.convs[:i], in.convs[i+1:]...)
	}
	in.convs = append([]Conversation{conv}, in.convs...)
	out := in.copyLocked()
	in.mu.Unlock()

	in.logger.Info("conversation started", "conversation_id", conv.ID, "with", otherUserID)
	in.notify(out)
	return conv, nil
}

// OnChange registers fn for every change of the list.
func (in *Inbox) OnChange(fn func([]Conversation)) func() {
	in.obsMu.Lock()
	in.obsNextID++
	id := in.obsNextID
	in.observers = append(in.observers, subscription[func([]Conversation)]{id: id, fn: fn})
	in.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			in.obsMu.Lock()
			in.observers = removeSub(in.observers, id)
			in.obsMu.Unlock()
		})
	}
}

// Close detaches the inbox from the connection.
func (in *Inbox) Close() {
	in.unsubscribe()
}

func (in *Inbox) overlay(msg Message) {
	if msg.ConversationID == "" {
		return
	}
	in.mu.Lock()
	if !in.loaded {
		in.mu.Unlock()
		return
	}
	if msg.ID != "" && !in.markSeenLocked(msg.ConversationID, msg.ID) {
		in.mu.Unlock()
		return
	}

	sentAt := msg.CreatedAt
	if sentAt.IsZero() {
		sentAt = in.config.Scheduler.Now()
	}
	unread := msg.SenderID != in.config.UserID && in.open[msg.ConversationID] == 0

	if i := in.indexLocked(msg.ConversationID); i >= 0 && sentAt.Before(in.convs[i].LastMessageAt) {
		// Late delivery of an older message: count it, keep the newer preview.
		if unread {
			in.convs[i].UnreadCount++
		}
	} else {
		var conv Conversation
		if i >= 0 {
			conv = in.convs[i]
			in.convs = append(in.convs[:i], in.convs[i+1:]...)
		} else {
			// A conversation someone else just started.
			conv = Conversation{ID: msg.ConversationID, ParticipantIDs: participants(msg.SenderID, in.config.UserID)}
		}
		conv.LastMessagePreview = preview(msg.Text, in.config.PreviewLength)
		conv.LastMessageAt = sentAt
		if unread {
			conv.UnreadCount++
		}
		in.convs = append([]Conversation{conv}, in.convs...)
	}
	out := in.copyLocked()
	in.mu.Unlock()

	in.notify(out)
}

// markSeenLocked records id for the conversation and reports whether it is
// new.
func (in *Inbox) markSeenLocked(conversationID string, id ID) bool {
	seen, ok := in.seen[conversationID]
	if !ok {
		seen = &seenIDs{set: strset.New()}
		in.seen[conversationID] = seen
	}
	return seen.add(id.String(), in.config.SeenIDs)
}

// seenIDs is the bounded set of recent message ids of one conversation.
// The oldest id is forgotten first.
type seenIDs struct {
	set   *strset.Set
	order []string
}

func (s *seenIDs) add(id string, limit int) bool {
	if s.set.Has(id) {
		return false
	}
	s.set.Add(id)
	s.order = append(s.order, id)
	if len(s.order) > limit {
		s.set.Remove(s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (in *Inbox) notify(convs []Conversation) {
	in.obsMu.Lock()
	observers := fns(in.observers)
	in.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					in.logger.Error("inbox observer panicked", "panic", r)
				}
			}()
			fn(convs)
		}()
	}
}

func (in *Inbox) indexLocked(conversationID string) int {
	for i := range in.convs {
		if in.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (in *Inbox) copyLocked() []Conversation {
	out := make([]Conversation, len(in.convs))
	copy(out, in.convs)
	return out
}

func (in *Inbox) markOpen(conversationID string) {
	in.mu.Lock()
	in.open[conversationID]++
	changed := false
	if i := in.indexLocked(conversationID); i >= 0 && in.convs[i].UnreadCount > 0 {
		in.convs[i].UnreadCount = 0
		changed = true
	}
	out := in.copyLocked()
	in.mu.Unlock()

	if changed {
		in.notify(out)
	}
}

func (in *Inbox) markClosed(conversationID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.open[conversationID] <= 1 {
		delete(in.open, conversationID)
		return
	}
	in.open[conversationID]--
}

func participants(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func preview(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-1]) + "…"
}

// ============================================================================
// ConversationView
// ============================================================================

// ConversationView is one open conversation: its log, typing state, sender
// and scroll policy, subscribed to the shared connection for as long as it
// is open.
type ConversationView struct {
	ID     string
	Store  *ConversationStore
	Typing *TypingTracker
	Sender *Sender
	Scroll *ScrollPolicy

	inbox  *Inbox
	unsubs []func()
	once   sync.Once
}

// Open joins conversationID and builds its view. scroller may be nil.
//
// The push handlers are installed before the history fetch, so messages
// pushed while it runs are merged rather than lost. If the fetch fails the
// view is still returned, live and empty, together with the error; call
// view.Store.LoadHistory to try again.
func (in *Inbox) Open(ctx context.Context, conversationID string, scroller Scroller) (*ConversationView, error) {
	cfg := in.config
	if scroller == nil {
		scroller = ScrollerFunc(func(bool) {})
	}

	store := NewConversationStore(conversationID, in.api, &cfg.Store)
	typing := NewTypingTracker(in.conn, conversationID, cfg.UserID, &cfg.Typing)
	v := &ConversationView{
		ID:     conversationID,
		Store:  store,
		Typing: typing,
		Sender: NewSender(in.conn, store, typing, &cfg.Sender),
		Scroll: NewScrollPolicy(scroller, &cfg.Scroll),
		inbox:  in,
	}

	mine := func(id string) bool { return id == "" || id == conversationID }
	v.unsubs = append(v.unsubs,
		store.Observe(v.Scroll.Observe),
		in.conn.OnMessageReceived(func(m Message) {
			if m.ConversationID == conversationID {
				store.ReconcileIncoming(m)
			}
		}),
		in.conn.OnUserTyping(func(p TypingPayload) {
			if mine(p.ConversationID) {
				typing.HandleRemoteTyping(p.UserID)
			}
		}),
		in.conn.OnUserStoppedTyping(func(p TypingPayload) {
			if mine(p.ConversationID) {
				typing.HandleRemoteStopped(p.UserID)
			}
		}),
		in.conn.OnMessageRead(func(p ReadPayload) {
			if mine(p.ConversationID) {
				store.MarkRead(p.MessageID)
			}
		}),
	)
	in.markOpen(conversationID)

	if err := in.conn.Emit(ctx, EventJoinConversation, JoinPayload{ConversationID: conversationID}); err != nil {
		v.Close()
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	in.logger.Info("conversation opened", "conversation_id", conversationID)

	if _, err := store.LoadHistory(ctx); err != nil {
		return v, err
	}
	return v, nil
}

// Close unsubscribes every handler and cancels every timer of the view.
func (v *ConversationView) Close() {
	v.once.Do(func() {
		for _, unsub := range v.unsubs {
			unsub()
		}
		v.Sender.Close()
		v.Typing.Close()
		v.Scroll.Close()
		v.inbox.markClosed(v.ID)
		v.inbox.logger.Debug("conversation closed", "conversation_id", v.ID)
	})
}
