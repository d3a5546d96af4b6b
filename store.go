package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryFetcher loads the stored messages of a conversation, oldest first.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// ============================================================================
// Mutations
// ============================================================================

// MutationKind classifies a change to a conversation log.
type MutationKind int

const (
	// MutationLoaded: the historical fetch populated the log.
	MutationLoaded MutationKind = iota + 1
	// MutationAppended: an optimistic message was added at the tail.
	MutationAppended
	// MutationInserted: a pushed message was inserted chronologically.
	MutationInserted
	// MutationReplaced: a pending entry was confirmed in place.
	MutationReplaced
	// MutationRead: an entry was marked read.
	MutationRead
	// MutationStateChanged: an entry moved between pending and failed.
	MutationStateChanged
)

var mutationKindNames = map[MutationKind]string{
	MutationLoaded:       "loaded",
	MutationAppended:     "appended",
	MutationInserted:     "inserted",
	MutationReplaced:     "replaced",
	MutationRead:         "read",
	MutationStateChanged: "state_changed",
}

func (k MutationKind) String() string {
	if s, ok := mutationKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("MutationKind(%d)", int(k))
}

// Source is the data source that caused a mutation.
type Source int

const (
	SourceHistory Source = iota + 1
	SourceOptimistic
	SourcePush
)

// Mutation describes one change to the log. Observers receive it after the
// store has released its lock.
type Mutation struct {
	Kind    MutationKind
	Source  Source
	Index   int
	Message Message
	// Len is the log length after the change.
	Len int
	// First is set on the MutationLoaded of the first successful fetch.
	First bool
}

// ReconcileResult reports which rule ReconcileIncoming applied.
type ReconcileResult int

const (
	// ReconcileReplaced: tempId matched a local entry, confirmed in place.
	ReconcileReplaced ReconcileResult = iota + 1
	// ReconcileDuplicate: the message was already present.
	ReconcileDuplicate
	// ReconcileInserted: new message inserted in chronological order.
	ReconcileInserted
	// ReconcileRejected: tempId matched but the echo could not confirm it.
	ReconcileRejected
	// ReconcileIgnored: the message belongs to another conversation.
	ReconcileIgnored
)

func (r ReconcileResult) String() string {
	switch r {
	case ReconcileReplaced:
		return "replaced"
	case ReconcileDuplicate:
		return "duplicate"
	case ReconcileInserted:
		return "inserted"
	case ReconcileRejected:
		return "rejected"
	case ReconcileIgnored:
		return "ignored"
	}
	return "unknown"
}

// ============================================================================
// ConversationStore
// ============================================================================

// StoreConfig configures a ConversationStore.
type StoreConfig struct {
	// Now stamps optimistic messages.
	Now func() time.Time
	// NewTempID generates client-side ids. Defaults to UUIDv4.
	NewTempID func() string
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *StoreConfig) defaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTempID == nil {
		c.NewTempID = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConversationStore is the ordered, deduplicated message log of one
// conversation. It lives as long as the conversation view that owns it.
//
// Three rules govern incoming messages, in order: a tempId match confirms the
// local entry in place; a known durable id is a duplicate and is dropped;
// anything else is inserted before the first entry with a later CreatedAt.
type ConversationStore struct {
	conversationID string
	fetcher        HistoryFetcher
	config         *StoreConfig
	logger         *slog.Logger

	mu     sync.Mutex
	log    []Message
	byTemp map[string]int
	byID   map[ID]int
	sorted bool
	loaded bool

	obsMu     sync.Mutex
	obsNextID uint64
	observers []subscription[func(Mutation)]
}

// NewConversationStore creates an empty log for conversationID.
func NewConversationStore(conversationID string, fetcher HistoryFetcher, config *StoreConfig) *ConversationStore {
	var cfg StoreConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConversationStore{
		conversationID: conversationID,
		fetcher:        fetcher,
		config:         &cfg,
		logger:         cfg.Logger.With("component", "store", "conversation_id", conversationID),
		byTemp:         make(map[string]int),
		byID:           make(map[ID]int),
		sorted:         true,
	}
}

// ConversationID returns the conversation this log belongs to.
func (s *ConversationStore) ConversationID() string { return s.conversationID }

// Observe registers fn for every mutation. The returned func unsubscribes.
func (s *ConversationStore) Observe(fn func(Mutation)) func() {
	s.obsMu.Lock()
	s.obsNextID++
	id := s.obsNextID
	s.observers = append(s.observers, subscription[func(Mutation)]{id: id, fn: fn})
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			s.observers = removeSub(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *ConversationStore) notify(m Mutation) {
	s.obsMu.Lock()
	observers := fns(s.observers)
	s.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("mutation observer panicked", "kind", m.Kind.String(), "panic", r)
				}
			}()
			fn(m)
		}()
	}
}

// ── History ──────────────────────────────────────────────

// LoadHistory performs the single historical fetch and merges the result
// into the log. Only the first successful load reports First, which is what
// triggers the instant scroll. On failure the log is left untouched.
func (s *ConversationStore) LoadHistory(ctx context.Context) ([]Message, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("load history for %s: no fetcher configured", s.conversationID)
	}
	msgs, err := s.fetcher.FetchMessages(ctx, s.conversationID)
	if err != nil {
		s.logger.Warn("history fetch failed", "error", err)
		return nil, fmt.Errorf("load history for %s: %w", s.conversationID, err)
	}

	s.mu.Lock()
	first := !s.loaded
	s.loaded = true
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		s.reconcileLocked(m)
	}
	out := s.copyLocked()
	s.mu.Unlock()

	s.logger.Debug("history loaded", "count", len(msgs), "first", first)
	s.notify(Mutation{Kind: MutationLoaded, Source: SourceHistory, Index: len(out) - 1, Len: len(out), First: first})
	return out, nil
}

// Loaded reports whether a historical fetch has succeeded.
func (s *ConversationStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// ── Local sends ──────────────────────────────────────────

// AppendOptimistic adds a pending message at the tail and returns its tempId.
func (s *ConversationStore) AppendOptimistic(text, senderID string) string {
	s.mu.Lock()
	tempID := s.config.NewTempID()
	for _, taken := s.byTemp[tempID]; taken; _, taken = s.byTemp[tempID] {
		tempID = s.config.NewTempID()
	}
	m := NewPending(tempID, s.conversationID, senderID, text, s.config.Now())
	idx := s.appendLocked(m)
	n := len(s.log)
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationAppended, Source: SourceOptimistic, Index: idx, Message: m, Len: n})
	return tempID
}

// MarkFailed moves a pending message to failed.
func (s *ConversationStore) MarkFailed(tempID string) bool {
	return s.transition(tempID, DeliveryPending, DeliveryFailed)
}

// MarkPending moves a failed message back to pending for a resend.
func (s *ConversationStore) MarkPending(tempID string) bool {
	return s.transition(tempID, DeliveryFailed, DeliveryPending)
}

func (s *ConversationStore) transition(tempID string, from, to DeliveryState) bool {
	s.mu.Lock()
	idx, ok := s.byTemp[tempID]
	if !ok || s.log[idx].State != from {
		s.mu.Unlock()
		return false
	}
	s.log[idx].State = to
	m := s.log[idx]
	n := len(s.log)
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationStateChanged, Source: SourceOptimistic, Index: idx, Message: m, Len: n})
	return true
}

// ── Push ─────────────────────────────────────────────────

// ReconcileIncoming merges a server message into the log. Calling it twice
// with the same message leaves the log as calling it once.
func (s *ConversationStore) ReconcileIncoming(msg Message) ReconcileResult {
	s.mu.Lock()
	res, mut := s.reconcileLocked(msg)
	if mut != nil {
		mut.Len = len(s.log)
	}
	s.mu.Unlock()

	s.config.Metrics.reconcileResult(res)
	switch res {
	case ReconcileRejected:
		s.logger.Warn("echo rejected", "temp_id", msg.TempID, "id", msg.ID.String())
	case ReconcileIgnored:
		s.logger.Debug("message for another conversation", "other", msg.ConversationID)
	}
	if mut != nil {
		mut.Source = SourcePush
		s.notify(*mut)
	}
	return res
}

func (s *ConversationStore) reconcileLocked(msg Message) (ReconcileResult, *Mutation) {
	if msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return ReconcileIgnored, nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = s.conversationID
	}

	// Rule 1: identity wins over chronology.
	if msg.TempID != "" {
		if idx, ok := s.byTemp[msg.TempID]; ok {
			return s.confirmLocked(idx, msg)
		}
	}

	// Rule 2: durable id dedup.
	if msg.ID != "" {
		if _, ok := s.byID[msg.ID]; ok {
			return ReconcileDuplicate, nil
		}
	}

	// Rule 3: stable chronological insert.
	if msg.State == "" || msg.State == DeliveryPending || msg.State == DeliveryFailed {
		msg.State = DeliverySent
	}
	idx := s.insertLocked(msg)
	return ReconcileInserted, &Mutation{Kind: MutationInserted, Index: idx, Message: msg}
}

func (s *ConversationStore) confirmLocked(idx int, echo Message) (ReconcileResult, *Mutation) {
	local := s.log[idx]
	confirmed, err := Confirm(local, echo)
	if err != nil {
		return ReconcileRejected, nil
	}

	// The confirmed copy may already be in the log under its durable id,
	// e.g. when history was fetched between the send and its echo.
	if other, ok := s.byID[confirmed.ID]; ok && other != idx {
		s.log = append(s.log[:other], s.log[other+1:]...)
		if other < idx {
			idx--
		}
		s.log[idx] = confirmed
		s.rebuildLocked()
		return ReconcileReplaced, &Mutation{Kind: MutationReplaced, Index: idx, Message: confirmed}
	}

	wasConfirmed := local.IsConfirmed() && local.ID == confirmed.ID
	if local.ID != "" && local.ID != confirmed.ID {
		delete(s.byID, local.ID)
	}
	s.log[idx] = confirmed
	s.byID[confirmed.ID] = idx
	s.checkOrderAround(idx)
	if wasConfirmed {
		return ReconcileDuplicate, nil
	}
	return ReconcileReplaced, &Mutation{Kind: MutationReplaced, Index: idx, Message: confirmed}
}

// ── Reads ────────────────────────────────────────────────

// MarkRead flags one entry as read. It reports whether the id was found.
func (s *ConversationStore) MarkRead(messageID ID) bool {
	s.mu.Lock()
	idx, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if s.log[idx].IsRead {
		s.mu.Unlock()
		return true
	}
	s.log[idx].IsRead = true
	m := s.log[idx]
	n := len(s.log)
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationRead, Source: SourcePush, Index: idx, Message: m, Len: n})
	return true
}

// Messages returns a copy of the log.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Len returns the number of entries.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Get looks an entry up by tempId or durable id.
func (s *ConversationStore) Get(key string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byTemp[key]; ok {
		return s.log[idx], true
	}
	if idx, ok := s.byID[ID(key)]; ok {
		return s.log[idx], true
	}
	return Message{}, false
}

// ── Internals ────────────────────────────────────────────

func (s *ConversationStore) copyLocked() []Message {
	out := make([]Message, len(s.log))
	copy(out, s.log)
	return out
}

func (s *ConversationStore) appendLocked(m Message) int {
	idx := len(s.log)
	if idx > 0 && s.log[idx-1].CreatedAt.After(m.CreatedAt) {
		s.sorted = false
	}
	s.log = append(s.log, m)
	s.indexLocked(idx)
	return idx
}

// insertLocked places m before the first entry whose CreatedAt is strictly
// later, or at the tail. Equal timestamps keep arrival order.
func (s *ConversationStore) insertLocked(m Message) int {
	var idx int
	if s.sorted {
		idx = sort.Search(len(s.log), func(i int) bool {
			return s.log[i].CreatedAt.After(m.CreatedAt)
		})
	} else {
		idx = len(s.log)
		for i := range s.log {
			if s.log[i].CreatedAt.After(m.CreatedAt) {
				idx = i
				break
			}
		}
	}

	if idx == len(s.log) {
		return s.appendLocked(m)
	}
	s.log = append(s.log, Message{})
	copy(s.log[idx+1:], s.log[idx:])
	s.log[idx] = m
	s.rebuildLocked()
	return idx
}

func (s *ConversationStore) indexLocked(idx int) {
	m := s.log[idx]
	if m.TempID != "" {
		s.byTemp[m.TempID] = idx
	}
	if m.ID != "" {
		s.byID[m.ID] = idx
	}
}

// rebuildLocked recomputes both indexes and the ordering flag after a
// structural change in the middle of the log.
func (s *ConversationStore) rebuildLocked() {
	s.byTemp = make(map[string]int, len(s.log))
	s.byID = make(map[ID]int, len(s.log))
	s.sorted = true
	for i := range s.log {
		s.indexLocked(i)
		if i > 0 && s.log[i-1].CreatedAt.After(s.log[i].CreatedAt) {
			s.sorted = false
		}
	}
}

func (s *ConversationStore) checkOrderAround(idx int) {
	if !s.sorted {
		return
	}
	if idx > 0 && s.log[idx-1].CreatedAt.After(s.log[idx].CreatedAt) {
		s.sorted = false
	}
	if idx+1 < len(s.log) && s.log[idx].CreatedAt.After(s.log[idx+1].CreatedAt) {
		s.sorted = false
	}
}
