package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the ConnectionManager.
type RealtimeConfig struct {
	// UserID is the local identity. When set, user-online is announced on
	// every successful connect.
	UserID string
	// MaxReconnectAttempts bounds automatic reconnects after a failure.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed delay between attempts.
	ReconnectDelay time.Duration
	// DisableReconnect turns off automatic reconnects.
	DisableReconnect bool
	// DialTimeout bounds one dial across all transports.
	DialTimeout time.Duration
	// WriteTimeout bounds one emission.
	WriteTimeout time.Duration
	// SendBufferSize bounds emissions queued while disconnected.
	SendBufferSize int

	Scheduler Scheduler
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 20 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 256
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectionState represents the connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a snapshot of the lifecycle: the state plus the
// current reconnect attempt (0 when connected or idle).
type ConnectionStatus struct {
	State     ConnectionState
	Attempt   int
	Transport string
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of a server event.
type EventHandler func(payload json.RawMessage)

type subscription[T any] struct {
	id uint64
	fn T
}

func removeSub[T any](subs []subscription[T], id uint64) []subscription[T] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func fns[T any](subs []subscription[T]) []T {
	out := make([]T, len(subs))
	for i, s := range subs {
		out[i] = s.fn
	}
	return out
}

// eventDispatcher fans events out to subscribers. Handlers run synchronously
// on the caller's goroutine, in registration order.
type eventDispatcher struct {
	logger *slog.Logger

	mu             sync.RWMutex
	nextID         uint64
	events         map[string][]subscription[EventHandler]
	onConnect      []subscription[func(transport string)]
	onDisconnect   []subscription[func(reason string)]
	onConnectError []subscription[func(err error)]
	onReconnecting []subscription[func(attempt int, delay time.Duration)]
	onState        []subscription[func(ConnectionStatus)]
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger: logger,
		events: make(map[string][]subscription[EventHandler]),
	}
}

func subscribe[T any](d *eventDispatcher, list *[]subscription[T], fn T) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	*list = append(*list, subscription[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			*list = removeSub(*list, id)
			d.mu.Unlock()
		})
	}
}

func snapshot[T any](d *eventDispatcher, list *[]subscription[T]) []T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fns(*list)
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.events[event] = append(d.events[event], subscription[EventHandler]{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.events[event] = removeSub(d.events[event], id)
			if len(d.events[event]) == 0 {
				delete(d.events, event)
			}
			d.mu.Unlock()
		})
	}
}

// safeCall runs a subscriber, recovering and logging a panic.
func (d *eventDispatcher) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	fn()
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := fns(d.events[env.Type])
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("unhandled event", "event", env.Type)
		return
	}
	for _, h := range handlers {
		d.safeCall(env.Type, func() { h(env.Payload) })
	}
}

func (d *eventDispatcher) emitConnect(transport string) {
	for _, h := range snapshot(d, &d.onConnect) {
		d.safeCall("connect", func() { h(transport) })
	}
}

func (d *eventDispatcher) emitDisconnect(reason string) {
	for _, h := range snapshot(d, &d.onDisconnect) {
		d.safeCall("disconnect", func() { h(reason) })
	}
}

func (d *eventDispatcher) emitConnectError(err error) {
	for _, h := range snapshot(d, &d.onConnectError) {
		d.safeCall("connect_error", func() { h(err) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	for _, h := range snapshot(d, &d.onReconnecting) {
		d.safeCall("reconnecting", func() { h(attempt, delay) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionStatus) {
	for _, h := range snapshot(d, &d.onState) {
		d.safeCall("state", func() { h(s) })
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// Emitter is the write side of the shared connection.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// ConnectionManager owns the process-wide push connection. Create one at
// startup, pass it to every component that emits or subscribes, and tear it
// down with Disconnect.
//
// Server events are decoded and dispatched by a single read goroutine, so
// handlers observe them one at a time, in arrival order.
type ConnectionManager struct {
	dialers    []Dialer
	config     *RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher

	mu          sync.Mutex
	state       ConnectionState
	attempt     int
	intentional bool
	transport   Transport
	cancelRead  context.CancelFunc
	retryTimer  Timer
	gen         uint64
	sendBuf     []Envelope

	// writeMu keeps emissions ordered, including the buffer flush on connect.
	writeMu sync.Mutex
}

// NewConnectionManager creates a manager that dials the given transports in
// order of preference, typically WebSocket first and SSE second.
func NewConnectionManager(dialers []Dialer, config *RealtimeConfig) *ConnectionManager {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	cm := &ConnectionManager{
		dialers:    dialers,
		config:     &cfg,
		logger:     cfg.Logger.With("component", "connection"),
		dispatcher: newEventDispatcher(cfg.Logger),
		state:      StateDisconnected,
	}
	cfg.Metrics.setState(StateDisconnected)
	return cm
}

// UserID returns the local identity the manager announces.
func (cm *ConnectionManager) UserID() string {
	return cm.config.UserID
}

// Status returns the current lifecycle snapshot.
func (cm *ConnectionManager) Status() ConnectionStatus {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.statusLocked()
}

func (cm *ConnectionManager) statusLocked() ConnectionStatus {
	s := ConnectionStatus{State: cm.state, Attempt: cm.attempt}
	if cm.transport != nil {
		s.Transport = cm.transport.Name()
	}
	return s
}

// setStateLocked records a transition and returns the snapshot to publish
// once the lock is released.
func (cm *ConnectionManager) setStateLocked(s ConnectionState) ConnectionStatus {
	cm.state = s
	cm.config.Metrics.setState(s)
	return cm.statusLocked()
}

// ── Subscriptions ────────────────────────────────────────

// On registers a handler for a server event. The returned func unsubscribes.
func (cm *ConnectionManager) On(event string, h EventHandler) func() {
	return cm.dispatcher.on(event, h)
}

// OnMessageReceived registers a handler for message-received.
func (cm *ConnectionManager) OnMessageReceived(h func(Message)) func() {
	return cm.On(EventMessageReceived, func(payload json.RawMessage) {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			cm.logger.Warn("dropping malformed message", "event", EventMessageReceived, "error", err)
			return
		}
		h(m)
	})
}

// OnUserTyping registers a handler for user-typing.
func (cm *ConnectionManager) OnUserTyping(h func(TypingPayload)) func() {
	return cm.onTypingEvent(EventUserTyping, h)
}

// OnUserStoppedTyping registers a handler for user-stopped-typing.
func (cm *ConnectionManager) OnUserStoppedTyping(h func(TypingPayload)) func() {
	return cm.onTypingEvent(EventUserStoppedTyping, h)
}

func (cm *ConnectionManager) onTypingEvent(event string, h func(TypingPayload)) func() {
	return cm.On(event, func(payload json.RawMessage) {
		var p TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			cm.logger.Warn("dropping malformed typing event", "event", event, "error", err)
			return
		}
		h(p)
	})
}

// OnMessageRead registers a handler for message-read.
func (cm *ConnectionManager) OnMessageRead(h func(ReadPayload)) func() {
	return cm.On(EventMessageRead, func(payload json.RawMessage) {
		var p ReadPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			cm.logger.Warn("dropping malformed read receipt", "event", EventMessageRead, "error", err)
			return
		}
		h(p)
	})
}

// OnConnect registers a handler for successful connects.
func (cm *ConnectionManager) OnConnect(h func(transport string)) func() {
	return subscribe(cm.dispatcher, &cm.dispatcher.onConnect, h)
}

// OnDisconnect registers a handler for lost or closed connections.
func (cm *ConnectionManager) OnDisconnect(h func(reason string)) func() {
	return subscribe(cm.dispatcher, &cm.dispatcher.onDisconnect, h)
}

// OnConnectError registers a handler for failed connection attempts.
func (cm *ConnectionManager) OnConnectError(h func(err error)) func() {
	return subscribe(cm.dispatcher, &cm.dispatcher.onConnectError, h)
}

// OnReconnecting registers a handler called when a retry is scheduled.
func (cm *ConnectionManager) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	return subscribe(cm.dispatcher, &cm.dispatcher.onReconnecting, h)
}

// OnStateChange registers a handler for every lifecycle transition.
func (cm *ConnectionManager) OnStateChange(h func(ConnectionStatus)) func() {
	return subscribe(cm.dispatcher, &cm.dispatcher.onState, h)
}

// ── Lifecycle ────────────────────────────────────────────

// Connect establishes the connection. It is a no-op while a connection is
// established or being established, including a scheduled reconnect.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnected, StateConnecting, StateReconnecting:
		cm.mu.Unlock()
		return nil
	}
	cm.intentional = false
	st := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	cm.dispatcher.emitState(st)
	return cm.dial(ctx)
}

// Retry is the manual recovery path once automatic reconnects are
// exhausted: it resets the attempt counter and connects again.
func (cm *ConnectionManager) Retry(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnected, StateConnecting:
		cm.mu.Unlock()
		return nil
	}
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	cm.attempt = 0
	cm.intentional = false
	st := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	cm.dispatcher.emitState(st)
	return cm.dial(ctx)
}

// Disconnect releases the transport and stops any scheduled reconnect.
// It is safe to call on every exit path, any number of times.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	cm.intentional = true
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.cancelRead != nil {
		cm.cancelRead()
		cm.cancelRead = nil
	}
	t := cm.transport
	cm.transport = nil
	cm.gen++
	cm.sendBuf = nil
	wasActive := cm.state != StateDisconnected
	cm.attempt = 0
	st := cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close("client disconnect")
	}
	if wasActive {
		cm.logger.Info("disconnected", "reason", "client disconnect")
		cm.dispatcher.emitState(st)
		cm.dispatcher.emitDisconnect("client disconnect")
	}
	return err
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, cm.config.DialTimeout)
	defer cancel()

	if len(cm.dialers) == 0 {
		err := errors.New("no transports configured")
		cm.connectFailed(err)
		return err
	}

	var errs []error
	for _, d := range cm.dialers {
		t, err := d.Dial(dialCtx)
		if err != nil {
			cm.logger.Debug("transport unavailable", "transport", d.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		return cm.opened(t)
	}
	err := errors.Join(errs...)
	cm.connectFailed(err)
	return err
}

// opened installs a freshly dialed transport.
func (cm *ConnectionManager) opened(t Transport) error {
	cm.mu.Lock()
	if cm.intentional {
		cm.mu.Unlock()
		t.Close("client disconnect")
		return ErrNotConnected
	}
	readCtx, cancel := context.WithCancel(context.Background())
	cm.transport = t
	cm.cancelRead = cancel
	cm.gen++
	gen := cm.gen
	cm.attempt = 0
	st := cm.setStateLocked(StateConnected)
	pending := cm.sendBuf
	cm.sendBuf = nil
	// Hold writeMu across the unlock so no new emission overtakes the flush.
	cm.writeMu.Lock()
	cm.mu.Unlock()

	cm.logger.Info("connected", "transport", t.Name())
	go cm.readLoop(readCtx, t, gen)

	if uid := cm.config.UserID; uid != "" {
		if err := cm.write(context.Background(), t, EventUserOnline, mustMarshal(PresencePayload{UserID: uid})); err != nil {
			cm.logger.Warn("presence announcement failed", "error", err)
		}
	}
	for i, env := range pending {
		if err := cm.write(context.Background(), t, env.Type, env.Payload); err != nil {
			cm.logger.Warn("flushing buffered events failed", "remaining", len(pending)-i, "error", err)
			cm.mu.Lock()
			cm.sendBuf = append(pending[i:len(pending):len(pending)], cm.sendBuf...)
			cm.mu.Unlock()
			break
		}
	}
	cm.writeMu.Unlock()

	cm.dispatcher.emitState(st)
	cm.dispatcher.emitConnect(t.Name())
	return nil
}

func (cm *ConnectionManager) connectFailed(err error) {
	cm.config.Metrics.connectFailed()
	cm.logger.Warn("connect_error", "error", err)
	cm.dispatcher.emitConnectError(err)
	cm.scheduleReconnect()
}

// scheduleReconnect arms the fixed-delay retry, or settles in disconnected
// once the attempt cap is reached.
func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.intentional {
		cm.mu.Unlock()
		return
	}
	if cm.config.DisableReconnect || cm.attempt >= cm.config.MaxReconnectAttempts {
		attempts := cm.attempt
		st := cm.setStateLocked(StateDisconnected)
		cm.mu.Unlock()
		if !cm.config.DisableReconnect {
			cm.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		}
		cm.dispatcher.emitState(st)
		return
	}
	cm.attempt++
	attempt := cm.attempt
	delay := cm.config.ReconnectDelay
	st := cm.setStateLocked(StateReconnecting)
	cm.retryTimer = cm.config.Scheduler.AfterFunc(delay, cm.reconnect)
	cm.mu.Unlock()

	cm.config.Metrics.reconnectScheduled()
	cm.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	cm.dispatcher.emitState(st)
	cm.dispatcher.emitReconnecting(attempt, delay)
}

func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	if cm.intentional || cm.state != StateReconnecting {
		cm.mu.Unlock()
		return
	}
	cm.retryTimer = nil
	st := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	cm.dispatcher.emitState(st)
	_ = cm.dial(context.Background())
}

func (cm *ConnectionManager) readLoop(ctx context.Context, t Transport, gen uint64) {
	for {
		env, err := t.Read(ctx)
		if err != nil {
			cm.lost(gen, t, err)
			return
		}
		cm.dispatcher.dispatch(env)
	}
}

// lost handles a transport failure after a successful connect.
func (cm *ConnectionManager) lost(gen uint64, t Transport, cause error) {
	cm.mu.Lock()
	if gen != cm.gen || cm.intentional {
		cm.mu.Unlock()
		return
	}
	cm.transport = nil
	if cm.cancelRead != nil {
		cm.cancelRead()
		cm.cancelRead = nil
	}
	st := cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	t.Close("transport error")
	reason := cause.Error()
	cm.logger.Warn("connection lost", "transport", t.Name(), "reason", reason)
	cm.dispatcher.emitState(st)
	cm.dispatcher.emitDisconnect(reason)
	cm.scheduleReconnect()
}

// ── Emission ─────────────────────────────────────────────

// Emit sends an event without waiting for acknowledgment. While the
// connection is down the event is buffered and flushed in order on the next
// connect; after an explicit Disconnect it fails with ErrNotConnected.
func (cm *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	cm.mu.Lock()
	t := cm.transport
	if cm.state != StateConnected || t == nil {
		if cm.intentional {
			cm.mu.Unlock()
			return ErrNotConnected
		}
		if len(cm.sendBuf) >= cm.config.SendBufferSize {
			cm.logger.Warn("send buffer full, dropping oldest", "dropped", cm.sendBuf[0].Type)
			cm.sendBuf = cm.sendBuf[1:]
		}
		cm.sendBuf = append(cm.sendBuf, Envelope{Type: event, Payload: data})
		cm.mu.Unlock()
		cm.config.Metrics.eventBuffered()
		return nil
	}
	cm.mu.Unlock()

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()
	return cm.write(ctx, t, event, data)
}

// write must be called with writeMu held.
func (cm *ConnectionManager) write(ctx context.Context, t Transport, event string, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, cm.config.WriteTimeout)
	defer cancel()
	if err := t.Write(ctx, Envelope{Type: event, Payload: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	cm.config.Metrics.eventEmitted(event)
	return nil
}

// Buffered returns the number of emissions waiting for a connection.
func (cm *ConnectionManager) Buffered() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.sendBuf)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("chatsync: marshal %T: %v", v, err))
	}
	return b
}
