package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeScheduler is a manual clock. Advance fires due timers synchronously,
// earliest first, including timers armed by the callbacks themselves.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: testEpoch}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of armed timers.
func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// emitted is one recorded emission, stamped with the fake clock.
type emitted struct {
	Event   string
	Payload any
	At      time.Time
}

// recordingEmitter records emissions instead of writing them.
type recordingEmitter struct {
	clock *fakeScheduler

	mu     sync.Mutex
	events []emitted
	err    error
}

func newRecorder(clock *fakeScheduler) *recordingEmitter {
	return &recordingEmitter{clock: clock}
}

func (r *recordingEmitter) Emit(_ context.Context, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	var at time.Time
	if r.clock != nil {
		at = r.clock.Now()
	}
	r.events = append(r.events, emitted{Event: event, Payload: payload, At: at})
	return nil
}

func (r *recordingEmitter) failWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingEmitter) Events() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func (r *recordingEmitter) Named(event string) []emitted {
	var out []emitted
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEmitter) Names() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Event)
	}
	return out
}

// fakeConn is a never-dialed ConnectionManager whose emissions are recorded
// and whose server events are injected with push.
type fakeConn struct {
	*ConnectionManager
	rec *recordingEmitter
}

func newFakeConn(t *testing.T, clock *fakeScheduler) *fakeConn {
	cm := NewConnectionManager(nil, &RealtimeConfig{Scheduler: clock, Logger: slogt.New(t)})
	return &fakeConn{ConnectionManager: cm, rec: newRecorder(clock)}
}

func (c *fakeConn) Emit(ctx context.Context, event string, payload any) error {
	return c.rec.Emit(ctx, event, payload)
}

func (c *fakeConn) push(event string, payload any) {
	c.dispatcher.dispatch(Envelope{Type: event, Payload: mustMarshal(payload)})
}

// fakeTransport is an in-memory Transport. Server events are fed through in;
// closing in (or calling drop) ends the read loop with io.EOF.
type fakeTransport struct {
	name string
	in   chan Envelope

	mu       sync.Mutex
	written  []Envelope
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
	dropOnce  sync.Once
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, in: make(chan Envelope, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Read(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-t.in:
		if !ok {
			return Envelope{}, io.EOF
		}
		return env, nil
	case <-t.closed:
		return Envelope{}, errors.New("transport closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, env)
	return nil
}

func (t *fakeTransport) Close(string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) drop() {
	t.dropOnce.Do(func() { close(t.in) })
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) writtenTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, env := range t.written {
		out = append(out, env.Type)
	}
	return out
}

func (t *fakeTransport) writtenPayload(i int, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Unmarshal(t.written[i].Payload, v)
}

// fakeDialer hands out fakeTransports, or fails with err.
type fakeDialer struct {
	name string

	mu         sync.Mutex
	err        error
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Name() string { return d.name }

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport(d.name)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// fakeAPI serves canned REST responses.
type fakeAPI struct {
	mu       sync.Mutex
	history  map[string][]Message
	convs    []Conversation
	started  map[string]Conversation
	err      error
	fetches  int
	onFetch  func()
	listHits int
}

func (a *fakeAPI) FetchMessages(_ context.Context, conversationID string) ([]Message, error) {
	a.mu.Lock()
	a.fetches++
	err := a.err
	msgs := append([]Message(nil), a.history[conversationID]...)
	onFetch := a.onFetch
	a.mu.Unlock()
	if onFetch != nil {
		onFetch()
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (a *fakeAPI) ListConversations(context.Context) ([]Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listHits++
	if a.err != nil {
		return nil, a.err
	}
	return append([]Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) StartConversation(_ context.Context, otherUserID string) (Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return Conversation{}, a.err
	}
	conv, ok := a.started[otherUserID]
	if !ok {
		return Conversation{}, errors.New("no such user")
	}
	return conv, nil
}

func (a *fakeAPI) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// recordingScroller records ScrollToBottom calls.
type recordingScroller struct {
	mu    sync.Mutex
	calls []bool
}

func (s *recordingScroller) ScrollToBottom(animated bool) {
	s.mu.Lock()
	s.calls = append(s.calls, animated)
	s.mu.Unlock()
}

func (s *recordingScroller) Calls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.calls...)
}

func at(offset time.Duration) time.Time { return testEpoch.Add(offset) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
