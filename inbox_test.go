package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

func newTestInbox(t *testing.T, api *fakeAPI) (*Inbox, *fakeConn, *fakeScheduler) {
	t.Helper()
	clock := newFakeScheduler()
	conn := newFakeConn(t, clock)
	in := NewInbox(conn, api, &InboxConfig{UserID: "me", Scheduler: clock, Logger: slogt.New(t)})
	t.Cleanup(in.Close)
	return in, conn, clock
}

func convIDs(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func testConversations() []Conversation {
	return []Conversation{
		{ID: "c1", ParticipantIDs: []string{"me", "bob"}, LastMessagePreview: "old", LastMessageAt: at(-time.Hour)},
		{ID: "c2", ParticipantIDs: []string{"me", "alice"}, LastMessageAt: at(-2 * time.Hour)},
		{ID: "c3", ParticipantIDs: []string{"me", "carol"}, LastMessageAt: at(-3 * time.Hour)},
	}
}

// ============================================================================
// Inbox
// ============================================================================

func TestInbox_Load(t *testing.T) {
	api := &fakeAPI{convs: testConversations()}
	in, _, _ := newTestInbox(t, api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		convs, err := in.Load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"c1", "c2", "c3"}, convIDs(convs)); diff != "" {
			t.Errorf("list (-want +got):\n%s", diff)
		}
	}
	if api.listHits != 1 {
		t.Errorf("fetched %d times, want 1", api.listHits)
	}

	api.convs = api.convs[:1]
	if _, err := in.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(in.List()); got != 1 {
		t.Errorf("len after refresh = %d", got)
	}
}

func TestInbox_LoadError(t *testing.T) {
	api := &fakeAPI{err: errors.New("boom")}
	in, _, _ := newTestInbox(t, api)
	if _, err := in.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	api.setErr(nil)
	api.convs = testConversations()
	if convs, err := in.Load(context.Background()); err != nil || len(convs) != 3 {
		t.Errorf("retry = %d, %v", len(convs), err)
	}
}

func TestInbox_Overlay(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{convs: testConversations()})
	in.Load(context.Background())

	var changes int
	in.OnChange(func([]Conversation) { changes++ })

	msg := Message{ID: "9", ConversationID: "c3", SenderID: "carol", Text: "hey there", CreatedAt: at(0)}
	conn.push(EventMessageReceived, msg)
	conn.push(EventMessageReceived, msg)
	conn.push(EventMessageReceived, Message{ID: "10", ConversationID: "c2", SenderID: "me", Text: "mine", CreatedAt: at(time.Minute)})

	list := in.List()
	if diff := cmp.Diff([]string{"c2", "c3", "c1"}, convIDs(list)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	c3, _ := in.Get("c3")
	if c3.LastMessagePreview != "hey there" || !c3.LastMessageAt.Equal(at(0)) || c3.UnreadCount != 1 {
		t.Errorf("c3 = %+v", c3)
	}
	if c2, _ := in.Get("c2"); c2.UnreadCount != 0 {
		t.Errorf("own message counted as unread: %+v", c2)
	}
	if changes != 2 {
		t.Errorf("changes = %d, want 2", changes)
	}
}

func TestInbox_OverlayRedelivery(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{convs: testConversations()})
	in.Load(context.Background())

	m9 := Message{ID: "9", ConversationID: "c3", SenderID: "carol", Text: "first", CreatedAt: at(0)}
	m10 := Message{ID: "10", ConversationID: "c3", SenderID: "carol", Text: "second", CreatedAt: at(time.Minute)}
	conn.push(EventMessageReceived, m9)
	conn.push(EventMessageReceived, m10)
	conn.push(EventMessageReceived, m9)

	c3, _ := in.Get("c3")
	if c3.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c3.UnreadCount)
	}
	if c3.LastMessagePreview != "second" || !c3.LastMessageAt.Equal(at(time.Minute)) {
		t.Errorf("preview = %q at %v, want the newest message", c3.LastMessagePreview, c3.LastMessageAt)
	}
}

func TestInbox_OverlayOutOfOrder(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{convs: testConversations()})
	in.Load(context.Background())

	conn.push(EventMessageReceived, Message{ID: "10", ConversationID: "c3", SenderID: "carol", Text: "second", CreatedAt: at(time.Minute)})
	conn.push(EventMessageReceived, Message{ID: "11", ConversationID: "c2", SenderID: "alice", Text: "other", CreatedAt: at(2 * time.Minute)})
	conn.push(EventMessageReceived, Message{ID: "9", ConversationID: "c3", SenderID: "carol", Text: "first", CreatedAt: at(0)})

	c3, _ := in.Get("c3")
	if c3.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c3.UnreadCount)
	}
	if c3.LastMessagePreview != "second" || !c3.LastMessageAt.Equal(at(time.Minute)) {
		t.Errorf("preview = %q at %v, want the newest message", c3.LastMessagePreview, c3.LastMessageAt)
	}
	// The late message does not move its conversation ahead of newer activity.
	if diff := cmp.Diff([]string{"c2", "c3", "c1"}, convIDs(in.List())); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSeenIDsBound(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{convs: testConversations()})
	in.config.SeenIDs = 2
	in.Load(context.Background())

	for _, id := range []ID{"1", "2", "3", "1"} {
		conn.push(EventMessageReceived, Message{ID: id, ConversationID: "c1", SenderID: "bob", Text: "x", CreatedAt: at(time.Minute)})
	}
	// "1" was forgotten once "3" arrived, so its redelivery counts again.
	if c1, _ := in.Get("c1"); c1.UnreadCount != 4 {
		t.Errorf("unread = %d, want 4", c1.UnreadCount)
	}
}

func TestInbox_OverlayNewConversation(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{convs: testConversations()})
	in.Load(context.Background())

	conn.push(EventMessageReceived, Message{ID: "1", ConversationID: "c9", SenderID: "dave", Text: "hi", CreatedAt: at(0)})

	list := in.List()
	if len(list) != 4 || list[0].ID != "c9" || list[0].UnreadCount != 1 {
		t.Errorf("list = %+v", list)
	}
	if diff := cmp.Diff([]string{"dave", "me"}, list[0].ParticipantIDs); diff != "" {
		t.Errorf("participants (-want +got):\n%s", diff)
	}
}

func TestInbox_StartConversation(t *testing.T) {
	api := &fakeAPI{
		convs: testConversations(),
		started: map[string]Conversation{
			"erin":  {ID: "c4", ParticipantIDs: []string{"me", "erin"}},
			"alice": {ID: "c2", ParticipantIDs: []string{"me", "alice"}},
		},
	}
	in, _, _ := newTestInbox(t, api)
	ctx := context.Background()
	in.Load(ctx)

	conv, err := in.StartConversation(ctx, "erin")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c4" {
		t.Errorf("conversation = %+v", conv)
	}
	if _, err := in.StartConversation(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c2", "c4", "c1", "c3"}, convIDs(in.List())); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if _, err := in.StartConversation(ctx, "nobody"); err == nil {
		t.Error("expected error for unknown user")
	}
}

// ============================================================================
// ConversationView
// ============================================================================

func TestInbox_Open(t *testing.T) {
	api := &fakeAPI{
		convs: testConversations(),
		history: map[string][]Message{
			"c1": {
				{ID: "1", ConversationID: "c1", SenderID: "bob", Text: "one", CreatedAt: at(1 * time.Minute)},
				{ID: "2", ConversationID: "c1", SenderID: "bob", Text: "two", CreatedAt: at(3 * time.Minute)},
			},
		},
	}
	in, conn, clock := newTestInbox(t, api)
	ctx := context.Background()
	in.Load(ctx)
	conn.push(EventMessageReceived, Message{ID: "0", ConversationID: "c1", SenderID: "bob", Text: "zero"})
	if c1, _ := in.Get("c1"); c1.UnreadCount != 1 {
		t.Fatalf("unread before open = %d", c1.UnreadCount)
	}

	sc := &recordingScroller{}
	view, err := in.Open(ctx, "c1", sc)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Close()

	if got := conn.rec.Named(EventJoinConversation); len(got) != 1 || got[0].Payload != (JoinPayload{ConversationID: "c1"}) {
		t.Errorf("join = %+v", got)
	}
	if c1, _ := in.Get("c1"); c1.UnreadCount != 0 {
		t.Errorf("unread after open = %d", c1.UnreadCount)
	}
	clock.Advance(time.Second)
	if diff := cmp.Diff([]bool{false}, sc.Calls()); diff != "" {
		t.Errorf("initial scroll (-want +got):\n%s", diff)
	}

	// Pushes for this conversation reach the view; others are filtered.
	conn.push(EventMessageReceived, Message{ID: "new", ConversationID: "c1", SenderID: "bob", Text: "mid", CreatedAt: at(2 * time.Minute)})
	conn.push(EventMessageReceived, Message{ID: "x", ConversationID: "c2", SenderID: "alice", Text: "elsewhere", CreatedAt: at(2 * time.Minute)})
	if diff := cmp.Diff([]string{"1", "new", "2"}, ids(view.Store.Messages())); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
	if c1, _ := in.Get("c1"); c1.UnreadCount != 0 {
		t.Errorf("open conversation counted unread: %d", c1.UnreadCount)
	}
	clock.Advance(time.Second)
	if diff := cmp.Diff([]bool{false, true}, sc.Calls()); diff != "" {
		t.Errorf("scrolls (-want +got):\n%s", diff)
	}

	conn.push(EventUserTyping, TypingPayload{ConversationID: "c1", UserID: "bob"})
	conn.push(EventUserTyping, TypingPayload{ConversationID: "c2", UserID: "alice"})
	if diff := cmp.Diff([]string{"bob"}, view.Typing.TypingUsers()); diff != "" {
		t.Errorf("typing (-want +got):\n%s", diff)
	}
	conn.push(EventUserStoppedTyping, TypingPayload{UserID: "bob"})
	if view.Typing.RemoteTyping() {
		t.Error("bob still typing")
	}

	conn.push(EventMessageRead, ReadPayload{MessageID: "new", ConversationID: "c1"})
	if m, _ := view.Store.Get("new"); !m.IsRead {
		t.Error("read receipt not applied")
	}
}

func TestConversationView_SendRoundTrip(t *testing.T) {
	api := &fakeAPI{convs: testConversations()}
	in, conn, clock := newTestInbox(t, api)
	ctx := context.Background()
	in.Load(ctx)

	view, err := in.Open(ctx, "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Close()

	view.Typing.Keystroke(ctx, "hi")
	tempID, err := view.Sender.Send(ctx, "hi")
	if err != nil {
		t.Fatal(err)
	}
	conn.push(EventMessageReceived, Message{ID: "55", TempID: tempID, ConversationID: "c1", SenderID: "me", Text: "hi", CreatedAt: at(0)})

	msgs := view.Store.Messages()
	if len(msgs) != 1 || msgs[0].ID != "55" || msgs[0].State != DeliverySent {
		t.Errorf("log = %+v", msgs)
	}
	want := []string{EventJoinConversation, EventTyping, EventSendMessage, EventStopTyping}
	if diff := cmp.Diff(want, conn.rec.Names()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if c1, _ := in.Get("c1"); c1.LastMessagePreview != "hi" || c1.UnreadCount != 0 {
		t.Errorf("inbox entry = %+v", c1)
	}
	clock.Advance(time.Minute)
	if clock.Pending() != 0 {
		t.Errorf("%d timers still armed", clock.Pending())
	}
}

func TestConversationView_Close(t *testing.T) {
	in, conn, clock := newTestInbox(t, &fakeAPI{convs: testConversations()})
	ctx := context.Background()
	in.Load(ctx)

	view, err := in.Open(ctx, "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	view.Typing.Keystroke(ctx, "typing...")
	view.Sender.Send(ctx, "pending")
	view.Close()
	view.Close()

	if clock.Pending() != 0 {
		t.Errorf("%d timers still armed", clock.Pending())
	}
	n := view.Store.Len()
	conn.push(EventMessageReceived, Message{ID: "late", ConversationID: "c1", SenderID: "bob", Text: "late"})
	if view.Store.Len() != n {
		t.Error("closed view still receives pushes")
	}
	if c1, _ := in.Get("c1"); c1.UnreadCount != 1 {
		t.Errorf("unread after close = %d, want 1", c1.UnreadCount)
	}
}

func TestInbox_OpenHistoryError(t *testing.T) {
	api := &fakeAPI{convs: testConversations()}
	in, conn, _ := newTestInbox(t, api)
	ctx := context.Background()
	in.Load(ctx)
	api.setErr(errors.New("history down"))

	view, err := in.Open(ctx, "c1", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if view == nil {
		t.Fatal("view not returned")
	}
	defer view.Close()

	conn.push(EventMessageReceived, Message{ID: "1", ConversationID: "c1", SenderID: "bob", CreatedAt: at(0)})
	if view.Store.Len() != 1 {
		t.Errorf("view is not live, len = %d", view.Store.Len())
	}
}

func TestInbox_OpenJoinError(t *testing.T) {
	in, conn, _ := newTestInbox(t, &fakeAPI{})
	conn.rec.failWith(ErrNotConnected)
	if _, err := in.Open(context.Background(), "c1", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
