package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/presence"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/typing"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

type nopSender struct{}

func (nopSender) Send(*wire.Frame) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	logger := zap.NewNop()
	self := wire.UserRef{ID: "me", Name: "Me"}
	tracker := presence.NewTracker(db, b, logger)
	coordinator := typing.NewCoordinator(nopSender{}, typing.NewScheduler(), b, logger, time.Second, self)
	t.Cleanup(coordinator.Stop)

	return NewEngine(db, b, tracker, coordinator, logger, "me"), db, b
}

func messageFrame(t *testing.T, p *wire.MessagePayload) *wire.Frame {
	t.Helper()
	f, err := wire.NewFrame(wire.FrameMessageNew, p)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestIngestMessageCreatesConversation(t *testing.T) {
	e, db, _ := newTestEngine(t)

	e.handleEvent(bus.Event{Kind: "conn.frame.message:new", Payload: messageFrame(t, &wire.MessagePayload{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "peer",
		SenderName:     "Peer",
		Content:        "hello there",
		Timestamp:      time.UnixMilli(2000),
	})})

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("conversation not created by inbound message")
	}
	if c.ParticipantID != "peer" {
		t.Errorf("ParticipantID = %q, want peer", c.ParticipantID)
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	if c.LastMessagePreview != "hello there" {
		t.Errorf("LastMessagePreview = %q", c.LastMessagePreview)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not stored")
	}
	if m.FromMe {
		t.Error("FromMe = true for a peer message")
	}
	if m.Status != store.StatusSent {
		t.Errorf("Status = %q, want sent", m.Status)
	}
}

func TestIngestMessageIdempotentUnread(t *testing.T) {
	e, db, _ := newTestEngine(t)

	p := &wire.MessagePayload{ID: "m1", ConversationID: "c1", SenderID: "peer", Content: "hi", Timestamp: time.UnixMilli(1000)}
	e.handleEvent(bus.Event{Kind: "conn.frame.message:new", Payload: messageFrame(t, p)})
	e.handleEvent(bus.Event{Kind: "conn.frame.message:new", Payload: messageFrame(t, p)})

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d after duplicate delivery, want 1", c.UnreadCount)
	}
}

func TestIngestOwnEchoReconcilesInPlace(t *testing.T) {
	e, db, _ := newTestEngine(t)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "peer"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "local-1", LocalID: "local-1",
		SenderID: "me", Body: "draft", Status: store.StatusSending, FromMe: true, Timestamp: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	before, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}

	e.handleEvent(bus.Event{Kind: "conn.frame.message:new", Payload: messageFrame(t, &wire.MessagePayload{
		ID: "srv-1", LocalID: "local-1", ConversationID: "c1",
		SenderID: "me", Content: "draft", Status: store.StatusSent, Timestamp: time.UnixMilli(1000),
	})})

	after, err := db.GetMessage("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if after == nil {
		t.Fatal("echoed send not reconciled to server id")
	}
	if after.RowID != before.RowID {
		t.Errorf("RowID changed %d -> %d, reconcile must reuse the row", before.RowID, after.RowID)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after echo, want 1", len(msgs))
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d for own echo, want 0", c.UnreadCount)
	}
}

func TestReceiptAdvancesStatus(t *testing.T) {
	e, db, _ := newTestEngine(t)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "peer"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "m1", SenderID: "me",
		Status: store.StatusSent, FromMe: true, Timestamp: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	f, err := wire.NewFrame(wire.FrameMessageDelivered, &wire.ReceiptPayload{MessageID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	e.handleEvent(bus.Event{Kind: "conn.frame.message:delivered", Payload: f})

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusDelivered {
		t.Errorf("Status = %q, want delivered", m.Status)
	}

	f, err = wire.NewFrame(wire.FrameMessageRead, &wire.ReceiptPayload{ID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	e.handleEvent(bus.Event{Kind: "conn.frame.message:read", Payload: f})

	m, err = db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Errorf("Status = %q, want read", m.Status)
	}
}

func TestReceiptForUnknownMessageIsNoOp(t *testing.T) {
	e, _, _ := newTestEngine(t)

	f, err := wire.NewFrame(wire.FrameMessageRead, &wire.ReceiptPayload{MessageID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	// Must not panic or error loudly.
	e.handleEvent(bus.Event{Kind: "conn.frame.message:read", Payload: f})
}

func TestPresenceFrameRouted(t *testing.T) {
	e, db, _ := newTestEngine(t)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "peer"}); err != nil {
		t.Fatal(err)
	}

	f, err := wire.NewFrame(wire.FramePresenceUpdate, &wire.PresencePayload{UserID: "peer", Status: presence.Away})
	if err != nil {
		t.Fatal(err)
	}
	e.handleEvent(bus.Event{Kind: "conn.frame.presence:update", Payload: f})

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.OnlineStatus != presence.Away {
		t.Errorf("OnlineStatus = %q, want away", c.OnlineStatus)
	}
}

func TestTypingFrameRouted(t *testing.T) {
	e, _, _ := newTestEngine(t)

	f, err := wire.NewFrame(wire.FrameTyping, &wire.TypingPayload{
		ConversationID: "c1",
		Typing:         true,
		User:           &wire.UserRef{ID: "peer", Name: "Peer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.handleEvent(bus.Event{Kind: "conn.frame.conversation:typing", Payload: f})

	users := e.typing.TypingUsers("c1")
	if len(users) != 1 || users[0].UserID != "peer" {
		t.Errorf("TypingUsers = %v, want one entry for peer", users)
	}
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	e, _, _ := newTestEngine(t)

	f, err := wire.NewFrame("message:reaction", map[string]string{"id": "m1"})
	if err != nil {
		t.Fatal(err)
	}
	e.handleEvent(bus.Event{Kind: "conn.frame.message:reaction", Payload: f})
}

func TestMalformedPayloadDropped(t *testing.T) {
	e, db, _ := newTestEngine(t)

	f := &wire.Frame{Type: wire.FrameMessageNew, Payload: []byte(`"not an object"`)}
	e.handleEvent(bus.Event{Kind: "conn.frame.message:new", Payload: f})

	convs, err := db.ListConversations(false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("got %d conversations from malformed frame, want 0", len(convs))
	}
}

func TestEngineConsumesBusFrames(t *testing.T) {
	e, _, b := newTestEngine(t)

	e.Start(context.Background())
	defer e.Stop()

	upserts, unsub := b.Subscribe("message.upserted", 8)
	defer unsub()

	b.Publish(bus.Event{
		Kind:      "conn.frame.message:new",
		Timestamp: time.Now(),
		Payload: messageFrame(t, &wire.MessagePayload{
			ID: "m1", ConversationID: "c1", SenderID: "peer",
			Content: "hi", Timestamp: time.UnixMilli(1000),
		}),
	})

	select {
	case evt := <-upserts:
		p, ok := evt.Payload.(map[string]string)
		if !ok || p["msg_id"] != "m1" {
			t.Errorf("unexpected upsert payload %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message.upserted")
	}
}
