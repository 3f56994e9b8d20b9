package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/cache"
	"github.com/velora-app/chatsync/internal/status"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

type mockConn struct {
	frames []*wire.Frame
	err    error
}

func (m *mockConn) Send(f *wire.Frame) error {
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, f)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConversationGetNotFound(t *testing.T) {
	svc := NewConversationService(testDB(t), bus.New(), zap.NewNop())

	_, err := svc.Get("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(ghost) err = %v, want ErrNotFound", err)
	}
}

func TestConversationMuteForMinutes(t *testing.T) {
	db := testDB(t)
	svc := NewConversationService(db, bus.New(), zap.NewNop())
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	if err := svc.Mute("c1", 30); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsMuted {
		t.Fatal("IsMuted = false after Mute")
	}
	want := before.Add(30 * time.Minute).UnixMilli()
	if c.MutedUntil < want || c.MutedUntil > want+int64(time.Minute/time.Millisecond) {
		t.Errorf("MutedUntil = %d, want about %d", c.MutedUntil, want)
	}

	if err := svc.Unmute("c1"); err != nil {
		t.Fatal(err)
	}
	c, err = db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.IsMuted || c.MutedUntil != 0 {
		t.Errorf("after Unmute: IsMuted=%v MutedUntil=%d, want false/0", c.IsMuted, c.MutedUntil)
	}
}

func TestConversationMuteIndefinitely(t *testing.T) {
	db := testDB(t)
	svc := NewConversationService(db, bus.New(), zap.NewNop())
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Mute("c1", 0); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsMuted || c.MutedUntil != 0 {
		t.Errorf("indefinite mute: IsMuted=%v MutedUntil=%d, want true/0", c.IsMuted, c.MutedUntil)
	}
}

func TestConversationMutationPublishesUpdate(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	svc := NewConversationService(db, b, zap.NewNop())
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("conversation.", 8)
	defer unsub()

	if err := svc.SetPinned("c1", true); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		p := evt.Payload.(map[string]string)
		if p["conversation_id"] != "c1" || p["change"] != "pinned" {
			t.Errorf("unexpected event payload %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.updated event")
	}
}

func TestSendQueuesOutbox(t *testing.T) {
	db := testDB(t)
	svc := NewMessageService(db, &mockConn{}, bus.New(), zap.NewNop(), wire.UserRef{ID: "me"})

	id, err := svc.Send("c1", "hello", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("Send returned empty client msg id")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending entries, want 1", len(pending))
	}
	if pending[0].ClientMsgID != id || pending[0].Body != "hello" {
		t.Errorf("queued entry = %+v", pending[0])
	}
	if pending[0].MessageType != "text" {
		t.Errorf("MessageType = %q, want text default", pending[0].MessageType)
	}
}

func TestSendsGetDistinctLocalIDs(t *testing.T) {
	db := testDB(t)
	svc := NewMessageService(db, &mockConn{}, bus.New(), zap.NewNop(), wire.UserRef{ID: "me"})

	id1, err := svc.Send("c1", "one", "text", nil)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := svc.Send("c1", "two", "text", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Errorf("two sends shared local id %q", id1)
	}
}

func TestReactToggle(t *testing.T) {
	db := testDB(t)
	svc := NewMessageService(db, &mockConn{}, bus.New(), zap.NewNop(), wire.UserRef{ID: "me", Name: "Me"})
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "u1", Timestamp: 1000, Status: store.StatusSent}); err != nil {
		t.Fatal(err)
	}

	added, err := svc.React("m1", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first React = removed, want added")
	}

	// Same user reacting again removes, even with a different emoji.
	added, err = svc.React("m1", "❤️")
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second React = added, want removed")
	}

	reactions, err := db.ListReactions("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(reactions) != 0 {
		t.Errorf("got %d reactions after toggle off, want 0", len(reactions))
	}
}

func TestMarkAsReadEmitsReceipt(t *testing.T) {
	db := testDB(t)
	conn := &mockConn{}
	svc := NewMessageService(db, conn, bus.New(), zap.NewNop(), wire.UserRef{ID: "me"})

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&store.Message{
			ConversationID: "c1", MsgID: id, SenderID: "u1",
			Status: store.StatusDelivered, Timestamp: int64(1000 * (i + 1)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.IncrementUnread("c1"); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkAsRead("c1", "m2"); err != nil {
		t.Fatal(err)
	}

	for id, want := range map[string]string{"m1": store.StatusRead, "m2": store.StatusRead, "m3": store.StatusDelivered} {
		m, err := db.GetMessage(id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != want {
			t.Errorf("%s status = %q, want %q", id, m.Status, want)
		}
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}

	if len(conn.frames) != 1 {
		t.Fatalf("got %d frames, want 1 read receipt", len(conn.frames))
	}
	if conn.frames[0].Type != wire.FrameMessageRead {
		t.Errorf("frame type = %q, want message:read", conn.frames[0].Type)
	}
	var p wire.ReceiptPayload
	if err := conn.frames[0].DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.MessageID != "m2" || p.ConversationID != "c1" {
		t.Errorf("receipt payload = %+v", p)
	}
}

func TestMarkAsReadSurvivesDownConnection(t *testing.T) {
	db := testDB(t)
	conn := &mockConn{err: errors.New("not connected")}
	svc := NewMessageService(db, conn, bus.New(), zap.NewNop(), wire.UserRef{ID: "me"})

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", ParticipantID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{ConversationID: "c1", MsgID: "m1", SenderID: "u1", Status: store.StatusDelivered, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkAsRead("c1", "m1"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Errorf("local read state lost on send failure: status = %q", m.Status)
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeRoleSource struct {
	role  string
	err   error
	calls int
}

func (f *fakeRoleSource) FetchRole(context.Context) (string, error) {
	f.calls++
	return f.role, f.err
}

func TestRoleServedFromCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	source := &fakeRoleSource{role: "seller"}
	svc := NewSessionService("main", status.NewMachine(bus.New()), source, clock, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		role, err := svc.Role(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if role != "seller" {
			t.Errorf("Role = %q, want seller", role)
		}
	}
	if source.calls != 1 {
		t.Errorf("source fetched %d times within ttl, want 1", source.calls)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if _, err := svc.Role(context.Background()); err != nil {
		t.Fatal(err)
	}
	if source.calls != 2 {
		t.Errorf("source fetched %d times after expiry, want 2", source.calls)
	}
}

func TestRoleFetchErrorNotCached(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	source := &fakeRoleSource{err: errors.New("api down")}
	svc := NewSessionService("main", status.NewMachine(bus.New()), source, clock, time.Minute, zap.NewNop())

	if _, err := svc.Role(context.Background()); err == nil {
		t.Fatal("Role returned nil error with failing source")
	}

	source.err = nil
	source.role = "buyer"
	role, err := svc.Role(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if role != "buyer" {
		t.Errorf("Role = %q after recovery, want buyer", role)
	}
}

func TestSessionStatusSnapshot(t *testing.T) {
	machine := status.NewMachine(bus.New())
	svc := NewSessionService("work", machine, &fakeRoleSource{}, cache.SystemClock{}, time.Minute, zap.NewNop())

	snap := svc.Status()
	if snap.Profile != "work" {
		t.Errorf("Profile = %q, want work", snap.Profile)
	}
	if snap.State != status.Disconnected {
		t.Errorf("State = %q, want disconnected", snap.State)
	}
}

func TestWatchDeliversEnvelopes(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := Watch(ctx, b, "message.", 8)

	b.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: "p"})

	select {
	case env := <-out:
		if env.Kind != "message.upserted" {
			t.Errorf("Kind = %q", env.Kind)
		}
		if env.EventID == "" {
			t.Error("EventID empty")
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Error("channel still open after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
