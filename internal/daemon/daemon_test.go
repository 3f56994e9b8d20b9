package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/velora-app/chatsync/internal/api"
	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/cache"
	"github.com/velora-app/chatsync/internal/conn"
	"github.com/velora-app/chatsync/internal/lock"
	"github.com/velora-app/chatsync/internal/outbox"
	"github.com/velora-app/chatsync/internal/presence"
	"github.com/velora-app/chatsync/internal/status"
	"github.com/velora-app/chatsync/internal/store"
	intsync "github.com/velora-app/chatsync/internal/sync"
	"github.com/velora-app/chatsync/internal/typing"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

type stubTransport struct {
	in     chan *wire.Frame
	closed chan struct{}
}

func newStubTransport() *stubTransport {
	return &stubTransport{in: make(chan *wire.Frame, 16), closed: make(chan struct{})}
}

func (t *stubTransport) ReadFrame(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stubTransport) WriteFrame(_ context.Context, _ *wire.Frame) error { return nil }

func (t *stubTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

type stubDialer struct {
	transport *stubTransport
}

func (d *stubDialer) Dial(context.Context, string) (conn.Transport, error) {
	return d.transport, nil
}

type stubRepo struct{}

func (stubRepo) SendMessage(_ context.Context, conversationID, body, messageType string, _ []store.Attachment) (*store.Message, error) {
	return &store.Message{
		ConversationID: conversationID,
		MsgID:          "srv-1",
		SenderID:       "me",
		Body:           body,
		MessageType:    messageType,
		Status:         store.StatusSent,
		FromMe:         true,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

type stubRoles struct{}

func (stubRoles) FetchRole(context.Context) (string, error) { return "buyer", nil }

// Wires the full component graph by hand, the same shape as
// registerLifecycle, and drives one message from inbound frame to
// stored row and one send from queue to reconciled ack.
func TestDaemonLifecycle(t *testing.T) {
	dir := t.TempDir()

	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	self := wire.UserRef{ID: "me", Name: "Me"}

	transport := newStubTransport()
	manager := conn.NewManager(conn.Options{
		Endpoint: "ws://test",
		Dialer:   &stubDialer{transport: transport},
		Machine:  machine,
		Bus:      b,
		Logger:   logger,
	})

	tracker := presence.NewTracker(db, b, logger)
	coordinator := typing.NewCoordinator(manager, typing.NewScheduler(), b, logger, time.Second, self)
	engine := intsync.NewEngine(db, b, tracker, coordinator, logger, self.ID)
	sender := outbox.NewSender(db, stubRepo{}, manager, b, logger, self)
	messages := api.NewMessageService(db, manager, b, logger, self)
	sessions := api.NewSessionService("test", machine, stubRoles{}, cache.SystemClock{}, time.Minute, logger)

	engine.Start(context.Background())
	defer engine.Stop()
	sender.Start(context.Background())
	defer sender.Stop()
	defer coordinator.Stop()

	if err := manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer manager.Disconnect()

	if got := sessions.Status().State; got != status.Connected {
		t.Fatalf("session state = %q after connect, want connected", got)
	}

	// Inbound frame flows all the way to a stored conversation.
	f, err := wire.NewFrame(wire.FrameMessageNew, &wire.MessagePayload{
		ID: "m1", ConversationID: "c1", SenderID: "peer", SenderName: "Peer",
		Content: "hi", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	transport.in <- f

	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := db.GetConversation("c1")
		if err != nil {
			t.Fatal(err)
		}
		if c != nil && c.UnreadCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inbound message never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Outbound send drains through the outbox and reconciles.
	acks, unsub := b.Subscribe("message.send_ack", 8)
	defer unsub()

	localID, err := messages.Send("c1", "hello back", "text", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-acks:
	case <-time.After(3 * time.Second):
		t.Fatal("send never acked")
	}

	m, err := db.GetMessage("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("confirmed message not in store")
	}
	if m.LocalID != localID {
		t.Errorf("LocalID = %q, want %q", m.LocalID, localID)
	}
	if m.Status != store.StatusSent {
		t.Errorf("Status = %q, want sent", m.Status)
	}

	role, err := sessions.Role(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if role != "buyer" {
		t.Errorf("Role = %q, want buyer", role)
	}
}

func TestDisconnectLeavesDaemonStopped(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	transport := newStubTransport()
	manager := conn.NewManager(conn.Options{
		Endpoint:      "ws://test",
		Dialer:        &stubDialer{transport: transport},
		Machine:       machine,
		Bus:           b,
		Logger:        zap.NewNop(),
		AutoReconnect: true,
	})

	if err := manager.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	manager.Disconnect()

	if got := machine.Current(); got != status.Disconnected {
		t.Errorf("state = %q after Disconnect, want disconnected", got)
	}

	// Explicit disconnect must not auto-reconnect.
	time.Sleep(50 * time.Millisecond)
	if got := machine.Current(); got != status.Disconnected {
		t.Errorf("state = %q after settling, want disconnected", got)
	}
}
