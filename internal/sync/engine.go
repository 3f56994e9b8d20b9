package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/presence"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/typing"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Engine routes inbound frames to the store, the presence tracker and
// the typing coordinator. It subscribes to "conn.frame." events on the
// bus and processes them on a single goroutine, so no two mutations of
// the same conversation's log ever race.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	presence   *presence.Tracker
	typing     *typing.Coordinator
	reconciler *Reconciler
	logger     *zap.Logger
	selfID     string
	cancel     context.CancelFunc
}

// NewEngine creates a new sync engine for the local user selfID.
func NewEngine(db *store.DB, b *bus.Bus, tracker *presence.Tracker, coordinator *typing.Coordinator, logger *zap.Logger, selfID string) *Engine {
	return &Engine{
		db:         db,
		bus:        b,
		presence:   tracker,
		typing:     coordinator,
		reconciler: NewReconciler(db, b, logger),
		logger:     logger,
		selfID:     selfID,
	}
}

// Start subscribes to inbound connection frames on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("conn.frame.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	f, ok := evt.Payload.(*wire.Frame)
	if !ok {
		return
	}

	switch f.Type {
	case wire.FrameMessageNew:
		var p wire.MessagePayload
		if err := f.DecodePayload(&p); err != nil {
			e.logger.Warn("dropping message:new frame", zap.Error(err))
			return
		}
		if err := e.IngestMessage(&p); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", p.ID))
		}
	case wire.FrameMessageDelivered:
		e.reconciler.Apply(f, store.StatusDelivered)
	case wire.FrameMessageRead:
		e.reconciler.Apply(f, store.StatusRead)
	case wire.FrameTyping:
		var p wire.TypingPayload
		if err := f.DecodePayload(&p); err != nil {
			e.logger.Warn("dropping typing frame", zap.Error(err))
			return
		}
		e.typing.ApplyRemote(&p)
	case wire.FramePresenceUpdate:
		var p wire.PresencePayload
		if err := f.DecodePayload(&p); err != nil {
			e.logger.Warn("dropping presence frame", zap.Error(err))
			return
		}
		e.presence.Apply(p.UserID, p.Status)
	default:
		// Forward compatibility: unknown types are not an error.
		e.logger.Debug("dropping unknown frame type", zap.String("type", f.Type))
	}
}

// IngestMessage processes one inbound message into the store
// (idempotent). An echo of a locally-originated send reconciles the
// optimistic entry in place instead of inserting a second row.
func (e *Engine) IngestMessage(p *wire.MessagePayload) error {
	msg := p.ToStoreMessage()
	if msg.Status == "" {
		msg.Status = store.StatusSent
	}
	msg.FromMe = msg.SenderID == e.selfID

	if msg.LocalID != "" {
		replaced, err := e.db.ReplaceLocalMessage(msg.LocalID, msg)
		if err != nil {
			return fmt.Errorf("reconcile echoed send: %w", err)
		}
		if replaced {
			e.publishUpserted(msg)
			return nil
		}
	}

	existing, err := e.db.GetMessage(msg.MsgID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	conv := &store.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: truncate(msg.Body, 100),
	}
	if !msg.FromMe {
		conv.ParticipantID = msg.SenderID
		conv.ParticipantName = msg.SenderName
	}
	if err := e.db.UpsertConversation(conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	// Unread only moves for a first-seen message from the other party.
	if existing == nil && !msg.FromMe {
		if err := e.db.IncrementUnread(msg.ConversationID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}

	e.publishUpserted(msg)
	return nil
}

func (e *Engine) publishUpserted(msg *store.Message) {
	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.MsgID,
		},
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
