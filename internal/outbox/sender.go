package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrSendFailed marks a rejected persistence round-trip. The failed
// entry stays in the log; retry means a new send with a new local id.
var ErrSendFailed = errors.New("send failed")

// MessageRepository is the persistence layer the engine treats as the
// source of truth for server-confirmed message ids.
type MessageRepository interface {
	SendMessage(ctx context.Context, conversationID, body, messageType string, attachments []store.Attachment) (*store.Message, error)
}

// FrameSender forwards confirmed messages over the connection.
type FrameSender interface {
	Send(f *wire.Frame) error
}

// Sender drains the outbox: optimistic insert, repository round-trip,
// in-place reconciliation, frame forwarding.
type Sender struct {
	db     *store.DB
	repo   MessageRepository
	conn   FrameSender
	bus    *bus.Bus
	logger *zap.Logger
	self   wire.UserRef
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender for the local user self.
func NewSender(db *store.DB, repo MessageRepository, conn FrameSender, b *bus.Bus, logger *zap.Logger, self wire.UserRef) *Sender {
	return &Sender{
		db:     db,
		repo:   repo,
		conn:   conn,
		bus:    b,
		logger: logger,
		self:   self,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.processEntry(ctx, entry); err != nil {
			s.logger.Error("outbox entry not sent",
				zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
	}
}

func (s *Sender) processEntry(ctx context.Context, entry store.OutboxEntry) error {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}

	var attachments []store.Attachment
	if entry.Attachments != "" {
		_ = json.Unmarshal([]byte(entry.Attachments), &attachments)
	}

	// Optimistic insert: the message renders immediately with status
	// "sending", at the log position it will keep after the ack.
	now := time.Now().UnixMilli()
	optimistic := &store.Message{
		ConversationID: entry.ConversationID,
		MsgID:          entry.ClientMsgID,
		LocalID:        entry.ClientMsgID,
		SenderID:       s.self.ID,
		SenderName:     s.self.Name,
		Body:           entry.Body,
		MessageType:    entry.MessageType,
		Attachments:    attachments,
		Status:         store.StatusSending,
		FromMe:         true,
		Timestamp:      now,
	}
	if err := s.db.UpsertMessage(optimistic); err != nil {
		return fmt.Errorf("optimistic insert: %w", err)
	}
	s.publish("message.upserted", map[string]string{
		"conversation_id": entry.ConversationID,
		"msg_id":          entry.ClientMsgID,
	})

	confirmed, err := s.repo.SendMessage(ctx, entry.ConversationID, entry.Body, entry.MessageType, attachments)
	if err != nil {
		sendErr := fmt.Errorf("%w: %v", ErrSendFailed, err)
		_ = s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error())
		// The entry stays in place, terminal but user-retryable as a
		// fresh send.
		if _, err := s.db.UpdateMessageStatus(entry.ClientMsgID, store.StatusFailed); err != nil {
			s.logger.Error("failed to mark message failed", zap.Error(err))
		}
		s.publish("message.send_failed", map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"error":         sendErr.Error(),
		})
		return sendErr
	}

	// Reconcile: the temp entry is replaced in place by the confirmed
	// copy, never re-appended.
	confirmed.Status = store.StatusSent
	replaced, err := s.db.ReplaceLocalMessage(entry.ClientMsgID, confirmed)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if !replaced {
		// The optimistic entry vanished (user deleted it mid-send).
		s.logger.Warn("no local entry to reconcile", zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, confirmed.MsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	_ = s.db.TouchLastMessage(entry.ConversationID, confirmed.Timestamp, truncate(entry.Body, 100))

	// Forward the confirmed message over the connection. A down
	// connection is not an error here: the server already persisted it.
	frame, err := wire.NewFrame(wire.FrameMessageNew, wire.MessagePayloadFromStore(confirmed))
	if err == nil {
		if err := s.conn.Send(frame); err != nil {
			s.logger.Debug("confirmed message not forwarded", zap.Error(err))
		}
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", confirmed.MsgID))
	s.publish("message.send_ack", map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"server_msg_id": confirmed.MsgID,
	})
	return nil
}

func (s *Sender) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
