package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/store"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// MessageService implements message operations for the UI layer. Sends
// go through the outbox; everything else mutates the store directly.
type MessageService struct {
	db     *store.DB
	conn   FrameSender
	bus    *bus.Bus
	logger *zap.Logger
	self   wire.UserRef
}

// NewMessageService creates a message service acting as the local user
// self.
func NewMessageService(db *store.DB, conn FrameSender, b *bus.Bus, logger *zap.Logger, self wire.UserRef) *MessageService {
	return &MessageService{db: db, conn: conn, bus: b, logger: logger, self: self}
}

// List returns messages for a conversation, newest first. beforeTs
// pages backwards through history; zero means from the top.
func (s *MessageService) List(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListMessages(conversationID, beforeTs, limit)
}

// Send queues a message for delivery and returns its client-generated
// local id. The outbox sender picks it up, inserts the optimistic
// entry and performs the repository round-trip.
func (s *MessageService) Send(conversationID, body, messageType string, attachments []store.Attachment) (string, error) {
	if messageType == "" {
		messageType = "text"
	}

	var encoded string
	if len(attachments) > 0 {
		raw, err := json.Marshal(attachments)
		if err != nil {
			return "", fmt.Errorf("encode attachments: %w", err)
		}
		encoded = string(raw)
	}

	clientMsgID := uuid.New().String()
	entry := &store.OutboxEntry{
		ClientMsgID:    clientMsgID,
		ConversationID: conversationID,
		Body:           body,
		MessageType:    messageType,
		Attachments:    encoded,
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	s.logger.Debug("message queued",
		zap.String("client_msg_id", clientMsgID),
		zap.String("conversation_id", conversationID))
	return clientMsgID, nil
}

// Edit replaces a message body and marks it edited. A missing id is a
// no-op.
func (s *MessageService) Edit(msgID, body string) error {
	if err := s.db.EditMessage(msgID, body, time.Now().UnixMilli()); err != nil {
		return err
	}
	s.publish("message.edited", map[string]string{"msg_id": msgID})
	return nil
}

// Delete removes a message and its reactions.
func (s *MessageService) Delete(msgID string) error {
	if err := s.db.DeleteMessage(msgID); err != nil {
		return err
	}
	s.publish("message.deleted", map[string]string{"msg_id": msgID})
	return nil
}

// React toggles the local user's reaction on a message: an existing
// reaction by this user (any emoji) is removed, otherwise the emoji is
// added. Returns true when the reaction was added.
func (s *MessageService) React(msgID, emoji string) (bool, error) {
	added, err := s.db.ToggleReaction(&store.Reaction{
		MsgID:     msgID,
		Emoji:     emoji,
		UserID:    s.self.ID,
		UserName:  s.self.Name,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	s.publish("message.reacted", map[string]string{"msg_id": msgID, "emoji": emoji})
	return added, nil
}

// MarkAsRead marks the given message and everything earlier in the
// conversation as read, resets the unread counter and notifies the
// server. Idempotent; unknown ids are a no-op.
func (s *MessageService) MarkAsRead(conversationID, msgID string) error {
	if err := s.db.MarkReadUpTo(conversationID, msgID); err != nil {
		return err
	}

	// Best effort: a down connection does not undo the local read state.
	f, err := wire.NewFrame(wire.FrameMessageRead, &wire.ReceiptPayload{
		MessageID:      msgID,
		ConversationID: conversationID,
	})
	if err == nil {
		if err := s.conn.Send(f); err != nil {
			s.logger.Debug("read receipt not sent", zap.Error(err), zap.String("msg_id", msgID))
		}
	}

	s.publish("conversation.updated", map[string]string{
		"conversation_id": conversationID,
		"change":          "read",
	})
	return nil
}

func (s *MessageService) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
