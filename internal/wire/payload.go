package wire

import (
	"time"

	"github.com/velora-app/chatsync/internal/store"
)

// UserRef identifies a user inside a frame payload.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePayload is the wire shape of a message carried by
// message:new and message:delivered frames.
type MessagePayload struct {
	ID             string             `json:"id"`
	LocalID        string             `json:"localId,omitempty"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	SenderName     string             `json:"senderName"`
	Content        string             `json:"content"`
	Type           string             `json:"type"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	Status         string             `json:"status,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	IsEdited       bool               `json:"isEdited,omitempty"`
	Reactions      []store.Reaction   `json:"reactions,omitempty"`
}

// ReceiptPayload is the wire shape of message:read frames. Servers send
// either a full message (id populated) or a bare conversation/message
// id pair.
type ReceiptPayload struct {
	ID             string `json:"id,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TargetID returns whichever message id the receipt carries.
func (r *ReceiptPayload) TargetID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.ID
}

// TypingPayload is the wire shape of conversation:typing frames.
type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	Typing         bool     `json:"typing"`
	User           *UserRef `json:"user,omitempty"`
}

// PresencePayload is the wire shape of presence:update frames.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ToStoreMessage converts a wire payload into the local store shape.
func (p *MessagePayload) ToStoreMessage() *store.Message {
	return &store.Message{
		ConversationID: p.ConversationID,
		MsgID:          p.ID,
		LocalID:        p.LocalID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Body:           p.Content,
		MessageType:    p.Type,
		Attachments:    p.Attachments,
		Status:         p.Status,
		IsEdited:       p.IsEdited,
		Timestamp:      p.Timestamp.UnixMilli(),
	}
}

// MessagePayloadFromStore converts a store message into its wire shape.
func MessagePayloadFromStore(m *store.Message) *MessagePayload {
	return &MessagePayload{
		ID:             m.MsgID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Body,
		Type:           m.MessageType,
		Attachments:    m.Attachments,
		Status:         m.Status,
		Timestamp:      time.UnixMilli(m.Timestamp).UTC(),
		IsEdited:       m.IsEdited,
	}
}
