package api

import (
	"fmt"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/store"
	"go.uber.org/zap"
)

// ConversationService implements the conversation directory:
// list/get plus the local-only flag transitions (pin, archive, mute,
// block). Flag transitions never touch the network.
type ConversationService struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewConversationService creates a conversation service backed by the
// store.
func NewConversationService(db *store.DB, b *bus.Bus, logger *zap.Logger) *ConversationService {
	return &ConversationService{db: db, bus: b, logger: logger}
}

// List returns conversations ordered pinned-first, then by recency.
// Archived conversations are excluded unless requested.
func (s *ConversationService) List(includeArchived bool, limit, offset int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListConversations(includeArchived, limit, offset)
}

// Get returns one conversation or ErrNotFound.
func (s *ConversationService) Get(id string) (*store.Conversation, error) {
	c, err := s.db.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return c, nil
}

// SetPinned pins or unpins a conversation.
func (s *ConversationService) SetPinned(id string, pinned bool) error {
	if err := s.db.SetPinned(id, pinned); err != nil {
		return err
	}
	s.publishUpdated(id, "pinned")
	return nil
}

// SetArchived archives or unarchives a conversation.
func (s *ConversationService) SetArchived(id string, archived bool) error {
	if err := s.db.SetArchived(id, archived); err != nil {
		return err
	}
	s.publishUpdated(id, "archived")
	return nil
}

// SetBlocked blocks or unblocks the conversation's participant.
func (s *ConversationService) SetBlocked(id string, blocked bool) error {
	if err := s.db.SetBlocked(id, blocked); err != nil {
		return err
	}
	s.publishUpdated(id, "blocked")
	return nil
}

// Mute silences a conversation for the given number of minutes.
// Zero minutes mutes indefinitely.
func (s *ConversationService) Mute(id string, minutes int) error {
	var mutedUntil int64
	if minutes > 0 {
		mutedUntil = time.Now().Add(time.Duration(minutes) * time.Minute).UnixMilli()
	}
	if err := s.db.SetMuted(id, true, mutedUntil); err != nil {
		return err
	}
	s.publishUpdated(id, "muted")
	return nil
}

// Unmute clears the mute flag and any expiry.
func (s *ConversationService) Unmute(id string) error {
	if err := s.db.SetMuted(id, false, 0); err != nil {
		return err
	}
	s.publishUpdated(id, "muted")
	return nil
}

// Delete removes a conversation together with its messages and
// reactions.
func (s *ConversationService) Delete(id string) error {
	if err := s.db.DeleteConversation(id); err != nil {
		return err
	}
	s.publishUpdated(id, "deleted")
	return nil
}

func (s *ConversationService) publishUpdated(id, change string) {
	s.bus.Publish(bus.Event{
		Kind:      "conversation.updated",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": id,
			"change":          change,
		},
	})
}
