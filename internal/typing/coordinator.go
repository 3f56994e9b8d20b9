package typing

import (
	"sync"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/zap"
)

// FrameSender is the outbound side of the connection manager.
type FrameSender interface {
	Send(f *wire.Frame) error
}

// User is one participant currently typing in a conversation.
type User struct {
	UserID    string
	UserName  string
	Timestamp time.Time
}

// Coordinator tracks per-conversation typing indicators. Local typing
// emits conversation:typing frames with an auto-stop timer; remote
// indicators expire after the TTL even if no explicit stop frame ever
// arrives.
type Coordinator struct {
	sender FrameSender
	sched  *Scheduler
	bus    *bus.Bus
	logger *zap.Logger
	ttl    time.Duration
	self   wire.UserRef

	mu      sync.Mutex
	entries map[string][]User
}

// NewCoordinator creates a typing coordinator for the local user
// identified by self.
func NewCoordinator(sender FrameSender, sched *Scheduler, b *bus.Bus, logger *zap.Logger, ttl time.Duration, self wire.UserRef) *Coordinator {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Coordinator{
		sender:  sender,
		sched:   sched,
		bus:     b,
		logger:  logger,
		ttl:     ttl,
		self:    self,
		entries: make(map[string][]User),
	}
}

// StartTyping emits a typing-start frame and arms the auto-stop timer.
// Calling it again refreshes the timer.
func (c *Coordinator) StartTyping(conversationID string) {
	c.sched.Arm("out:"+conversationID, c.ttl, func() {
		c.StopTyping(conversationID)
	})
	c.emit(conversationID, true)
}

// StopTyping cancels the auto-stop timer and emits a typing-stop frame.
// Safe to call when not currently typing.
func (c *Coordinator) StopTyping(conversationID string) {
	c.sched.Cancel("out:" + conversationID)
	c.emit(conversationID, false)
}

func (c *Coordinator) emit(conversationID string, typing bool) {
	f, err := wire.NewFrame(wire.FrameTyping, &wire.TypingPayload{
		ConversationID: conversationID,
		Typing:         typing,
		User:           &c.self,
	})
	if err != nil {
		c.logger.Error("failed to build typing frame", zap.Error(err))
		return
	}
	if err := c.sender.Send(f); err != nil {
		c.logger.Debug("typing frame not sent", zap.Error(err), zap.Bool("typing", typing))
	}
}

// ApplyRemote processes an inbound conversation:typing frame.
func (c *Coordinator) ApplyRemote(p *wire.TypingPayload) {
	if p.User == nil || p.User.ID == "" {
		c.logger.Debug("dropping typing frame without user",
			zap.String("conversation_id", p.ConversationID))
		return
	}

	if p.Typing {
		c.addEntry(p.ConversationID, p.User)
		// Defensive expiry: the entry dies after the TTL even if the
		// explicit stop frame is lost.
		c.sched.Arm("in:"+p.ConversationID+"/"+p.User.ID, c.ttl, func() {
			c.removeEntry(p.ConversationID, p.User.ID)
		})
	} else {
		c.sched.Cancel("in:" + p.ConversationID + "/" + p.User.ID)
		c.removeEntry(p.ConversationID, p.User.ID)
	}
}

func (c *Coordinator) addEntry(conversationID string, user *wire.UserRef) {
	c.mu.Lock()
	entries := c.entries[conversationID]
	found := false
	for i := range entries {
		if entries[i].UserID == user.ID {
			// Refresh replaces rather than duplicates.
			entries[i].Timestamp = time.Now()
			entries[i].UserName = user.Name
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, User{UserID: user.ID, UserName: user.Name, Timestamp: time.Now()})
	}
	c.entries[conversationID] = entries
	c.mu.Unlock()

	c.publish(conversationID)
}

func (c *Coordinator) removeEntry(conversationID, userID string) {
	c.mu.Lock()
	entries := c.entries[conversationID]
	next := entries[:0]
	for _, e := range entries {
		if e.UserID != userID {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(c.entries, conversationID)
	} else {
		c.entries[conversationID] = next
	}
	c.mu.Unlock()

	c.publish(conversationID)
}

// TypingUsers returns a copy of the current typing users for a
// conversation.
func (c *Coordinator) TypingUsers(conversationID string) []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]User(nil), c.entries[conversationID]...)
}

func (c *Coordinator) publish(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload: Change{
			ConversationID: conversationID,
			Users:          c.TypingUsers(conversationID),
		},
	})
}

// Stop cancels all armed timers. Called on shutdown.
func (c *Coordinator) Stop() {
	c.sched.Stop()
}

// Change is the payload for typing.changed events.
type Change struct {
	ConversationID string
	Users          []User
}
