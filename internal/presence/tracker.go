package presence

import (
	"sync"
	"time"

	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/store"
	"go.uber.org/zap"
)

// Known presence statuses as reported by the server.
const (
	Online  = "online"
	Away    = "away"
	Busy    = "busy"
	Offline = "offline"
)

// Tracker is a pure reducer over inbound presence:update frames. It
// keeps the per-user presence map and mirrors updates onto matching
// conversations. It never emits outbound frames.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	statuses map[string]string
}

// NewTracker creates a presence tracker.
func NewTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:       db,
		bus:      b,
		logger:   logger,
		statuses: make(map[string]string),
	}
}

// Apply records a presence update for a user and mirrors it onto every
// conversation whose participant matches.
func (t *Tracker) Apply(userID, presenceStatus string) {
	switch presenceStatus {
	case Online, Away, Busy, Offline:
	default:
		t.logger.Warn("dropping unknown presence status",
			zap.String("user_id", userID), zap.String("status", presenceStatus))
		return
	}

	t.mu.Lock()
	t.statuses[userID] = presenceStatus
	t.mu.Unlock()

	if err := t.db.SetOnlineStatus(userID, presenceStatus); err != nil {
		t.logger.Error("failed to mirror presence onto conversations",
			zap.Error(err), zap.String("user_id", userID))
	}

	t.bus.Publish(bus.Event{
		Kind:      "presence.updated",
		Timestamp: time.Now(),
		Payload:   Update{UserID: userID, Status: presenceStatus},
	})
}

// Status returns the last reported status for a user, defaulting to
// offline for users never seen.
func (t *Tracker) Status(userID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return Offline
}

// Update is the payload for presence.updated events.
type Update struct {
	UserID string
	Status string
}
