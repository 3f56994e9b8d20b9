package api

import (
	"context"
	"time"

	"github.com/velora-app/chatsync/internal/cache"
	"github.com/velora-app/chatsync/internal/status"
	"go.uber.org/zap"
)

// RoleSource fetches the local user's marketplace role from the HTTP
// API. Lookups are cached with a TTL because the role gates most UI
// surfaces and changes rarely.
type RoleSource interface {
	FetchRole(ctx context.Context) (string, error)
}

// SessionStatus is a snapshot of the daemon for the UI.
type SessionStatus struct {
	Profile  string
	State    status.State
	UptimeMs int64
}

// SessionService reports daemon identity and connection state.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	roles     RoleSource
	roleCache *cache.Entry[string]
	logger    *zap.Logger
}

// NewSessionService creates a session service. roleTTL bounds how long
// a fetched role is served from cache.
func NewSessionService(profile string, machine *status.Machine, roles RoleSource, clock cache.Clock, roleTTL time.Duration, logger *zap.Logger) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		roles:     roles,
		roleCache: cache.NewEntry[string](clock, roleTTL),
		logger:    logger,
	}
}

// Status returns the current session snapshot.
func (s *SessionService) Status() SessionStatus {
	return SessionStatus{
		Profile:  s.profile,
		State:    s.machine.Current(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
}

// Role returns the local user's role, served from cache when fresh.
func (s *SessionService) Role(ctx context.Context) (string, error) {
	if role, ok := s.roleCache.Get(); ok {
		return role, nil
	}

	role, err := s.roles.FetchRole(ctx)
	if err != nil {
		return "", err
	}
	s.roleCache.Set(role)
	s.logger.Debug("role refreshed", zap.String("role", role))
	return role, nil
}

// InvalidateRole drops the cached role, forcing the next Role call to
// hit the source.
func (s *SessionService) InvalidateRole() {
	s.roleCache.Invalidate()
}
