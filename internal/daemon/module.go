package daemon

import (
	"context"
	"time"

	"github.com/velora-app/chatsync/internal/api"
	"github.com/velora-app/chatsync/internal/bus"
	"github.com/velora-app/chatsync/internal/cache"
	"github.com/velora-app/chatsync/internal/config"
	"github.com/velora-app/chatsync/internal/conn"
	"github.com/velora-app/chatsync/internal/lock"
	"github.com/velora-app/chatsync/internal/logging"
	"github.com/velora-app/chatsync/internal/outbox"
	"github.com/velora-app/chatsync/internal/presence"
	"github.com/velora-app/chatsync/internal/session"
	"github.com/velora-app/chatsync/internal/status"
	"github.com/velora-app/chatsync/internal/store"
	intsync "github.com/velora-app/chatsync/internal/sync"
	"github.com/velora-app/chatsync/internal/typing"
	"github.com/velora-app/chatsync/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const roleCacheTTL = 5 * time.Minute

// Params holds the resolved profile configuration passed to the fx
// module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSelf,
			provideManager,
			provideTracker,
			provideTypingCoordinator,
			provideSyncEngine,
			provideRepository,
			provideSender,
			provideSessionService,
			provideConversationService,
			provideMessageService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSelf(p Params) wire.UserRef {
	return wire.UserRef{ID: p.Config.UserID, Name: p.Config.UserName}
}

func provideManager(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Options{
		Endpoint:          p.Config.Endpoint,
		Dialer:            conn.NewWebsocketDialer(),
		Machine:           machine,
		Bus:               b,
		Logger:            logger,
		AutoReconnect:     p.Config.AutoReconnect,
		ReconnectInterval: p.Config.ReconnectInterval(),
	})
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(db, b, logger)
}

func provideTypingCoordinator(p Params, manager *conn.Manager, b *bus.Bus, logger *zap.Logger, self wire.UserRef) *typing.Coordinator {
	return typing.NewCoordinator(manager, typing.NewScheduler(), b, logger, p.Config.TypingTTL(), self)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, tracker *presence.Tracker, coordinator *typing.Coordinator, logger *zap.Logger, self wire.UserRef) *intsync.Engine {
	return intsync.NewEngine(db, b, tracker, coordinator, logger, self.ID)
}

func provideRepository(p Params) *outbox.HTTPRepository {
	return outbox.NewHTTPRepository(p.Config.APIBaseURL)
}

func provideSender(db *store.DB, repo *outbox.HTTPRepository, manager *conn.Manager, b *bus.Bus, logger *zap.Logger, self wire.UserRef) *outbox.Sender {
	return outbox.NewSender(db, repo, manager, b, logger, self)
}

func provideSessionService(p Params, machine *status.Machine, repo *outbox.HTTPRepository, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, machine, repo, cache.SystemClock{}, roleCacheTTL, logger)
}

func provideConversationService(db *store.DB, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(db, b, logger)
}

func provideMessageService(db *store.DB, manager *conn.Manager, b *bus.Bus, logger *zap.Logger, self wire.UserRef) *api.MessageService {
	return api.NewMessageService(db, manager, b, logger, self)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	manager *conn.Manager,
	engine *intsync.Engine,
	coordinator *typing.Coordinator,
	sender *outbox.Sender,
	db *store.DB,
	logger *zap.Logger,
	// Services are built eagerly so wiring errors surface at boot.
	_ *api.SessionService,
	_ *api.ConversationService,
	_ *api.MessageService,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := manager.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			coordinator.Stop()
			sender.Stop()
			engine.Stop()
			manager.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
