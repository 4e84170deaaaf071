package daemon

import (
	"context"

	"github.com/rhymesg/tutorconnect/internal/api"
	"github.com/rhymesg/tutorconnect/internal/bus"
	"github.com/rhymesg/tutorconnect/internal/chat"
	"github.com/rhymesg/tutorconnect/internal/config"
	"github.com/rhymesg/tutorconnect/internal/lock"
	"github.com/rhymesg/tutorconnect/internal/logging"
	"github.com/rhymesg/tutorconnect/internal/outbox"
	"github.com/rhymesg/tutorconnect/internal/realtime"
	"github.com/rhymesg/tutorconnect/internal/session"
	"github.com/rhymesg/tutorconnect/internal/status"
	"github.com/rhymesg/tutorconnect/internal/store"
	intsync "github.com/rhymesg/tutorconnect/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideAPIClient,
			provideRealtime,
			provideSyncEngine,
			provideSender,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideCredentials(p Params) (*api.Credentials, error) {
	return api.LoadCredentials(session.CredentialsPath(p.SessionName))
}

func provideAPIClient(p Params, creds *api.Credentials, b *bus.Bus, logger *zap.Logger) *api.Client {
	client := api.NewClient(p.Config.APIBaseURL, creds, p.Config.Connection.RequestTimeout.Std(), logger)
	client.OnAuthExpired(func() {
		logger.Warn("stored credentials rejected, re-login required")
		b.Emit(bus.KindAuthExpired, nil)
	})
	return client
}

func provideRealtime(p Params, client *api.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(p.Config.RealtimeURL, client, machine, b, p.Config.Connection, logger)
}

func provideSyncEngine(p Params, db *store.DB, client *api.Client, creds *api.Credentials, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	selfID, _ := creds.Identity()
	return intsync.NewEngine(db, client, b, p.Config.Sync, selfID, logger)
}

func provideSender(p Params, db *store.DB, client *api.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, machine, b, p.Config.Outbox, logger)
}

func provideChatService(p Params, mgr *realtime.Manager, engine *intsync.Engine, sender *outbox.Sender, client *api.Client, creds *api.Credentials, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Service {
	selfID, selfName := creds.Identity()
	self := chat.Identity{ID: selfID, Name: selfName}
	return chat.NewService(mgr, engine, sender, client, db, b, p.Config, self, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *realtime.Manager, engine *intsync.Engine, sender *outbox.Sender, chatSvc *chat.Service, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			chatSvc.Close()
			sender.Stop()
			engine.Stop()
			mgr.Disconnect()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
