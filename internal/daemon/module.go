package daemon

import (
	"context"

	"github.com/voipsms/smsd/internal/api"
	"github.com/voipsms/smsd/internal/bus"
	"github.com/voipsms/smsd/internal/config"
	"github.com/voipsms/smsd/internal/lock"
	"github.com/voipsms/smsd/internal/logging"
	"github.com/voipsms/smsd/internal/outbox"
	"github.com/voipsms/smsd/internal/session"
	"github.com/voipsms/smsd/internal/status"
	"github.com/voipsms/smsd/internal/store"
	intsync "github.com/voipsms/smsd/internal/sync"
	"github.com/voipsms/smsd/internal/telemetry"
	"github.com/voipsms/smsd/internal/voipms"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
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
			provideConfig,
			provideTelemetry,
			provideGateway,
			provideSyncEngine,
			provideScheduler,
			provideSender,
			provideSyncService,
			provideMessageService,
			provideConversationService,
			provideAccountService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.For(p.SessionName).Log(), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.For(p.SessionName).Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.For(p.SessionName).Lock())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens and migrates the message database. Taking the lock
// orders it after provideLock.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.For(p.SessionName).Database()
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// Sends interrupted by the previous shutdown can no longer complete.
	failed, err := db.FailStaleDeliveries(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if failed > 0 {
		logger.Warn("marked interrupted sends as failed", zap.Int64("messages", failed))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConfig(p Params, logger *zap.Logger) (*config.Provider, error) {
	layout := session.For(p.SessionName)
	cfg, err := config.NewProvider(layout.Settings(), layout.Env(), logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.ActiveDIDs()) == 0 {
		logger.Warn("no DIDs enabled for retrieval", zap.String("config", cfg.Path()))
	}
	return cfg, nil
}

func provideTelemetry(cfg *config.Provider, logger *zap.Logger) (telemetry.ShutdownFunc, error) {
	t := cfg.Telemetry()
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint: t.OTLPEndpoint,
		Insecure:     t.Insecure,
		Headers:      t.Headers,
	})
	if err != nil {
		return nil, err
	}
	if t.OTLPEndpoint != "" {
		logger.Info("telemetry enabled", zap.String("endpoint", t.OTLPEndpoint))
	}
	return shutdown, nil
}

func provideGateway(cfg *config.Provider, logger *zap.Logger) *voipms.Client {
	return voipms.NewClient(cfg.GatewayOptions(), cfg, logger.Named("voipms"))
}

func provideSyncEngine(db *store.DB, gw *voipms.Client, cfg *config.Provider, m *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, gw, cfg, m, b, logger.Named("sync"))
}

func provideScheduler(engine *intsync.Engine, cfg *config.Provider, b *bus.Bus, logger *zap.Logger) *intsync.Scheduler {
	return intsync.NewScheduler(engine, cfg, engine.Reconciler(), b, logger.Named("scheduler"))
}

func provideSender(db *store.DB, gw *voipms.Client, cfg *config.Provider, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, gw, cfg, b, logger.Named("outbox"))
}

func provideSyncService(p Params, engine *intsync.Engine, scheduler *intsync.Scheduler, m *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(engine, scheduler, m, db, b, p.SessionName, logger)
}

func provideMessageService(db *store.DB, sender *outbox.Sender) *api.MessageService {
	return api.NewMessageService(db, sender)
}

func provideConversationService(db *store.DB, cfg *config.Provider) *api.ConversationService {
	return api.NewConversationService(db, cfg)
}

func provideAccountService(db *store.DB, cfg *config.Provider, gw *voipms.Client, logger *zap.Logger) *api.AccountService {
	return api.NewAccountService(db, cfg, gw, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, scheduler *intsync.Scheduler, sender *outbox.Sender, machine *status.Machine, shutdownTelemetry telemetry.ShutdownFunc, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := machine.Transition(status.Idle); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			scheduler.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			engine.Cancel()
			sender.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Warn("error flushing telemetry", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
