// Package daemon composes the convo daemon: storage, relay connection,
// address book convergence, delivery pipeline and inbound processing.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/mvieira/convo/internal/addressbook"
	"github.com/mvieira/convo/internal/authority"
	"github.com/mvieira/convo/internal/bus"
	"github.com/mvieira/convo/internal/config"
	"github.com/mvieira/convo/internal/crypto"
	"github.com/mvieira/convo/internal/delivery"
	"github.com/mvieira/convo/internal/inbound"
	"github.com/mvieira/convo/internal/lock"
	"github.com/mvieira/convo/internal/logging"
	"github.com/mvieira/convo/internal/relay"
	"github.com/mvieira/convo/internal/status"
	"github.com/mvieira/convo/internal/store"
	intsync "github.com/mvieira/convo/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAuthority,
			provideBoxer,
			provideRelayManager,
			provideRelayClient,
			provideEngine,
			providePipeline,
			provideGate,
			provideDispatcher,
			provideReconciler,
			provideSyncer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.DeviceID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
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

func provideAuthority(cfg *config.Config, db *store.DB, logger *zap.Logger) *authority.Client {
	return authority.NewClient(cfg.AuthorityURL, cfg.AuthToken, cfg.DeviceID, db, logger)
}

func provideBoxer(cfg *config.Config, auth *authority.Client) (*crypto.Boxer, error) {
	priv, pub, err := crypto.LoadOrCreateKey(filepath.Join(cfg.DataDir, "device.key"))
	if err != nil {
		return nil, err
	}
	return crypto.NewBoxer(priv, pub, auth), nil
}

func provideRelayManager(b *bus.Bus, logger *zap.Logger) *relay.Manager {
	return relay.NewManager(b, logger)
}

func provideRelayClient(cfg *config.Config, mgr *relay.Manager, logger *zap.Logger) *relay.Client {
	return relay.NewClient(cfg.RelayURL, cfg.AuthToken, cfg.DeviceID, mgr, logger)
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *addressbook.Engine {
	return addressbook.NewEngine(db, b, logger)
}

func providePipeline(cfg *config.Config, db *store.DB, mgr *relay.Manager, boxer *crypto.Boxer, b *bus.Bus, logger *zap.Logger) *delivery.Pipeline {
	return delivery.NewPipeline(db, mgr, boxer, b, store.UserID(cfg.SelfID), logger)
}

func provideGate(db *store.DB, mgr *relay.Manager, b *bus.Bus, logger *zap.Logger) *inbound.Gate {
	return inbound.NewGate(db, mgr, b, logger)
}

func provideDispatcher(cfg *config.Config, db *store.DB, boxer *crypto.Boxer, auth *authority.Client, b *bus.Bus, logger *zap.Logger) *inbound.Dispatcher {
	return inbound.NewDispatcher(db, boxer, auth, b, store.UserID(cfg.SelfID), logger)
}

func provideReconciler(db *store.DB) *intsync.Reconciler {
	return intsync.NewReconciler(db)
}

func provideSyncer(engine *addressbook.Engine, gate *inbound.Gate, auth *authority.Client, reconciler *intsync.Reconciler, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Syncer {
	return intsync.NewSyncer(engine, gate, auth, auth, reconciler, machine, b, logger)
}

type components struct {
	fx.In

	Config     *config.Config
	Lock       *lock.Lock
	DB         *store.DB
	Machine    *status.Machine
	RelayCli   *relay.Client
	Pipeline   *delivery.Pipeline
	Gate       *inbound.Gate
	Dispatcher *inbound.Dispatcher
	Syncer     *intsync.Syncer
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var relayCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Make sure our own contact row exists before anything can
			// write to a conversation.
			if err := c.DB.AddSelf(&store.ContactInfo{
				ID:                  store.UserID(c.Config.SelfID),
				AllowedMessageLevel: store.MessageLevelAll,
			}); err != nil {
				return err
			}

			c.Syncer.Start(context.Background())
			c.Gate.Start(context.Background())
			c.Dispatcher.Start(context.Background())
			c.Pipeline.Start(context.Background())

			_ = c.Machine.Transition(status.Connecting)
			ctx, cancel := context.WithCancel(context.Background())
			relayCancel = cancel
			go c.RelayCli.Run(ctx)

			c.Logger.Info("daemon started",
				zap.Int64("self", c.Config.SelfID),
				zap.Int("device", c.Config.DeviceID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if relayCancel != nil {
				relayCancel()
			}
			c.Pipeline.Stop()
			c.Dispatcher.Stop()
			c.Gate.Stop()
			c.Syncer.Stop()
			if err := c.Lock.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			return nil
		},
	})
}
