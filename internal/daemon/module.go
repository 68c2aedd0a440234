package daemon

import (
	"context"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/cache"
	"github.com/nubecrm/chatsync/internal/client"
	"github.com/nubecrm/chatsync/internal/config"
	"github.com/nubecrm/chatsync/internal/credential"
	"github.com/nubecrm/chatsync/internal/dispatch"
	"github.com/nubecrm/chatsync/internal/lock"
	"github.com/nubecrm/chatsync/internal/logging"
	"github.com/nubecrm/chatsync/internal/metrics"
	"github.com/nubecrm/chatsync/internal/rooms"
	"github.com/nubecrm/chatsync/internal/session"
	"github.com/nubecrm/chatsync/internal/status"
	"github.com/nubecrm/chatsync/internal/store"
	"github.com/nubecrm/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideCredentialWatcher,
			provideConn,
			provideTracker,
			provideManager,
			provideDispatcher,
			provideClient,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults")
		cfg = &config.Config{}
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = config.DefaultServerURL
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache mirror opened", zap.String("path", dbPath))
	return db, nil
}

func provideCache(b *bus.Bus, db *store.DB, logger *zap.Logger) (*cache.Cache, error) {
	c := cache.New(b)
	if err := dispatch.Seed(c, db, logger); err != nil {
		return nil, err
	}
	return c, nil
}

func provideCredentialWatcher(p Params, b *bus.Bus, logger *zap.Logger) *credential.Watcher {
	return credential.NewWatcher(session.TokenPath(p.SessionName), b, logger)
}

func provideConn(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	return transport.NewConn(cfg.ServerURL, reconnectPolicy(cfg), machine, b, logger)
}

func provideTracker(conn *transport.Conn, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(conn, machine, b, logger)
}

func provideManager(conn *transport.Conn, cred *credential.Watcher, machine *status.Machine, tracker *rooms.Tracker, c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	// Teardown order on credential change: membership first, then the
	// in-memory cache, then the mirror.
	return transport.NewManager(conn, cred, machine, b, logger,
		tracker.Reset,
		c.Reset,
		func() {
			if err := db.Wipe(); err != nil {
				logger.Error("failed to wipe cache mirror", zap.Error(err))
			}
		},
	)
}

func provideDispatcher(c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(c, db, b, logger)
}

func provideClient(machine *status.Machine, conn *transport.Conn, tracker *rooms.Tracker, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *client.Client {
	return client.New(machine, conn, tracker, c, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, cred *credential.Watcher, manager *transport.Manager, tracker *rooms.Tracker, dispatcher *dispatch.Dispatcher, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	appCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go watchConnectionState(appCtx, b, machine)

			// Consumers before producers: dispatcher and tracker must be
			// subscribed before the transport can publish.
			dispatcher.Start(appCtx)
			tracker.Start(appCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Watcher last: if a credential is already stored, Start
			// publishes the change that brings the transport up.
			cred.Start(appCtx)
			manager.Start(appCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			cred.Stop()
			tracker.Stop()
			dispatcher.Stop()
			srv.Stop(ctx)
			cancel()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

var connectionStates = []status.State{
	status.NoCredential,
	status.Connecting,
	status.Connected,
	status.Reconnecting,
	status.Failed,
}

// watchConnectionState mirrors the state machine into the one-hot
// connection-state gauge.
func watchConnectionState(ctx context.Context, b *bus.Bus, machine *status.Machine) {
	setConnectionState(machine.Current())

	ch, unsub := b.Subscribe("conn.state_changed", 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			if change, ok := evt.Payload.(status.Change); ok {
				setConnectionState(change.To)
			}
		case <-ctx.Done():
			return
		}
	}
}

func setConnectionState(current status.State) {
	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func reconnectPolicy(cfg *config.Config) transport.Policy {
	p := transport.DefaultPolicy()
	if cfg.Reconnect.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Reconnect.MaxAttempts
	}
	if cfg.Reconnect.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(cfg.Reconnect.BaseDelayMS) * time.Millisecond
	}
	if cfg.Reconnect.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(cfg.Reconnect.MaxDelayMS) * time.Millisecond
	}
	if cfg.Reconnect.StableResetS > 0 {
		p.StableReset = time.Duration(cfg.Reconnect.StableResetS) * time.Second
	}
	return p
}
