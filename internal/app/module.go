// Package app composes the client: config, logging, session lock, cache,
// REST collaborator, and the TUI, wired through fx. Each thread visit
// gets its own transport and sync controller from the factory; everything
// else is session-scoped.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/cache"
	"github.com/dmelo/parley/internal/config"
	"github.com/dmelo/parley/internal/lock"
	"github.com/dmelo/parley/internal/logging"
	"github.com/dmelo/parley/internal/rest"
	"github.com/dmelo/parley/internal/session"
	"github.com/dmelo/parley/internal/status"
	enginesync "github.com/dmelo/parley/internal/sync"
	"github.com/dmelo/parley/internal/transport"
	"github.com/dmelo/parley/internal/tui"
	"github.com/dmelo/parley/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ServerURL   string // resolved from flag > config
	Token       string
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("parley",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideCache,
			provideREST,
			provideFactory,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	// The TUI owns the terminal, so no stderr tee.
	return logging.New(session.LogPath(p.SessionName), p.SessionName, false)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		// Missing config is fine; everything has a default.
		return &config.Config{}
	}
	return cfg
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

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideREST(p Params) *rest.Client {
	return rest.New(p.ServerURL, p.Token)
}

func provideFactory(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) tui.ControllerFactory {
	topts := transport.Options{
		BaseDelay:   cfg.Reconnect.BaseDelayDuration(),
		MaxDelay:    cfg.Reconnect.MaxDelayDuration(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	copts := enginesync.Options{
		AckTimeout:     cfg.Timeouts.AckTimeout(),
		HistoryTimeout: cfg.Timeouts.HistoryTimeout(),
		Typing: typing.Options{
			IdleTimeout: cfg.Timeouts.TypingIdleTimeout(),
			PeerTTL:     cfg.Timeouts.PeerTypingTTLTimeout(),
		},
	}
	return func(peerID string) *enginesync.Controller {
		conn := transport.New(p.ServerURL, p.Token, topts, b, logger)
		machine := status.NewMachine(b)
		return enginesync.NewController(peerID, conn, b, machine, logger, copts)
	}
}

func provideTUI(db *cache.DB, rc *rest.Client, b *bus.Bus, factory tui.ControllerFactory, logger *zap.Logger, p Params) *tui.App {
	return tui.NewApp(db, rc, b, factory, logger, p.SessionName)
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, app *tui.App, lk *lock.Lock, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := app.Run(); err != nil {
					logger.Error("tui error", zap.Error(err))
				}
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
