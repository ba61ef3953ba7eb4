package daemon

import (
	"context"

	"github.com/mfsantos/paychat/internal/bus"
	"github.com/mfsantos/paychat/internal/config"
	"github.com/mfsantos/paychat/internal/httpapi"
	"github.com/mfsantos/paychat/internal/lock"
	"github.com/mfsantos/paychat/internal/logging"
	"github.com/mfsantos/paychat/internal/pipeline"
	"github.com/mfsantos/paychat/internal/relay"
	"github.com/mfsantos/paychat/internal/session"
	"github.com/mfsantos/paychat/internal/status"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTokenProvider,
			provideClient,
			provideStream,
			providePipeline,
			provideServer,
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

func provideTokenProvider(p Params) relay.TokenProvider {
	return relay.NewStaticTokenProvider(p.Config.Relay.Token)
}

func provideClient(p Params, tokens relay.TokenProvider, logger *zap.Logger) *relay.Client {
	return relay.NewClient(p.Config.Relay.BaseURL, p.Config.RequestTimeout(), tokens, logger)
}

func provideStream(p Params, tokens relay.TokenProvider, b *bus.Bus, m *status.Machine, logger *zap.Logger) *relay.Stream {
	return relay.NewStream(p.Config.Relay.BaseURL, tokens, b, m, logger)
}

func providePipeline(p Params, db *store.DB, client *relay.Client, b *bus.Bus, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(db, client, b, logger, p.Config.User.ID, pipeline.Options{
		MaxAttempts:   p.Config.Retry.MaxAttempts,
		SweepInterval: p.Config.SweepInterval(),
		SendTimeout:   p.Config.RequestTimeout(),
	})
}

func provideServer(p Params, db *store.DB, pl *pipeline.Pipeline, m *status.Machine, logger *zap.Logger) (*httpapi.Server, error) {
	addr := p.ListenAddr
	if addr == "" {
		addr = p.Config.API.ListenAddr
	}
	return httpapi.NewServer(addr, db, pl, m, p.Config.Retry.MaxAttempts, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *httpapi.Server, lk *lock.Lock, client *relay.Client, stream *relay.Stream, pl *pipeline.Pipeline, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Both delivery contexts feed the same apply path.
			stream.OnPayload(pl.HandlePush)
			stream.Start(context.Background())

			pl.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http api error", zap.Error(err))
				}
			}()

			// Tell the backend where pushes should land. Best-effort: a
			// failure here only delays background delivery.
			if token := p.Config.Relay.PushToken; token != "" {
				go func() {
					if err := client.RegisterToken(context.Background(), token); err != nil {
						logger.Warn("push token registration failed", zap.Error(err))
					}
				}()
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			pl.Stop()
			stream.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
