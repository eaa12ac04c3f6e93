package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"hand-relay/internal/config"
	"hand-relay/internal/hub"
	"hand-relay/internal/identity"
	"hand-relay/internal/relay"
	"hand-relay/internal/store"
	"hand-relay/internal/timer"
	"hand-relay/internal/token"
)

var relayModule = fx.Module("relay",
	fx.Provide(
		func() clock.Clock { return clock.New() },
		ProvideStore,
		ProvideScheduler,
		fx.Annotate(
			ProvideResolver,
			fx.As(new(hub.IdentityResolver), new(relay.IdentityResolver)),
		),
		ProvideTokenClient,
		ProvidePublisher,
		ProvideService,
		ProvideServer,
	),
	fx.Invoke(StartRelay),
)

func ProvideStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	st, err := store.Open(context.Background(), cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	logger.Info("[STORE] Store opened", "driver", cfg.StoreDriver)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func ProvideScheduler(lc fx.Lifecycle, clk clock.Clock, st store.Store, logger *slog.Logger) *timer.Scheduler {
	s := timer.NewScheduler(clk, st, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			s.Close()
			return nil
		},
	})
	return s
}

func ProvideResolver(st store.Store, clk clock.Clock, logger *slog.Logger) *identity.Resolver {
	return identity.NewResolver(st, logger, identity.WithClock(clk))
}

func ProvideTokenClient(cfg *config.Config, logger *slog.Logger) token.Fetcher {
	return token.NewClient(cfg.TokenURL, token.WithLogger(logger))
}

func ProvidePublisher(
	lc fx.Lifecycle,
	cfg *config.Config,
	tokens token.Fetcher,
	identities hub.IdentityResolver,
	scheduler *timer.Scheduler,
	logger *slog.Logger,
) *hub.Publisher {
	p := hub.NewPublisher(
		hub.Config{URL: cfg.HubURL},
		hub.WSDialer{Logger: logger},
		tokens,
		identities,
		scheduler,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go p.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return p
}

func ProvideService(
	cfg *config.Config,
	publisher *hub.Publisher,
	identities relay.IdentityResolver,
	st store.Store,
	clk clock.Clock,
	logger *slog.Logger,
) *relay.Service {
	player := relay.Player{ID: cfg.PlayerID, Name: cfg.PlayerName}
	return relay.NewService(publisher, identities, st, player, clk, logger)
}

func ProvideServer(cfg *config.Config, service *relay.Service, logger *slog.Logger) *relay.Server {
	return relay.NewServer(net.JoinHostPort("", cfg.Port), service, logger)
}

// StartRelay resumes persisted retry deadlines once the publisher is
// listening, then opens the host channel endpoint.
func StartRelay(lc fx.Lifecycle, scheduler *timer.Scheduler, _ *hub.Publisher, server *relay.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := scheduler.Resume(ctx); err != nil {
				logger.Warn("[TIMER] Could not resume deadlines", "error", err)
			}
			return server.Start()
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
