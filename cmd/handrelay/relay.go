package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"hand-relay/internal/config"
)

func relayCmd() *cli.Command {
	return &cli.Command{
		Name:    "relay",
		Aliases: []string{"r"},
		Usage:   "Run the relay: host channel server plus hub publisher",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := config.NewLogger(cfg, os.Stderr)
			slog.SetDefault(logger)

			app := newRelayApp(cfg, logger)
			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

func newRelayApp(cfg *config.Config, logger *slog.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l}
		}),
		relayModule,
	)
}
