package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"hand-relay/internal/auth"
	"hand-relay/internal/config"
	"hand-relay/internal/hubstub"
	"hand-relay/internal/models"
)

func hubstubCmd() *cli.Command {
	return &cli.Command{
		Name:  "hubstub",
		Usage: "Run a development hub and token service",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg, os.Stderr)
			slog.SetDefault(logger)

			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required for the hub stub")
			}
			issuer, err := auth.NewIssuer(cfg.JWTSecret, ServiceName, cfg.TokenTTL)
			if err != nil {
				return err
			}

			srv, err := hubstub.NewServer(c.Context, net.JoinHostPort("", cfg.HubPort), hubstub.Options{
				Issuer:      issuer,
				DeniedRooms: cfg.DeniedRooms,
				RedisURL:    cfg.HubRedisURL,
				OnEnvelope: func(room string, env models.Envelope) {
					logger.Info("[HUBSTUB] Hand received", "room", room, "publisherId", env.PublisherId, "timestamp", env.Data.Timestamp)
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("Shutting down...")
			return srv.Shutdown(context.Background())
		},
	}
}
