package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"hand-relay/internal/channel"
	"hand-relay/internal/config"
	"hand-relay/internal/observer"
)

const drainPoll = 250 * time.Millisecond

func produceCmd() *cli.Command {
	return &cli.Command{
		Name:    "produce",
		Aliases: []string{"p"},
		Usage:   "Read hand observations as JSON lines from stdin and send them to the relay",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "drain-timeout",
				Usage: "How long to wait for queued hands after stdin closes",
				Value: 30 * time.Second,
			},
		},
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

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			manager := channel.NewManager(
				channel.WSConnector{URL: cfg.RelayURL, Name: cfg.ChannelName, Logger: logger},
				channel.WithLogger(logger),
			)
			gate := observer.NewGate(nil, logger)
			return produce(ctx, os.Stdin, manager, gate, c.Duration("drain-timeout"), logger)
		},
	}
}

// produce runs the channel loop next to the stdin reader. Once input ends it
// waits up to drainTimeout for the queue to empty.
func produce(ctx context.Context, in io.Reader, manager *channel.Manager, gate *observer.Gate, drainTimeout time.Duration, logger *slog.Logger) error {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})

	g.Go(func() error {
		defer cancelLoop()

		if err := manager.Connect(gctx); err != nil {
			logger.Warn("[CHANNEL] Relay not reachable yet, hands will queue", "error", err)
		}

		if err := readHands(gctx, in, manager, gate, logger); err != nil {
			return err
		}
		return drain(gctx, manager, drainTimeout, logger)
	})

	return g.Wait()
}

func readHands(ctx context.Context, in io.Reader, manager *channel.Manager, gate *observer.Gate, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var fields map[string]interface{}
		if err := json.Unmarshal(line, &fields); err != nil {
			logger.Warn("[OBSERVER] Skipping unreadable line", "error", err)
			continue
		}

		ev, ok := gate.AcceptFields(fields)
		if !ok {
			logger.Debug("[OBSERVER] Hand filtered")
			continue
		}
		sent := manager.Send(ev)
		logger.Info("[OBSERVER] Hand observed", "url", ev.URL, "sent", sent)
	}
	return scanner.Err()
}

func drain(ctx context.Context, manager *channel.Manager, timeout time.Duration, logger *slog.Logger) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		st, err := manager.Stats(ctx)
		if err != nil {
			return nil
		}
		if st.Pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			logger.Warn("[CHANNEL] Exiting with undelivered hands", "pending", st.Pending)
			return nil
		case <-ticker.C:
		}
	}
}
