package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/pump"
	"github.com/srg/blesync/internal/sender"
	"github.com/srg/blesync/internal/status"
	"github.com/srg/blesync/pkg/config"
)

// closer releases a sender's connections
type closer func() error

func noClose() error { return nil }

// buildSender creates the sink selected by sender.kind
func buildSender(cfg *config.Config, logger *logrus.Logger) (sender.Sender, closer, error) {
	sc := cfg.Sender
	switch sc.Kind {
	case config.SenderHTTP:
		s, err := sender.NewHTTPSender(sender.HTTPOptions{
			URL:     sc.URL,
			Timeout: sc.Timeout,
			Tokens:  sender.StaticToken(sc.Token),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil
	case config.SenderRedis:
		s := sender.NewRedisSender(sender.RedisOptions{
			Addr:     sc.RedisAddr,
			Password: sc.Token,
			Key:      sc.RedisKey,
			Timeout:  sc.Timeout,
		}, logger)
		return s, s.Close, nil
	case config.SenderMQTT:
		s := sender.NewMQTTSender(sender.MQTTOptions{
			Broker:   sc.MQTTBroker,
			Topic:    sc.MQTTTopic,
			Password: sc.Token,
			Timeout:  sc.Timeout,
		}, logger)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sender kind %q", sc.Kind)
	}
}

func newPump(cfg *config.Config, s sender.Sender, logger *logrus.Logger) *pump.Pump {
	return pump.New(s, pump.Options{
		MaxBatch:      cfg.Pump.MaxBatch,
		FlushInterval: cfg.Pump.FlushInterval,
		Schedule:      cfg.Pump.RetrySchedule,
	}, logger)
}

// startStatus starts the status server unless status.addr is empty
func startStatus(ctx context.Context, cfg *config.Config, snapshots status.SnapshotSource, records status.RecordSource, logger *logrus.Logger) error {
	if cfg.Status.Addr == "" {
		return nil
	}
	srv := status.New(snapshots, records, logger)
	if err := srv.Start(ctx, cfg.Status.Addr); err != nil {
		return fmt.Errorf("failed to start status server on %s: %w", cfg.Status.Addr, err)
	}
	return nil
}

// signalContext returns a context cancelled by Ctrl+C or SIGTERM.
func signalContext(parent context.Context, what string) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Printf("\nCtrl+C pressed, %s...\n", what)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
