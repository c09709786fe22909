package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesync/internal/simulate"
	"github.com/srg/blesync/internal/tap"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Upload synthetic records without a radio",
	Long: `Generate synthetic workout records on a timer and push them through the
same upload pump and sender as the run command. Useful for backend and UI
development without hardware.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Duration("interval", 0, "Time between records (overrides simulate.interval)")
	simulateCmd.Flags().DurationP("duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	simulateCmd.Flags().String("url", "", "Backend URL (overrides sender.url)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
		cfg.Simulate.Interval = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.Sender.URL = v
	}
	duration, _ := cmd.Flags().GetDuration("duration")

	cmd.SilenceUsage = true

	snd, closeSender, err := buildSender(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	source := simulate.New(simulate.Options{Interval: cfg.Simulate.Interval}, logger)
	recent, err := tap.New(source, cfg.Tap.Capacity, logger)
	if err != nil {
		return err
	}

	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	if duration > 0 {
		var cancel context.CancelFunc
		base, cancel = context.WithTimeout(base, duration)
		defer cancel()
	}
	ctx, cancel := signalContext(base, "stopping simulation")
	defer cancel()

	if err := startStatus(ctx, cfg, nil, recent, logger); err != nil {
		return err
	}

	p := newPump(cfg, snd, logger)
	p.Start(recent)

	started := time.Now()
	<-ctx.Done()
	p.Stop()
	p.Wait()

	logger.WithField("elapsed", time.Since(started).Round(time.Second)).Info("Simulation finished")
	return nil
}
