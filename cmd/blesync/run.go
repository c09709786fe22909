package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blesync/internal/device"
	goble "github.com/srg/blesync/internal/device/go-ble"
	"github.com/srg/blesync/internal/normalize"
	"github.com/srg/blesync/internal/peripheral"
	"github.com/srg/blesync/internal/tap"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream peripheral metrics to the backend",
	Long: `Activate the radio, connect to a peripheral and upload every metrics
notification until interrupted.

Without a service filter the first peripheral discovered is connected. With
--service only peripherals advertising that service are considered, and only
the metrics and battery services are explored.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("service", "", "Metrics service UUID filter (overrides radio.service_uuid)")
	runCmd.Flags().String("metrics-char", "", "Metrics characteristic UUID (overrides radio.metrics_char_uuid)")
	runCmd.Flags().String("policy", "", "Connect policy: all or first (overrides radio.connect_policy)")
	runCmd.Flags().String("url", "", "Backend URL (overrides sender.url)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("service"); v != "" {
		cfg.Radio.ServiceUUID = v
	}
	if v, _ := cmd.Flags().GetString("metrics-char"); v != "" {
		cfg.Radio.MetricsCharUUID = v
	}
	if v, _ := cmd.Flags().GetString("policy"); v != "" {
		cfg.Radio.ConnectPolicy = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.Sender.URL = v
	}

	policy, err := peripheral.ParseConnectPolicy(cfg.Radio.ConnectPolicy)
	if err != nil {
		return err
	}
	for _, u := range []string{cfg.Radio.ServiceUUID, cfg.Radio.MetricsCharUUID} {
		if u == "" {
			continue
		}
		if _, err := device.ValidateUUID(u); err != nil {
			return fmt.Errorf("invalid UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	snd, closeSender, err := buildSender(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	central := goble.NewCentral(cfg.Radio.ConnectTimeout, logger)
	mgr := peripheral.NewManager(central, peripheral.Options{
		ServiceUUID:     cfg.Radio.ServiceUUID,
		MetricsCharUUID: cfg.Radio.MetricsCharUUID,
		Policy:          policy,
		PayloadBuffer:   cfg.Pump.MaxBatch,
	}, logger)
	defer mgr.Close()
	mgr.OnChange(snapshotLogger(logger))

	norm := normalize.NewNormalizer(mgr, normalize.Options{Strict: cfg.Normalize.Strict}, logger)
	recent, err := tap.New(norm, cfg.Tap.Capacity, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), "shutting down")
	defer cancel()

	if err := startStatus(ctx, cfg, mgr, recent, logger); err != nil {
		return err
	}

	p := newPump(cfg, snd, logger)
	p.Start(recent)
	mgr.Activate()

	<-ctx.Done()

	p.Stop()
	if err := mgr.Close(); err != nil {
		logger.WithError(err).Warn("Radio did not close cleanly")
	}
	p.Wait()
	return nil
}

// snapshotLogger logs phase and connection transitions. It runs on the
// manager's observer goroutine only.
func snapshotLogger(logger *logrus.Logger) func(peripheral.Snapshot) {
	var lastPhase peripheral.Phase = -1
	var lastErr string
	return func(s peripheral.Snapshot) {
		if s.Phase != lastPhase {
			fields := logrus.Fields{"phase": s.Phase, "radio": s.Radio}
			if s.Connected != nil {
				fields["peripheral"] = s.Connected.ID
			}
			logger.WithFields(fields).Info("Peripheral state changed")
			lastPhase = s.Phase
		}
		if s.LastError != "" && s.LastError != lastErr {
			logger.WithField("error", s.LastError).Warn("Peripheral problem")
		}
		lastErr = s.LastError
	}
}
