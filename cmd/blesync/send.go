package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blesync/internal/normalize"
	"github.com/srg/blesync/internal/sender"
)

// sendRetryDelays are the pauses between attempts of an interactive send
var sendRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Upload one record from a file or stdin",
	Long: `Normalize the contents of a file (or stdin when the file is "-" or
omitted) and upload it as a single record. Gateway errors (502, 503, 504) are
retried a few times; any other failure is reported immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("url", "", "Backend URL (overrides sender.url)")
	sendCmd.Flags().Duration("timeout", 30*time.Second, "Overall time limit including retries")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.Sender.URL = v
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	cmd.SilenceUsage = true

	record, err := normalizeFunc(cfg.Normalize.Strict)(raw)
	if err != nil {
		return err
	}

	snd, closeSender, err := buildSender(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	send := func(ctx context.Context) error { return snd.Send(ctx, record) }
	if err := sender.RetryTransient(ctx, send, sendRetryDelays); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes\n", len(record))
	return nil
}

// normalizeFunc selects the normalization used for a one-shot upload
func normalizeFunc(strict bool) func([]byte) (string, error) {
	if strict {
		return normalize.NormalizeStrict
	}
	return normalize.Normalize
}
