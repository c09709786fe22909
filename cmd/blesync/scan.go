package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesync/internal/device"
	goble "github.com/srg/blesync/internal/device/go-ble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals and list the ones found, without
connecting to any of them. Use it to check that the tracker is advertising
the expected service before starting the run command.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
}

// discoveries collects scan results in discovery order. The central calls
// Handle from its own goroutines.
type discoveries struct {
	mu    sync.Mutex
	seen  *orderedmap.OrderedMap[string, device.DiscoveredPeripheral]
	radio chan device.RadioState
}

func newDiscoveries() *discoveries {
	return &discoveries{
		seen:  orderedmap.New[string, device.DiscoveredPeripheral](),
		radio: make(chan device.RadioState, 1),
	}
}

func (d *discoveries) Handle(ev device.Event) {
	switch e := ev.(type) {
	case device.RadioStateChanged:
		select {
		case d.radio <- e.State:
		default:
		}
	case device.PeripheralDiscovered:
		d.mu.Lock()
		// keep the strongest signal seen
		if prev, ok := d.seen.Get(e.Peripheral.ID); !ok || e.Peripheral.RSSI > prev.RSSI {
			d.seen.Set(e.Peripheral.ID, e.Peripheral)
		}
		d.mu.Unlock()
	}
}

func (d *discoveries) List() []device.DiscoveredPeripheral {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.DiscoveredPeripheral, 0, d.seen.Len())
	for pair := d.seen.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be > 0")
	}
	var services []string
	if len(scanServices) > 0 {
		var err error
		services, err = device.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	found := newDiscoveries()
	central := goble.NewCentral(cfg.Radio.ConnectTimeout, logger)
	if err := central.Init(found.Handle); err != nil {
		return err
	}
	defer central.Close()

	select {
	case state := <-found.radio:
		if err := device.StateError(state); err != nil {
			return err
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("radio did not report its state")
	}

	if err := central.Scan(services); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), "cancelling scan")
	defer cancel()

	progress := NewCountdownProgressPrinter("Scanning for peripherals", "Scanning", scanDuration, "Done")
	progress.Start()

	select {
	case <-ctx.Done():
	case <-time.After(scanDuration):
	}
	progress.Callback()("Done")
	_ = central.StopScan()

	list := found.List()
	if scanFormat == "json" {
		return writeJSONList(cmd.OutOrStdout(), list)
	}
	writeTable(cmd.OutOrStdout(), list)
	return nil
}

func writeJSONList(w io.Writer, list []device.DiscoveredPeripheral) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

func writeTable(w io.Writer, list []device.DiscoveredPeripheral) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No peripherals found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for _, p := range list {
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, name, rssiColor(p.RSSI).Sprintf("%d dBm", p.RSSI))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d peripheral(s) found\n", len(list))
}

// rssiColor grades signal strength; output is plain when stdout is not a terminal.
func rssiColor(rssi int) *color.Color {
	c := color.New(color.FgRed)
	switch {
	case rssi >= -60:
		c = color.New(color.FgGreen)
	case rssi >= -80:
		c = color.New(color.FgYellow)
	}
	if !isTerminal(os.Stdout) {
		c.DisableColor()
	}
	return c
}
