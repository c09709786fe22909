package peripheral

import (
	"github.com/srg/blesync/internal/device"
)

// Phase is the coarse lifecycle position of the manager
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	// PhaseUnavailable means the radio is in a state other than PoweredOn.
	PhaseUnavailable
	PhaseReady
	PhaseScanning
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseUnavailable:
		return "unavailable"
	case PhaseReady:
		return "ready"
	case PhaseScanning:
		return "scanning"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ConnectedPeripheral is the peripheral currently connected, with the
// characteristics the manager bound to it.
type ConnectedPeripheral struct {
	ID      string                     `json:"id"`
	Metrics *device.CharacteristicInfo `json:"metrics,omitempty"`
	Battery *device.CharacteristicInfo `json:"battery,omitempty"`
}

// Snapshot is an immutable view of the manager state.
type Snapshot struct {
	Radio      device.RadioState             `json:"radio_state"`
	Phase      Phase                         `json:"phase"`
	Ready      bool                          `json:"ready"`
	Scanning   bool                          `json:"scanning"`
	Connecting string                        `json:"connecting,omitempty"`
	Connected  *ConnectedPeripheral          `json:"connected,omitempty"`
	Discovered []device.DiscoveredPeripheral `json:"discovered"`
	Err        error                         `json:"-"`
	LastError  string                        `json:"last_error,omitempty"`
	// BatteryLevel is the last battery level reading in percent, -1 if none
	BatteryLevel int `json:"battery_level"`
}

// IsReady reports whether the radio is powered on
func (s Snapshot) IsReady() bool { return s.Ready }

// IsScanning reports whether discovery is running
func (s Snapshot) IsScanning() bool { return s.Scanning }

// IsConnected reports whether a peripheral is connected
func (s Snapshot) IsConnected() bool { return s.Connected != nil }
