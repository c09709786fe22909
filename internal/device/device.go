package device

import (
	"errors"
	"fmt"
	"time"
)

// RadioState is the power/authorization state reported by the radio stack.
// Transitions are pushed by the platform and cannot be requested by the application.
type RadioState int

const (
	StateUnknown RadioState = iota
	StatePoweredOff
	StateUnauthorized
	StateUnsupported
	StatePoweredOn
)

func (s RadioState) String() string {
	switch s {
	case StatePoweredOff:
		return "powered_off"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so snapshots read well as JSON.
func (s RadioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RadioError reports that the radio is not in a usable state
type RadioError struct {
	State RadioState
	Msg   string
}

// Error implements the error interface
func (e *RadioError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return "radio " + e.State.String()
	}
	return fmt.Sprintf("radio %s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare RadioError values by State
func (e *RadioError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*RadioError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for radio states
var (
	ErrPoweredOff   = &RadioError{State: StatePoweredOff}
	ErrUnauthorized = &RadioError{State: StateUnauthorized}
	ErrUnsupported  = &RadioError{State: StateUnsupported}
	ErrUnknownState = &RadioError{State: StateUnknown}
)

// StateError returns the sentinel describing why the radio cannot be used in
// the given state, or nil when the radio is powered on.
func StateError(s RadioState) error {
	switch s {
	case StatePoweredOn:
		return nil
	case StatePoweredOff:
		return ErrPoweredOff
	case StateUnauthorized:
		return ErrUnauthorized
	case StateUnsupported:
		return ErrUnsupported
	default:
		return ErrUnknownState
	}
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

var (
	// ErrConnectFailed matches any *ConnectFailedError via errors.Is.
	ErrConnectFailed = errors.New("connect failed")

	// ErrDiscoverFailed is reported when a connected peripheral exposes no services.
	ErrDiscoverFailed = errors.New("service discovery returned no services")

	ErrTimeout = errors.New("timeout")
)

// ConnectFailedError carries the underlying cause of a failed connection attempt
type ConnectFailedError struct {
	ID  string
	Err error
}

func (e *ConnectFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect to %s failed", e.ID)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.ID, e.Err)
}

func (e *ConnectFailedError) Unwrap() error {
	return e.Err
}

func (e *ConnectFailedError) Is(target error) bool {
	return target == ErrConnectFailed
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is the subset of advertisement data the pipeline relies on
type Advertisement interface {
	LocalName() string
	Services() []string
	RSSI() int
	Addr() string
}

// DiscoveredPeripheral is a peripheral seen while scanning
type DiscoveredPeripheral struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Property is a GATT characteristic property bit set.
// Bit values match the Bluetooth Core specification.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

// Has reports whether every bit in q is set
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports whether the characteristic supports notifications or indications
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// CharacteristicInfo describes a discovered characteristic
type CharacteristicInfo struct {
	Service    string   `json:"service"`
	UUID       string   `json:"uuid"`
	Properties Property `json:"properties"`
}

// RawPayload is a single characteristic value update as received from the radio.
// Data is owned by the receiver; the producer keeps no reference.
type RawPayload struct {
	Peripheral     string
	Characteristic string
	Data           []byte
	ReceivedAt     time.Time
}

// Well-known GATT identifiers, in normalized form
const (
	BatteryServiceUUID = "180f"
	BatteryLevelUUID   = "2a19"
)
