package device

import "time"

// Event is a notification pushed by a Central. The set of events is closed:
// only the types declared in this file implement it.
type Event interface {
	radioEvent()
}

// EventHandler receives Central events. Implementations must not block.
type EventHandler func(Event)

// RadioStateChanged reports a new radio state
type RadioStateChanged struct {
	State RadioState
}

// PeripheralDiscovered reports an advertisement that passed the scan filter
type PeripheralDiscovered struct {
	Peripheral DiscoveredPeripheral
}

// PeripheralConnected reports a completed connection
type PeripheralConnected struct {
	ID string
}

// ConnectFailed reports a connection attempt that did not succeed
type ConnectFailed struct {
	ID  string
	Err error
}

// PeripheralDisconnected reports a connection that ended. Err is nil for a
// requested disconnect.
type PeripheralDisconnected struct {
	ID  string
	Err error
}

// ServicesDiscovered carries the normalized UUIDs of the discovered services
type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

// CharacteristicsDiscovered carries the characteristics of one service
type CharacteristicsDiscovered struct {
	ID              string
	Service         string
	Characteristics []CharacteristicInfo
	Err             error
}

// ValueUpdated carries a characteristic value from a notification or a read
type ValueUpdated struct {
	ID             string
	Characteristic string
	Data           []byte
	ReceivedAt     time.Time
	Err            error
}

func (RadioStateChanged) radioEvent()         {}
func (PeripheralDiscovered) radioEvent()      {}
func (PeripheralConnected) radioEvent()       {}
func (ConnectFailed) radioEvent()             {}
func (PeripheralDisconnected) radioEvent()    {}
func (ServicesDiscovered) radioEvent()        {}
func (CharacteristicsDiscovered) radioEvent() {}
func (ValueUpdated) radioEvent()              {}

// Central is the radio binding used by the peripheral manager.
//
// Every operation except Init, State and Close is asynchronous: it is queued
// and its outcome arrives later as an Event. A nil error only means the
// request was accepted.
type Central interface {
	// Init creates the radio handle and starts delivering events to handler.
	// The current radio state is reported as a RadioStateChanged event.
	Init(handler EventHandler) error

	// State re-evaluates and returns the radio state.
	State() RadioState

	// Scan starts discovery. An empty services list reports every advertiser.
	Scan(services []string) error
	StopScan() error

	Connect(id string) error
	Disconnect(id string) error

	// DiscoverServices looks up services on a connected peripheral.
	// An empty filter discovers all services.
	DiscoverServices(id string, filter []string) error
	DiscoverCharacteristics(id, service string, filter []string) error

	// Subscribe enables notifications for a characteristic.
	Subscribe(id, service, characteristic string) error
	Read(id, service, characteristic string) error

	Close() error
}
