package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blesync/internal/device"
	goble "github.com/srg/blesync/internal/device/go-ble"
)

// createMockUUID creates a ble.UUID from a string for testing
func createMockUUID(name string) blelib.UUID {
	// Parse as proper UUID - will panic if invalid, which is fine for tests
	return blelib.MustParse(device.NormalizeUUID(name))
}

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a FakeHost whose peripherals all expose the configured GATT profile
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []device.Advertisement
	dialErr            error
	scanErr            error
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Services: []ServiceConfig{},
		},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// WithScanAdvertisements sets the advertisements replayed by every scan
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...device.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// WithDialError makes every Dial fail with err
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithScanError makes every Scan fail immediately with err
func (b *PeripheralDeviceBuilder) WithScanError(err error) *PeripheralDeviceBuilder {
	b.scanErr = err
	return b
}

// parseCharacteristicProperties converts a property list such as "read,notify" to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharNotify // default
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

func (b *PeripheralDeviceBuilder) buildServices() []*blelib.Service {
	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: createMockUUID(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     createMockUUID(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			})
		}
		services = append(services, svc)
	}
	return services
}

// Build creates a FakeHost with the configured profile
func (b *PeripheralDeviceBuilder) Build() *FakeHost {
	return &FakeHost{
		builder: b,
		clients: make(map[string]*FakeClient),
	}
}

// FakeHost is an in-memory goble.Host
type FakeHost struct {
	builder *PeripheralDeviceBuilder

	mu      sync.Mutex
	clients map[string]*FakeClient
	dialed  []string
	scans   int
	stopped bool
}

var _ goble.Host = (*FakeHost)(nil)

// Factory returns a host constructor suitable for goble.NewCentralWithHost
func (h *FakeHost) Factory() func() (goble.Host, error) {
	return func() (goble.Host, error) { return h, nil }
}

// Scan replays the configured advertisements and blocks until ctx is done
func (h *FakeHost) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	h.mu.Lock()
	h.scans++
	h.mu.Unlock()

	if h.builder.scanErr != nil {
		return h.builder.scanErr
	}
	for _, adv := range h.builder.scanAdvertisements {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Dial connects to a fresh FakeClient exposing the configured profile
func (h *FakeHost) Dial(_ context.Context, addr string) (goble.GATTClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dialed = append(h.dialed, addr)
	if h.builder.dialErr != nil {
		return nil, h.builder.dialErr
	}
	client := &FakeClient{
		Addr:         addr,
		services:     h.builder.buildServices(),
		handlers:     make(map[string]blelib.NotificationHandler),
		disconnected: make(chan struct{}),
	}
	h.clients[addr] = client
	return client, nil
}

func (h *FakeHost) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

// Client returns the most recent client dialed for addr
func (h *FakeHost) Client(addr string) *FakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[addr]
}

// Dialed returns the addresses dialed so far, in order
func (h *FakeHost) Dialed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialed...)
}

// Scans returns how many scans were started
func (h *FakeHost) Scans() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scans
}

// Stopped reports whether Stop was called
func (h *FakeHost) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// FakeClient is an in-memory goble.GATTClient
type FakeClient struct {
	Addr string

	mu           sync.Mutex
	services     []*blelib.Service
	handlers     map[string]blelib.NotificationHandler
	reads        []string
	disconnected chan struct{}
	once         sync.Once
}

var _ goble.GATTClient = (*FakeClient)(nil)

func matchesFilter(filter []blelib.UUID, u blelib.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f.Equal(u) {
			return true
		}
	}
	return false
}

func (c *FakeClient) DiscoverServices(filter []blelib.UUID) ([]*blelib.Service, error) {
	var result []*blelib.Service
	for _, svc := range c.services {
		if matchesFilter(filter, svc.UUID) {
			result = append(result, svc)
		}
	}
	return result, nil
}

func (c *FakeClient) DiscoverCharacteristics(filter []blelib.UUID, s *blelib.Service) ([]*blelib.Characteristic, error) {
	var result []*blelib.Characteristic
	for _, ch := range s.Characteristics {
		if matchesFilter(filter, ch.UUID) {
			result = append(result, ch)
		}
	}
	return result, nil
}

func (c *FakeClient) ReadCharacteristic(ch *blelib.Characteristic) ([]byte, error) {
	if ch.Property&blelib.CharRead == 0 {
		return nil, fmt.Errorf("characteristic does not support read")
	}
	c.mu.Lock()
	c.reads = append(c.reads, device.NormalizeUUID(ch.UUID.String()))
	c.mu.Unlock()
	return ch.Value, nil
}

func (c *FakeClient) Subscribe(ch *blelib.Characteristic, _ bool, h blelib.NotificationHandler) error {
	if ch.Property&(blelib.CharNotify|blelib.CharIndicate) == 0 {
		return fmt.Errorf("characteristic does not support notify")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[device.NormalizeUUID(ch.UUID.String())] = h
	return nil
}

func (c *FakeClient) CancelConnection() error {
	c.Drop()
	return nil
}

func (c *FakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Drop simulates a link loss
func (c *FakeClient) Drop() {
	c.once.Do(func() { close(c.disconnected) })
}

// Notify delivers a notification on a subscribed characteristic.
// Reports false when nothing is subscribed to it.
func (c *FakeClient) Notify(char string, data []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[device.NormalizeUUID(char)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether a notification handler is registered for char
func (c *FakeClient) Subscribed(char string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[device.NormalizeUUID(char)]
	return ok
}

// Reads returns the characteristics read so far, in order
func (c *FakeClient) Reads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}
