package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blesync/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Host is the part of a ble.Device the Central drives
type Host interface {
	Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error
	Dial(ctx context.Context, addr string) (GATTClient, error)
	Stop() error
}

// GATTClient is the part of a ble.Client the Central drives
type GATTClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// deviceHost adapts a ble.Device to Host
type deviceHost struct {
	dev ble.Device
}

// NewHost creates a Host backed by the platform radio.
func NewHost() (Host, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &deviceHost{dev: dev}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (h *deviceHost) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	return NormalizeError(h.dev.Scan(ctx, allowDup, bleHandler))
}

func (h *deviceHost) Dial(ctx context.Context, addr string) (GATTClient, error) {
	client, err := h.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func (h *deviceHost) Stop() error {
	return h.dev.Stop()
}

// toBLEUUIDs parses UUIDs in any accepted notation. Empty input yields nil,
// which go-ble treats as "no filter".
func toBLEUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(device.NormalizeUUID(s))
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}

func characteristicInfo(service string, c *ble.Characteristic) device.CharacteristicInfo {
	return device.CharacteristicInfo{
		Service:    service,
		UUID:       device.NormalizeUUID(c.UUID.String()),
		Properties: device.Property(c.Property),
	}
}
