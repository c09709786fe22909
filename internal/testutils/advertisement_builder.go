package testutils

import (
	"github.com/srg/blesync/internal/device"
)

// FakeAdvertisement is a static device.Advertisement
type FakeAdvertisement struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Rssi         int      `json:"rssi"`
	ServiceUUIDs []string `json:"services"`
}

func (a *FakeAdvertisement) LocalName() string { return a.Name }
func (a *FakeAdvertisement) RSSI() int         { return a.Rssi }
func (a *FakeAdvertisement) Addr() string      { return a.Address }

func (a *FakeAdvertisement) Services() []string {
	return append([]string(nil), a.ServiceUUIDs...)
}

// AdvertisementBuilder builds fake advertisements for scan tests.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a builder with an RSSI of -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{Rssi: -50}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}
