package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesync/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

// Services returns the advertised and overflow service UUIDs
func (a *BLEAdvertisement) Services() []string {
	advertised := a.adv.Services()
	overflow := a.adv.OverflowService()
	result := make([]string, 0, len(advertised)+len(overflow))
	for _, svc := range advertised {
		result = append(result, svc.String())
	}
	for _, svc := range overflow {
		result = append(result, svc.String())
	}
	return result
}

// Unwrap returns the underlying ble.Advertisement for internal use within go-ble package
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
