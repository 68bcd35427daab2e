package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/mwstream/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement.
type BLEAdvertisement struct {
	adv  ble.Advertisement
	addr device.Address
}

// NewBLEAdvertisement wraps adv. It fails when the platform reports an
// address that is not a 48-bit MAC, as CoreBluetooth does.
func NewBLEAdvertisement(adv ble.Advertisement) (*BLEAdvertisement, error) {
	addr, err := device.ParseAddress(adv.Addr().String())
	if err != nil {
		return nil, err
	}
	return &BLEAdvertisement{adv: adv, addr: addr}, nil
}

func (a *BLEAdvertisement) Addr() device.Address { return a.addr }
func (a *BLEAdvertisement) LocalName() string    { return a.adv.LocalName() }
func (a *BLEAdvertisement) RSSI() int            { return a.adv.RSSI() }

func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = svc.String()
	}
	return result
}

// Unwrap returns the underlying ble.Advertisement.
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
