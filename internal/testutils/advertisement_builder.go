package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/mwstream/internal/device"
)

// MetaWearService is the service UUID advertised by MetaWear boards.
const MetaWearService = "326a9000-85cb-9195-d9dd-464cfbbae75a"

// FakeAdvertisement is a static device.Advertisement.
type FakeAdvertisement struct {
	Address     device.Address `json:"-"`
	Name        string         `json:"name"`
	ServiceList []string       `json:"services"`
	Signal      int            `json:"rssi"`
}

func (a *FakeAdvertisement) Addr() device.Address { return a.Address }
func (a *FakeAdvertisement) LocalName() string    { return a.Name }
func (a *FakeAdvertisement) Services() []string   { return a.ServiceList }
func (a *FakeAdvertisement) RSSI() int            { return a.Signal }

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder starts an advertisement with RSSI -50 and no services.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{Signal: -50}}
}

// MetaWear starts an advertisement from a MetaWear board at addr.
func MetaWear(addr string) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithAddress(addr).WithName("MetaWear").WithServices(MetaWearService)
}

// WithAddress sets the address; it panics on a malformed string.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = device.MustParseAddress(addr)
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices appends advertised service UUIDs in any accepted form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceList = append(b.adv.ServiceList, uuids...)
	return b
}

// FromJSON fills builder fields from a JSON document with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Address *string `json:"address"`
		FakeAdvertisement
	}
	data.FakeAdvertisement = b.adv

	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	b.adv = data.FakeAdvertisement
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.ServiceList = append([]string(nil), b.adv.ServiceList...)
	return &adv
}
