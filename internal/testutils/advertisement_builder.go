package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/imulink/internal/device"
)

// Advertisement is an in-memory device.Advertisement.
type Advertisement struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Rssi       int      `json:"rssi"`
	ServiceIDs []string `json:"services"`
	ManufData  []byte   `json:"manufacturerData"`
	CanConnect bool     `json:"connectable"`
}

var _ device.Advertisement = (*Advertisement)(nil)

func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) Addr() string             { return a.Address }
func (a *Advertisement) RSSI() int                { return a.Rssi }
func (a *Advertisement) Services() []string       { return a.ServiceIDs }
func (a *Advertisement) ManufacturerData() []byte { return a.ManufData }
func (a *Advertisement) Connectable() bool        { return a.CanConnect }

// AdvertisementBuilder builds advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement at -50 dBm.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{Rssi: -50, CanConnect: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices adds service UUIDs. UUIDs can be in short form (e.g., "180F") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.CanConnect = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	return b
}

func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}

// Scanner replays a fixed set of advertisements to every Scan call.
type Scanner struct {
	mu    sync.Mutex
	ads   []device.Advertisement
	err   error
	scans int
}

var _ device.ScanningDevice = (*Scanner)(nil)

// NewScanner creates a scanner that reports ads in order.
func NewScanner(ads ...device.Advertisement) *Scanner {
	return &Scanner{ads: ads}
}

// FailWith makes the next scans return err after replaying the advertisements.
func (s *Scanner) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Scans returns how many times Scan was called.
func (s *Scanner) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// Scan reports every advertisement (twice when allowDup is set), then blocks until ctx is done.
func (s *Scanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	ads := append([]device.Advertisement(nil), s.ads...)
	err := s.err
	s.mu.Unlock()

	rounds := 1
	if allowDup {
		rounds = 2
	}
	for r := 0; r < rounds; r++ {
		for _, a := range ads {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			handler(a)
		}
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// CreateMockAdvertisement is shorthand for a named advertisement at an address.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}
