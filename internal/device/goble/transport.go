// Package goble implements device.Transport on top of the go-ble central stack.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/device"
)

// DeviceFactory creates the ble.Device backing a Transport (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newDevice

// Transport discovers peripherals by scanning and binds them through GATT.
// A Transport shares one radio across all its channels.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

var (
	_ device.Transport      = (*Transport)(nil)
	_ device.ScanningDevice = (*Transport)(nil)
)

// NewTransport creates a transport. The radio is opened on first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// Scan reports every advertisement until ctx is done.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err != nil && ctx.Err() == nil {
		return NormalizeError(err)
	}
	return nil
}

// Discover scans until a connectable advertisement matches sel.
func (t *Transport) Discover(ctx context.Context, sel device.Selector) (device.Peripheral, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found *peripheral
	)
	t.logger.WithField("selector", sel.String()).Debug("Scanning for peripheral...")
	err := t.Scan(scanCtx, false, func(adv device.Advertisement) {
		if !adv.Connectable() || !sel.Matches(adv.Addr(), adv.LocalName()) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if found == nil {
			found = &peripheral{addr: adv.Addr(), name: adv.LocalName(), rssi: adv.RSSI()}
			cancel()
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if found != nil {
		t.logger.WithFields(logrus.Fields{
			"address": found.addr,
			"name":    found.name,
			"rssi":    found.rssi,
		}).Info("Peripheral found")
		return found, nil
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %w", device.ErrDeviceNotFound, sel, context.Cause(ctx))
	}
	return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, sel)
}

// Bind dials p, discovers its profile and checks every endpoint of b is present.
func (t *Transport) Bind(ctx context.Context, p device.Peripheral, b device.Binding) (device.Channel, error) {
	if _, err := t.device(); err != nil {
		return nil, err
	}
	log := t.logger.WithField("address", p.Address())

	log.Info("Connecting to BLE device...")
	client, err := ble.Dial(ctx, ble.NewAddr(p.Address()))
	if err != nil {
		log.WithField("error", err).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", p.Address(), NormalizeError(err))
	}

	log.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		log.WithField("error", err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	chars := indexProfile(profile)
	if _, ok := findService(profile, b.Service); !ok && b.Service != "" {
		_ = client.CancelConnection()
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{b.Service}}
	}
	for _, ep := range b.Endpoints() {
		if _, ok := chars[device.NormalizeUUID(ep)]; !ok {
			_ = client.CancelConnection()
			return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{b.Service, ep}}
		}
	}

	log.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Info("BLE device connected successfully")
	return newChannel(client, chars, t.logger), nil
}

func indexProfile(profile *ble.Profile) map[string]*ble.Characteristic {
	chars := make(map[string]*ble.Characteristic)
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}
	return chars
}

func findService(profile *ble.Profile, uuid string) (*ble.Service, bool) {
	want := device.NormalizeUUID(uuid)
	for _, svc := range profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) == want {
			return svc, true
		}
	}
	return nil, false
}

type peripheral struct {
	addr string
	name string
	rssi int
}

func (p *peripheral) Address() string { return p.addr }
func (p *peripheral) Name() string    { return p.name }
func (p *peripheral) RSSI() int       { return p.rssi }
