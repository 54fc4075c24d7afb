package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol/halfstream"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/protocol/textline"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// Device is one discovered peripheral
type Device struct {
	Address     string
	Name        string
	RSSI        int
	Services    []string
	Connectable bool
	// Technology is empty when the advertised name matches no known family.
	Technology imu.Technology
	LastSeen   time.Time
}

// familyPrefixes maps advertised name prefixes onto protocol families.
var familyPrefixes = map[string]imu.Technology{
	halfstream.NamePrefix: imu.TechHalfStream,
	regmap.NamePrefix:     imu.TechRegMap,
	textline.NamePrefix:   imu.TechTextLine,
}

// Classify returns the family whose name prefix the advertised name carries.
func Classify(name string) (imu.Technology, bool) {
	lower := strings.ToLower(name)
	for prefix, tech := range familyPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return tech, true
		}
	}
	return "", false
}

// Scanner handles BLE device discovery
type Scanner struct {
	dev    device.ScanningDevice
	logger *logrus.Logger

	mu      sync.Mutex
	devices *hashmap.Map[string, *Device]
	opts    *ScanOptions

	events chan DeviceEvent
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// Technologies restricts results to the listed families.
	Technologies []imu.Technology
	// IncludeUnknown keeps devices whose name matches no family.
	IncludeUnknown bool
	AllowList      []string
	BlockList      []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(dev device.ScanningDevice, logger *logrus.Logger) (*Scanner, error) {
	if dev == nil {
		return nil, errors.New("scanner: nil scanning device")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		dev:    dev,
		events: make(chan DeviceEvent, 100),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with provided options. The result is sorted by descending RSSI.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Device, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.mu.Lock()
	s.devices = hashmap.New[string, *Device]()
	s.opts = opts
	s.mu.Unlock()

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := s.dev.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.mu.Lock()
	devices := s.devices
	s.opts = nil
	s.mu.Unlock()

	s.logger.WithField("device_count", devices.Len()).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")

	result := make([]Device, 0, devices.Len())
	devices.Range(func(_ string, d *Device) bool {
		result = append(result, *d)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].RSSI != result[j].RSSI {
			return result[i].RSSI > result[j].RSSI
		}
		return result[i].Address < result[j].Address
	})
	return result, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	s.mu.Lock()
	devices, opts := s.devices, s.opts
	s.mu.Unlock()
	if opts == nil {
		return
	}

	addr := adv.Addr()
	d, existing := devices.Get(addr)
	if !existing {
		tech, ok := Classify(adv.LocalName())
		if !s.shouldInclude(adv, tech, ok, opts) {
			return
		}
		d, existing = devices.GetOrInsert(addr, &Device{
			Address:    addr,
			Technology: tech,
		})
	}

	s.mu.Lock()
	if name := adv.LocalName(); name != "" {
		d.Name = name
	}
	d.RSSI = adv.RSSI()
	if svcs := adv.Services(); len(svcs) > 0 {
		d.Services = svcs
	}
	d.Connectable = adv.Connectable()
	d.LastSeen = time.Now()
	event := DeviceEvent{Device: *d}
	s.mu.Unlock()

	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":     event.Device.Name,
			"address":    event.Device.Address,
			"rssi":       event.Device.RSSI,
			"technology": event.Device.Technology,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.forceSend(event)
}

// forceSend drops the oldest pending event when the buffer is full.
func (s *Scanner) forceSend(e DeviceEvent) {
	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// shouldInclude applies the allow, block and family filters
func (s *Scanner) shouldInclude(adv device.Advertisement, tech imu.Technology, known bool, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if !known {
		return opts.IncludeUnknown
	}
	if len(opts.Technologies) > 0 {
		for _, t := range opts.Technologies {
			if t == tech {
				return true
			}
		}
		return false
	}
	return true
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events
}
