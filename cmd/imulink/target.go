package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/device/goble"
	"github.com/srg/imulink/internal/device/serialport"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/metrics"
	"github.com/srg/imulink/internal/session"
	"github.com/srg/imulink/pkg/config"
)

// env is what every device command needs: configuration, logging and transports.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer

	metrics *http.Server
	// lost receives the link loss of the session opened by withDevice.
	lost chan error

	bleOnce sync.Once
	ble     *goble.Transport
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	e := &env{cfg: cfg, logger: logger, out: cmd.OutOrStdout(), lost: make(chan error, 1)}
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		e.metrics = metrics.StartHTTP(addr, logger)
	}
	return e, nil
}

func (e *env) Close() {
	if e.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = e.metrics.Shutdown(ctx)
}

// bleTransport is shared by every BLE device of one command: the host has one radio.
func (e *env) bleTransport() *goble.Transport {
	e.bleOnce.Do(func() { e.ble = goble.NewTransport(e.logger) })
	return e.ble
}

// transportFor picks the USB serial transport for devices with a port and BLE otherwise.
var transportFor = func(e *env, d config.DeviceConfig) device.Transport {
	if d.Port != "" {
		return serialport.NewTransport(d.Port, e.cfg.Serial.Baud, e.logger)
	}
	return e.bleTransport()
}

// scanningDevice is the radio the scan command listens on.
var scanningDevice = func(e *env) device.ScanningDevice {
	return e.bleTransport()
}

// connect opens a session to d. mutate adjusts the options built from the config.
func (e *env) connect(ctx context.Context, d config.DeviceConfig, mutate func(*session.Options)) (session.Session, error) {
	tech, err := imu.ParseTechnology(d.Technology)
	if err != nil {
		return nil, err
	}
	opts := e.cfg.SessionOptions(d.Selector(), e.logger)
	if mutate != nil {
		mutate(&opts)
	}
	e.logger.WithFields(logrus.Fields{
		"device":     d.Name,
		"technology": tech,
		"selector":   d.Selector().String(),
	}).Info("Connecting")
	return session.Connect(ctx, transportFor(e, d), tech, opts)
}

// targetFlags select an ad-hoc device when no configured device name is given.
type targetFlags struct {
	tech       string
	address    string
	namePrefix string
	serial     string
	port       string
}

func addTargetFlags(cmd *cobra.Command, f *targetFlags) {
	cmd.Flags().StringVarP(&f.tech, "tech", "t", "", fmt.Sprintf("Device family %v", imu.Technologies()))
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "Device address")
	cmd.Flags().StringVar(&f.namePrefix, "name-prefix", "", "Advertised name prefix (default: the family's prefix)")
	cmd.Flags().StringVar(&f.serial, "serial", "", "Serial number the advertised name ends with")
	cmd.Flags().StringVar(&f.port, "port", "", "USB serial port, e.g. /dev/ttyACM0 (textline only)")
}

func (f targetFlags) set() bool {
	return f.tech != "" || f.address != "" || f.namePrefix != "" || f.serial != "" || f.port != ""
}

// apply overrides the non-empty flag values on d.
func (f targetFlags) apply(d config.DeviceConfig) config.DeviceConfig {
	if f.tech != "" {
		d.Technology = f.tech
	}
	if f.address != "" {
		d.Address = f.address
	}
	if f.namePrefix != "" {
		d.NamePrefix = f.namePrefix
	}
	if f.serial != "" {
		d.Serial = f.serial
	}
	if f.port != "" {
		d.Port = f.port
	}
	return d
}

// resolveTargets maps device names onto configured devices. Without names the target
// flags describe a single ad-hoc device; with one name they override its settings.
func resolveTargets(cfg *config.Config, names []string, f targetFlags) ([]config.DeviceConfig, error) {
	if len(names) == 0 {
		if f.tech == "" {
			return nil, fmt.Errorf("no device: name a configured device or pass --tech")
		}
		d := f.apply(config.DeviceConfig{Name: f.tech})
		return []config.DeviceConfig{d}, validateTarget(d)
	}

	names = lo.Uniq(names)
	if len(names) > 1 && f.set() {
		return nil, fmt.Errorf("device flags apply to a single device, got %d devices", len(names))
	}

	targets := make([]config.DeviceConfig, 0, len(names))
	for _, name := range names {
		d, ok := cfg.Device(name)
		if !ok {
			known := lo.Map(cfg.Devices, func(d config.DeviceConfig, _ int) string { return d.Name })
			return nil, fmt.Errorf("unknown device %q (configured: %v)", name, known)
		}
		d = f.apply(d)
		if err := validateTarget(d); err != nil {
			return nil, err
		}
		targets = append(targets, d)
	}
	return targets, nil
}

func validateTarget(d config.DeviceConfig) error {
	tech, err := imu.ParseTechnology(d.Technology)
	if err != nil {
		return err
	}
	if d.Port != "" && tech != imu.TechTextLine {
		return fmt.Errorf("--port is only supported for %s devices", imu.TechTextLine)
	}
	return nil
}

// withDevice connects to the single device the command targets, runs fn and disposes.
func withDevice(cmd *cobra.Command, args []string, f targetFlags, fn func(ctx context.Context, e *env, s session.Session) error) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	targets, err := resolveTargets(e.cfg, args, f)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := e.connect(ctx, targets[0], func(o *session.Options) {
		o.OnDisconnect = func(err error) {
			if err != nil {
				e.lost <- err
			}
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", targets[0].Name, err)
	}
	defer s.Dispose()
	return fn(ctx, e, s)
}
