// Package serialport implements device.Transport over a USB serial line, for devices
// that speak the line protocol over a virtual COM port instead of BLE.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/groutine"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 100 * time.Millisecond
	readBufferSize     = 4096
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a serial port. Replaced in tests.
var Open = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Transport binds the single device attached to one serial port.
type Transport struct {
	name        string
	baud        int
	readTimeout time.Duration
	logger      *logrus.Logger
}

var _ device.Transport = (*Transport)(nil)

// NewTransport creates a transport for the port at name. baud <= 0 selects DefaultBaud.
func NewTransport(name string, baud int, logger *logrus.Logger) *Transport {
	if baud <= 0 {
		baud = DefaultBaud
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{name: name, baud: baud, readTimeout: DefaultReadTimeout, logger: logger}
}

// Discover reports the port itself. Only the selector's address is checked: a serial line
// carries no advertised name.
func (t *Transport) Discover(ctx context.Context, sel device.Selector) (device.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sel.Address != "" && !strings.EqualFold(sel.Address, t.name) {
		return nil, fmt.Errorf("%w: port %s does not match %s", device.ErrDeviceNotFound, t.name, sel)
	}
	return &peripheral{name: t.name}, nil
}

// Bind opens the port and starts reading from it.
func (t *Transport) Bind(ctx context.Context, p device.Peripheral, _ device.Binding) (device.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := Open(p.Address(), t.baud, t.readTimeout)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"port":  p.Address(),
			"error": err,
		}).Error("Failed to open serial port")
		return nil, fmt.Errorf("open %s: %w", p.Address(), err)
	}
	t.logger.WithFields(logrus.Fields{
		"port": p.Address(),
		"baud": t.baud,
	}).Info("Serial port opened")
	return newChannel(p.Address(), port, t.readTimeout > 0, t.logger), nil
}

type peripheral struct {
	name string
}

func (p *peripheral) Address() string { return p.name }
func (p *peripheral) Name() string    { return filepath.Base(p.name) }
func (p *peripheral) RSSI() int       { return 0 }

// channel delivers every chunk read from the port to the one subscriber, whatever
// endpoint it subscribed with.
type channel struct {
	name   string
	port   Port
	logger *logrus.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler device.NotifyHandler
	closed  bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newChannel(name string, port Port, timeouts bool, logger *logrus.Logger) *channel {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &channel{name: name, port: port, logger: logger, ctx: ctx, cancel: cancel}
	groutine.Go(context.Background(), "serial-read-"+filepath.Base(name), logger, func(context.Context) {
		c.readLoop(timeouts)
	})
	return c
}

func (c *channel) readLoop(timeouts bool) {
	buf := make([]byte, readBufferSize)
	for c.ctx.Err() == nil {
		n, err := c.port.Read(buf)
		if n > 0 {
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(buf[:n])
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && timeouts && n == 0:
			// read timeout
		default:
			if c.ctx.Err() == nil {
				c.logger.WithFields(logrus.Fields{
					"port":  c.name,
					"error": err,
				}).Warn("Serial port read failed, closing link")
				c.cancel(fmt.Errorf("%w: %w", device.ErrNotConnected, err))
			}
			return
		}
	}
}

func (c *channel) Write(ctx context.Context, _ string, data []byte, _ bool) error {
	if err := context.Cause(c.ctx); err != nil {
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.port.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", c.name, err)
	}
	return nil
}

func (c *channel) Subscribe(_ string, fn device.NotifyHandler) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return nil, fmt.Errorf("%s: %w: serial line already has a subscriber", c.name, device.ErrUnsupported)
	}
	c.handler = fn
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handler = nil
		return nil
	}, nil
}

func (c *channel) Context() context.Context { return c.ctx }

func (c *channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()

	c.cancel(nil)
	if err := c.port.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.name, err)
	}
	c.logger.WithField("port", c.name).Info("Serial port closed")
	return nil
}
