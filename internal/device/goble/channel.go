package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/groutine"
)

// channel is a live GATT connection.
type channel struct {
	client ble.Client
	chars  map[string]*ble.Characteristic
	logger *logrus.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	subscribed map[string]bool
	closed     bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ device.Channel = (*channel)(nil)

func newChannel(client ble.Client, chars map[string]*ble.Characteristic, logger *logrus.Logger) *channel {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &channel{
		client:     client,
		chars:      chars,
		logger:     logger,
		subscribed: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Monitor the client's Disconnected() channel where the platform exposes one
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", logger, func(context.Context) {
			select {
			case <-dc.Disconnected():
				logger.WithField("address", client.Addr().String()).Warn("Peripheral reported disconnection, cancelling connection context")
				cancel(device.ErrNotConnected)
			case <-ctx.Done():
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return c
}

func (c *channel) lookup(endpoint string) (*ble.Characteristic, error) {
	ch, ok := c.chars[device.NormalizeUUID(endpoint)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{endpoint}}
	}
	return ch, nil
}

func (c *channel) Write(ctx context.Context, endpoint string, data []byte, withResponse bool) error {
	if err := context.Cause(c.ctx); err != nil {
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	char, err := c.lookup(endpoint)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return NormalizeError(err)
	}
	c.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"bytes":    len(data),
	}).Trace("Wrote characteristic")
	return nil
}

func (c *channel) Subscribe(endpoint string, fn device.NotifyHandler) (func() error, error) {
	char, err := c.lookup(endpoint)
	if err != nil {
		return nil, err
	}
	if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, fmt.Errorf("%s: %w", endpoint, device.ErrUnsupported)
	}
	indicate := char.Property&ble.CharNotify == 0

	if err := NormalizeError(c.client.Subscribe(char, indicate, func(data []byte) { fn(data) })); err != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid": endpoint,
			"error":     err,
		}).Error("Failed to subscribe to characteristic notifications")
		return nil, err
	}
	key := device.NormalizeUUID(endpoint)
	c.mu.Lock()
	c.subscribed[key] = indicate
	c.mu.Unlock()
	c.logger.WithField("char_uuid", endpoint).Debug("Subscribed to characteristic notifications")

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			c.mu.Lock()
			_, live := c.subscribed[key]
			delete(c.subscribed, key)
			closed := c.closed
			c.mu.Unlock()
			if live && !closed && context.Cause(c.ctx) == nil {
				err = NormalizeError(c.client.Unsubscribe(char, indicate))
			}
		})
		return err
	}, nil
}

func (c *channel) Context() context.Context { return c.ctx }

// Disconnect unsubscribes what is still subscribed and cancels the connection.
func (c *channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribed
	c.subscribed = make(map[string]bool)
	c.mu.Unlock()

	c.logger.WithField("address", c.client.Addr().String()).Info("Disconnecting BLE device...")

	var err error
	if context.Cause(c.ctx) == nil {
		for key, indicate := range subs {
			if char, ok := c.chars[key]; ok {
				err = multierr.Append(err, NormalizeError(c.client.Unsubscribe(char, indicate)))
			}
		}
	}
	c.cancel(nil)

	err = multierr.Append(err, NormalizeError(c.client.CancelConnection()))
	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected successfully")
	}
	return err
}
