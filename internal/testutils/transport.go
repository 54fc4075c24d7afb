package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/imulink/internal/device"
)

// ErrLinkDropped is the cause reported by Channel.Drop unless another is given.
var ErrLinkDropped = errors.New("link dropped")

// Peripheral is an in-memory device.Peripheral. Endpoints lists the characteristics it
// exposes; an empty list accepts any binding.
type Peripheral struct {
	Addr      string
	LocalName string
	Rssi      int
	Endpoints []string
}

var _ device.Peripheral = (*Peripheral)(nil)

func (p *Peripheral) Address() string { return p.Addr }
func (p *Peripheral) Name() string    { return p.LocalName }
func (p *Peripheral) RSSI() int       { return p.Rssi }

func (p *Peripheral) has(endpoint string) bool {
	if len(p.Endpoints) == 0 {
		return true
	}
	for _, e := range p.Endpoints {
		if strings.EqualFold(e, endpoint) {
			return true
		}
	}
	return false
}

// Responder answers a write on a bound channel, typically by calling ch.Notify.
type Responder func(ch *Channel, endpoint string, data []byte)

// Transport is an in-memory device.Transport.
//
// Discover and Bind failures are scripted per attempt: each call pops the next queued error.
type Transport struct {
	mu          sync.Mutex
	peripherals []*Peripheral
	discoverErr []error
	bindErr     []error
	discovers   int
	binds       int
	channels    []*Channel
	responder   Responder
}

var _ device.Transport = (*Transport)(nil)

// NewTransport creates a transport that can discover the given peripherals.
func NewTransport(peripherals ...*Peripheral) *Transport {
	return &Transport{peripherals: peripherals}
}

// FailDiscover queues errors returned by the next Discover calls.
func (t *Transport) FailDiscover(errs ...error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverErr = append(t.discoverErr, errs...)
	return t
}

// FailBind queues errors returned by the next Bind calls.
func (t *Transport) FailBind(errs ...error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindErr = append(t.bindErr, errs...)
	return t
}

// Respond installs the responder used by channels bound from now on.
func (t *Transport) Respond(r Responder) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = r
	return t
}

// Discovers returns the number of Discover calls.
func (t *Transport) Discovers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovers
}

// Binds returns the number of Bind calls.
func (t *Transport) Binds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.binds
}

// Channel returns the most recently bound channel, or nil.
func (t *Transport) Channel() *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

func (t *Transport) Discover(ctx context.Context, sel device.Selector) (device.Peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovers++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.discoverErr) > 0 {
		err := t.discoverErr[0]
		t.discoverErr = t.discoverErr[1:]
		return nil, err
	}
	for _, p := range t.peripherals {
		if sel.Matches(p.Addr, p.LocalName) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no peripheral matches %s", sel)
}

func (t *Transport) Bind(ctx context.Context, p device.Peripheral, b device.Binding) (device.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.binds++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.bindErr) > 0 {
		err := t.bindErr[0]
		t.bindErr = t.bindErr[1:]
		return nil, err
	}
	fp, ok := p.(*Peripheral)
	if !ok {
		return nil, fmt.Errorf("foreign peripheral %T", p)
	}
	for _, ep := range b.Endpoints() {
		if !fp.has(ep) {
			return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{b.Service, ep}}
		}
	}
	ch := NewChannel(fp)
	ch.responder = t.responder
	t.channels = append(t.channels, ch)
	return ch, nil
}

// Write is one recorded Channel.Write.
type Write struct {
	Endpoint     string
	Data         []byte
	WithResponse bool
}

// Channel is an in-memory device.Channel. Tests push notifications with Notify and
// simulate link loss with Drop.
type Channel struct {
	peripheral *Peripheral

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	subs        map[string]device.NotifyHandler
	writes      []Write
	writeErr    error
	responder   Responder
	unsubs      int
	disconnects int
}

var _ device.Channel = (*Channel)(nil)

// NewChannel creates a live channel to p.
func NewChannel(p *Peripheral) *Channel {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Channel{
		peripheral: p,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]device.NotifyHandler),
	}
}

// FailWrites makes every following Write return err. nil restores success.
func (c *Channel) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Respond replaces the channel's responder.
func (c *Channel) Respond(r Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = r
}

// Write records data and runs the responder synchronously.
func (c *Channel) Write(ctx context.Context, endpoint string, data []byte, withResponse bool) error {
	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return device.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	if !c.peripheral.has(endpoint) {
		c.mu.Unlock()
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{endpoint}}
	}
	c.writes = append(c.writes, Write{Endpoint: endpoint, Data: append([]byte(nil), data...), WithResponse: withResponse})
	r := c.responder
	c.mu.Unlock()

	if r != nil {
		r(c, endpoint, data)
	}
	return nil
}

func (c *Channel) Subscribe(endpoint string, fn device.NotifyHandler) (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.peripheral.has(endpoint) {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{endpoint}}
	}
	key := strings.ToLower(endpoint)
	c.subs[key] = fn
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, key)
		c.unsubs++
		return nil
	}, nil
}

func (c *Channel) Context() context.Context { return c.ctx }

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.cancel(errors.New("disconnected"))
	return nil
}

// Notify delivers data to the endpoint's subscriber. Reports whether one was attached.
func (c *Channel) Notify(endpoint string, data []byte) bool {
	c.mu.Lock()
	fn := c.subs[strings.ToLower(endpoint)]
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// Drop simulates an unexpected link loss. A nil cause reports ErrLinkDropped.
func (c *Channel) Drop(cause error) {
	if cause == nil {
		cause = ErrLinkDropped
	}
	c.cancel(cause)
}

// Writes returns a copy of every recorded write.
func (c *Channel) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// LastWrite returns the most recent write payload, or nil.
func (c *Channel) LastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1].Data
}

// Subscribed reports whether endpoint currently has a subscriber.
func (c *Channel) Subscribed(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[strings.ToLower(endpoint)]
	return ok
}

// Unsubscribes returns how many subscriptions were detached.
func (c *Channel) Unsubscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubs
}

// Disconnects returns how many times Disconnect was called.
func (c *Channel) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
