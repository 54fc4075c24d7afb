// Package session drives one connected IMU: connection with retry, identification,
// command/response correlation, the streaming lifecycle and link-loss handling.
//
// Notifications are decoded and dispatched one at a time in arrival order. The sink is
// called from the transport's notification goroutine and must not call Dispose.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/groutine"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/metrics"
	"github.com/srg/imulink/internal/protocol"
)

// Session is the uniform control surface over one device.
type Session interface {
	Technology() imu.Technology

	// StartStreaming writes the start command and returns once the first decoded
	// batch has been delivered to the sink.
	StartStreaming(ctx context.Context) error
	// StopStreaming writes the stop command and returns to idle without waiting for the device.
	StopStreaming(ctx context.Context) error
	// Dispose detaches notifications, rejects pending requests and releases the link.
	// It is safe to call more than once.
	Dispose() error

	SetSink(sink Sink)

	Connected() bool
	Streaming() bool
	StreamStarting() bool
	Serial() string
	Version() string
	Battery() int
	State() State
	Snapshot() Snapshot
}

// family is what each vendor session plugs into the core.
type family interface {
	binding() device.Binding
	// identify runs in the Identifying state and fills serial/version.
	identify(ctx context.Context) error
	// handle decodes one notification. Called serially, only while the session is active.
	handle(endpoint string, data []byte)
	// matches reports whether resp answers the pending request keyed by key.
	matches(key string, resp protocol.Response) bool
	startCommand() protocol.Command
	// stopped runs after the stream stops for any reason.
	stopped()
}

type core struct {
	tech   imu.Technology
	codec  protocol.Codec
	fam    family
	opts   Options
	logger *logrus.Logger
	clock  clock.Clock

	mu             sync.RWMutex
	state          State
	connected      bool
	streaming      bool
	streamStarting bool
	fastConverge   bool
	disposed       bool
	notifiedDown   bool
	address        string
	name           string
	serial         string
	version        string
	battery        int
	channel        device.Channel
	unsubs         []func() error
	sink           Sink

	dispatchMu sync.Mutex
	active     bool // guarded by dispatchMu

	notifyMu sync.Mutex

	commands   Mailbox[protocol.Response]
	firstFrame Mailbox[struct{}]
}

func newCore(tech imu.Technology, codec protocol.Codec, opts Options) *core {
	opts = opts.withDefaults()
	return &core{
		tech:    tech,
		codec:   codec,
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		battery: protocol.NoBattery,
		sink:    opts.Sink,
	}
}

func (c *core) log() *logrus.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields := logrus.Fields{"technology": c.tech}
	if c.address != "" {
		fields["address"] = c.address
	}
	if c.serial != "" {
		fields["serial"] = c.serial
	}
	return c.logger.WithFields(fields)
}

// clockTimer adapts a clock.Clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

// connect discovers, binds, subscribes and identifies. On failure the session is left disposed.
func (c *core) connect(parent context.Context, t device.Transport) error {
	c.setState(StateConnecting)

	ctx, cancel := c.clock.WithTimeout(parent, c.opts.ConnectTimeout)
	defer cancel()

	sel := c.opts.Selector
	bind := c.fam.binding()
	tech := string(c.tech)

	var (
		attempt int
		lastErr error
		periph  device.Peripheral
		ch      device.Channel
	)
	op := func() error {
		attempt++
		found, err := t.Discover(ctx, sel)
		if err != nil {
			metrics.ConnectAttempts.WithLabelValues(tech, metrics.OutcomeNotFound).Inc()
			lastErr = &device.ConnectionError{State: device.DeviceNotFound, Msg: sel.String(), Err: err}
			return lastErr
		}
		bound, err := t.Bind(ctx, found, bind)
		if err != nil {
			metrics.ConnectAttempts.WithLabelValues(tech, metrics.OutcomeBind).Inc()
			lastErr = &device.ConnectionError{State: device.BindFailed, Msg: found.Address(), Err: err}
			return lastErr
		}
		metrics.ConnectAttempts.WithLabelValues(tech, metrics.OutcomeOK).Inc()
		periph, ch = found, bound
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"technology": tech,
			"selector":   sel.String(),
			"attempt":    attempt,
			"retry_in":   next,
			"error":      err,
		}).Warn("Connect attempt failed")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.Attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: c.clock}); err != nil {
		c.shutdown(false, nil)
		if parent.Err() != nil {
			return fmt.Errorf("connect cancelled: %w", context.Cause(parent))
		}
		if lastErr == nil {
			lastErr = err
		}
		return &device.ConnectionError{
			State: device.ConnectionTimeout,
			Msg:   fmt.Sprintf("gave up after %d attempt(s)", attempt),
			Err:   lastErr,
		}
	}

	c.mu.Lock()
	c.channel = ch
	c.address = periph.Address()
	c.name = periph.Name()
	c.mu.Unlock()

	c.dispatchMu.Lock()
	c.active = true
	c.dispatchMu.Unlock()

	for _, ep := range bind.Notify {
		unsub, err := ch.Subscribe(ep, c.dispatcher(ep))
		if err != nil {
			c.shutdown(false, nil)
			return &device.ConnectionError{State: device.BindFailed, Msg: "subscribe " + ep, Err: err}
		}
		c.addUnsub(unsub)
	}

	c.mu.Lock()
	c.connected = true
	c.state = StateIdentifying
	c.mu.Unlock()
	metrics.ActiveSessions.Inc()
	c.notify()

	c.watch(ch)

	c.log().WithField("name", periph.Name()).Info("Device connected, identifying")
	if err := c.fam.identify(ctx); err != nil {
		c.shutdown(false, nil)
		return &device.ConnectionError{State: device.BindFailed, Msg: "identify", Err: err}
	}

	c.setState(StateIdle)
	c.log().WithField("version", c.Version()).Info("Device ready")
	return nil
}

func (c *core) addUnsub(fn func() error) {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, fn)
	c.mu.Unlock()
}

// subscribeOptional attaches an endpoint the device may not expose.
func (c *core) subscribeOptional(endpoint string) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	unsub, err := ch.Subscribe(endpoint, c.dispatcher(endpoint))
	if err != nil {
		c.log().WithFields(logrus.Fields{"endpoint": endpoint, "error": err}).Debug("Optional endpoint unavailable")
		return
	}
	c.addUnsub(unsub)
}

func (c *core) dispatcher(endpoint string) device.NotifyHandler {
	return func(data []byte) {
		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()
		if !c.active {
			return
		}
		c.fam.handle(endpoint, data)
	}
}

func (c *core) watch(ch device.Channel) {
	groutine.Go(context.Background(), "imulink-link-"+string(c.tech), c.logger, func(ctx context.Context) {
		<-ch.Context().Done()
		c.linkLost(context.Cause(ch.Context()))
	})
}

// route handles one decode result. Must be called from handle.
func (c *core) route(res protocol.Result, err error) {
	tech := string(c.tech)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues(tech, metrics.Reason(err)).Inc()
		c.log().WithError(err).Warn("Dropping frame")
		return
	}
	metrics.FramesDecoded.WithLabelValues(tech).Inc()

	if res.Battery >= 0 {
		c.setBattery(res.Battery)
	}
	if res.Response != nil {
		resolved := c.commands.Resolve(func(key string) bool {
			return c.fam.matches(key, res.Response)
		}, res.Response)
		if !resolved {
			c.log().WithField("kind", res.Response.ResponseKind()).Debug("Unsolicited response")
		}
	}
	if len(res.Samples) > 0 {
		c.emit(res.Samples)
	}
}

func (c *core) emit(samples []imu.Sample) {
	tech := string(c.tech)

	c.mu.Lock()
	if !c.streaming && !c.streamStarting {
		c.mu.Unlock()
		metrics.FramesDropped.WithLabelValues(tech).Inc()
		c.log().WithField("samples", len(samples)).Debug("Dropping samples outside a stream")
		return
	}
	first := c.streamStarting
	if first {
		c.streamStarting = false
		c.streaming = true
		c.state = StateStreaming
	}
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(samples)
	}
	metrics.SamplesEmitted.WithLabelValues(tech).Add(float64(len(samples)))

	if first {
		c.notify()
		c.firstFrame.Resolve(nil, struct{}{})
	}
}

func (c *core) write(ctx context.Context, data []byte) error {
	c.mu.RLock()
	ch, connected := c.channel, c.connected
	c.mu.RUnlock()
	if !connected || ch == nil {
		return device.ErrNotConnected
	}
	if err := ch.Write(ctx, c.fam.binding().Write, data, true); err != nil {
		return fmt.Errorf("write to %s: %w", c.fam.binding().Write, err)
	}
	return nil
}

// send encodes and writes a command that expects no correlated answer.
func (c *core) send(ctx context.Context, cmd protocol.Command) error {
	if !c.Connected() {
		return device.ErrNotConnected
	}
	data, err := c.codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// request writes a correlated command and waits for the response matched to key.
// A request still pending is rejected with ErrSuperseded before the write.
func (c *core) request(ctx context.Context, key string, cmd protocol.Command) (protocol.Response, error) {
	if !c.Connected() {
		return nil, device.ErrNotConnected
	}
	data, err := c.codec.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	ticket := c.commands.Put(key)
	if err := c.write(ctx, data); err != nil {
		ticket.Cancel()
		return nil, err
	}

	waitCtx, cancel := c.clock.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	resp, err := ticket.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: no response to %s within %s", device.ErrTimeout, key, c.opts.CommandTimeout)
	}
	return resp, err
}

func (c *core) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return device.ErrNotConnected
	}
	if c.streaming {
		c.mu.Unlock()
		return nil
	}
	c.streamStarting = true
	ticket := c.firstFrame.Put("stream")
	c.mu.Unlock()
	c.notify()

	data, err := c.codec.EncodeCommand(c.fam.startCommand())
	if err == nil {
		err = c.write(ctx, data)
	}
	if err != nil {
		ticket.Cancel()
		c.abortStart()
		return err
	}

	waitCtx, cancel := c.clock.WithTimeout(ctx, c.opts.StreamStartTimeout)
	defer cancel()

	if _, err := ticket.Wait(waitCtx); err != nil {
		c.abortStart()
		if c.Streaming() {
			// the first batch landed as the wait gave up
			return nil
		}
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: no stream frame within %s", device.ErrTimeout, c.opts.StreamStartTimeout)
		}
		return err
	}
	c.log().Info("Streaming started")
	return nil
}

// abortStart clears the starting flag unless a newer start now owns the wait.
func (c *core) abortStart() {
	c.mu.Lock()
	_, pending := c.firstFrame.Pending()
	changed := c.streamStarting && !pending
	if changed {
		c.streamStarting = false
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *core) StopStreaming(ctx context.Context) error {
	if err := c.send(ctx, protocol.Command{Kind: protocol.CmdStopStream}); err != nil {
		return err
	}

	c.mu.Lock()
	c.streaming = false
	c.streamStarting = false
	c.fastConverge = false
	if c.connected {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.firstFrame.Reject(ErrStreamStopped)
	c.fam.stopped()
	c.notify()
	c.log().Info("Streaming stopped")
	return nil
}

func (c *core) linkLost(cause error) {
	err := &device.ConnectionError{State: device.NotConnected, Msg: "link lost", Err: cause}
	if derr := c.shutdown(false, err); derr != nil {
		c.log().WithError(derr).Debug("Releasing a lost link failed")
	}
}

func (c *core) Dispose() error {
	return c.shutdown(true, nil)
}

// shutdown tears the session down once. lost is the link-loss error, nil otherwise.
// The disconnect callback fires for an explicit Dispose (with nil) or a link loss (with lost).
func (c *core) shutdown(explicit bool, lost error) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	wasConnected := c.connected
	changed := c.state != StateDisconnected
	c.connected = false
	c.streaming = false
	c.streamStarting = false
	c.fastConverge = false
	c.state = StateDisconnected
	c.sink = nil
	ch := c.channel
	unsubs := c.unsubs
	c.unsubs = nil
	fire := (explicit || lost != nil) && !c.notifiedDown && wasConnected
	c.notifiedDown = true
	c.mu.Unlock()

	if lost != nil {
		c.log().WithError(lost).Warn("Link lost")
		metrics.LinkLosses.WithLabelValues(string(c.tech)).Inc()
	}

	// no sink call can be in flight past this point
	c.dispatchMu.Lock()
	c.active = false
	c.dispatchMu.Unlock()

	reason := ErrDisposed
	if lost != nil {
		reason = lost
	}
	c.commands.Reject(reason)
	c.firstFrame.Reject(reason)
	c.fam.stopped()

	var err error
	for _, unsub := range unsubs {
		err = multierr.Append(err, unsub())
	}

	if wasConnected {
		metrics.ActiveSessions.Dec()
	}
	if changed {
		c.notify()
	}
	if fire && c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(lost)
	}

	if ch != nil {
		err = multierr.Append(err, ch.Disconnect())
	}
	if explicit {
		c.log().Info("Session disposed")
	}
	return err
}

func (c *core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify()
}

func (c *core) setIdentity(serial, version string) {
	c.mu.Lock()
	c.serial = serial
	c.version = version
	c.mu.Unlock()
}

func (c *core) setBattery(level int) {
	c.mu.Lock()
	changed := c.battery != level
	c.battery = level
	serial := c.serial
	c.mu.Unlock()
	if changed {
		metrics.Battery.WithLabelValues(string(c.tech), serial).Set(float64(level))
	}
}

func (c *core) setFastConverge(on bool) {
	c.mu.Lock()
	changed := c.fastConverge != on
	c.fastConverge = on
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *core) notify() {
	cb := c.opts.OnStateChange
	if cb == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	cb(c.Snapshot())
}

func (c *core) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.sink = sink
}

func (c *core) Technology() imu.Technology { return c.tech }

func (c *core) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *core) Streaming() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaming
}

func (c *core) StreamStarting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamStarting
}

func (c *core) Serial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serial
}

func (c *core) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Battery returns the last reported level in percent, or -1 if unknown.
func (c *core) Battery() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.battery
}

func (c *core) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *core) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:          c.state,
		Technology:     c.tech,
		Address:        c.address,
		Name:           c.name,
		Serial:         c.serial,
		Version:        c.version,
		Battery:        c.battery,
		Connected:      c.connected,
		Streaming:      c.streaming,
		StreamStarting: c.streamStarting,
		FastConverge:   c.fastConverge,
	}
}
