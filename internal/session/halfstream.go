package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/metrics"
	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/halfstream"
)

// HalfStream is a session over the length-prefixed binary family.
type HalfStream struct {
	*core

	fcMu    sync.Mutex
	fcTimer *clock.Timer
}

var _ Session = (*HalfStream)(nil)

// ConnectHalfStream connects and identifies a halfstream device.
func ConnectHalfStream(ctx context.Context, t device.Transport, opts Options) (*HalfStream, error) {
	if opts.Selector.NamePrefix == "" && opts.Selector.Address == "" {
		opts.Selector.NamePrefix = halfstream.NamePrefix
	}
	s := &HalfStream{core: newCore(imu.TechHalfStream, halfstream.Codec{}, opts)}
	s.fam = s
	if err := s.connect(ctx, t); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HalfStream) binding() device.Binding {
	return device.Binding{
		Service: halfstream.ServiceUUID,
		Write:   halfstream.ControlUUID,
		Notify:  []string{halfstream.DataUUID},
	}
}

// identify takes the serial from the advertised name; the family has no identity query.
func (s *HalfStream) identify(context.Context) error {
	name := s.Snapshot().Name
	serial := strings.TrimLeft(strings.TrimPrefix(name, halfstream.NamePrefix), "-_ ")
	s.setIdentity(serial, "")
	s.subscribeOptional(halfstream.BatteryLevelUUID)
	return nil
}

func (s *HalfStream) handle(endpoint string, data []byte) {
	if strings.EqualFold(endpoint, halfstream.BatteryLevelUUID) {
		level, err := halfstream.DecodeBattery(data)
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues(string(s.tech), metrics.Reason(err)).Inc()
			s.log().WithError(err).Warn("Dropping battery notification")
			return
		}
		s.setBattery(level)
		return
	}
	s.route(s.codec.DecodeFrame(data))
}

// matches is never asked: halfstream has no correlated commands.
func (s *HalfStream) matches(string, protocol.Response) bool { return false }

func (s *HalfStream) startCommand() protocol.Command {
	return protocol.Command{Kind: protocol.CmdStartStream}
}

func (s *HalfStream) stopped() {
	s.fcMu.Lock()
	defer s.fcMu.Unlock()
	if s.fcTimer != nil {
		s.fcTimer.Stop()
		s.fcTimer = nil
	}
}

// FastConverge reports whether a fast-converge window is active.
func (s *HalfStream) FastConverge() bool {
	return s.Snapshot().FastConverge
}

// StartFastConverge asks the device to converge its orientation filter quickly for d,
// rounded up to whole seconds and capped at 255. Requires an active stream.
func (s *HalfStream) StartFastConverge(ctx context.Context, d time.Duration) error {
	if !s.Streaming() {
		return ErrNotStreaming
	}
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return fmt.Errorf("fast converge duration %s must be positive", d)
	}
	if seconds > halfstream.MaxFastConvergeSeconds {
		seconds = halfstream.MaxFastConvergeSeconds
	}
	if err := s.send(ctx, protocol.Command{Kind: protocol.CmdFastConverge, Count: seconds}); err != nil {
		return err
	}

	window := time.Duration(seconds) * time.Second
	s.fcMu.Lock()
	if s.fcTimer != nil {
		s.fcTimer.Stop()
	}
	s.fcTimer = s.clock.AfterFunc(window, func() {
		s.setFastConverge(false)
	})
	s.fcMu.Unlock()

	s.setFastConverge(true)
	s.log().WithField("seconds", seconds).Info("Fast converge started")
	return nil
}

// StopFastConverge cancels an active fast-converge window.
func (s *HalfStream) StopFastConverge(ctx context.Context) error {
	if !s.Streaming() {
		return ErrNotStreaming
	}
	if err := s.send(ctx, protocol.Command{Kind: protocol.CmdFastConvergeCancel}); err != nil {
		return err
	}
	s.stopped()
	s.setFastConverge(false)
	return nil
}
