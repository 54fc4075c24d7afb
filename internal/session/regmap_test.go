package session

import (
	"context"
	"time"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/testutils"
)

func (s *SessionSuite) connectRegMap(mutate ...func(*Options)) (*RegMap, *regMapDevice, *testutils.Channel) {
	dev := newRegMapDevice(s.T())
	tr := testutils.NewTransport(regMapPeripheral()).Respond(dev.respond)
	rm, err := ConnectRegMap(context.Background(), tr, s.options(mutate...))
	s.Require().NoError(err, "connect MUST succeed")
	s.T().Cleanup(func() { _ = rm.Dispose() })
	return rm, dev, tr.Channel()
}

func (s *SessionSuite) TestRegMapIdentify() {
	rm, _, ch := s.connectRegMap()

	s.Equal(imu.TechRegMap, rm.Technology())
	s.Equal("0123456789ABCDEF", rm.Serial())
	s.Equal("1.4.2", rm.Version())
	s.Equal(91, rm.Battery(), "battery MUST be read during identification")

	writes := ch.Writes()
	s.Require().Len(writes, 1)
	s.Equal(regmap.Envelope{Opcode: regmap.OpRead, Address: 0, Length: identityLength}.Marshal(), writes[0].Data)
}

func (s *SessionSuite) TestRegMapReadControlPartial() {
	rm, _, _ := s.connectRegMap()

	resp, err := rm.ReadControl(context.Background(), 0x12, 2)
	s.Require().NoError(err)
	s.Equal(2, resp.Values.Len(), "only fully contained fields MUST be reported")

	battery, ok := resp.Value(regmap.FieldBattery)
	s.Require().True(ok)
	s.Equal("91", battery.String())
	_, ok = resp.Value(regmap.FieldCharging)
	s.True(ok)
}

func (s *SessionSuite) TestRegMapWriteField() {
	rm, _, ch := s.connectRegMap()

	v, err := rm.WriteField(context.Background(), regmap.FieldName, "right-ankle")
	s.Require().NoError(err)
	s.Equal("right-ankle", v.String())

	resp, err := rm.ReadControl(context.Background(), 0x18, 16)
	s.Require().NoError(err)
	name, _ := resp.Value(regmap.FieldName)
	s.Equal("right-ankle", name.String(), "the write MUST reach control memory")

	before := len(ch.Writes())
	_, err = rm.WriteField(context.Background(), regmap.FieldBattery, "50")
	s.ErrorIs(err, ErrReadOnly)
	_, err = rm.WriteField(context.Background(), "colour", "red")
	s.ErrorIs(err, protocol.ErrUnknown)
	_, err = rm.WriteField(context.Background(), regmap.FieldRate, "fast")
	s.ErrorIs(err, regmap.ErrInvalidValue)
	s.Len(ch.Writes(), before, "rejected writes MUST NOT reach the device")
}

func (s *SessionSuite) TestRegMapCommandTimeout() {
	rm, dev, _ := s.connectRegMap()
	dev.setSilent(true)

	_, err := rm.ReadControl(context.Background(), 0, 1)
	s.ErrorIs(err, device.ErrTimeout)
	_, pending := rm.commands.Pending()
	s.False(pending, "a timed out request MUST leave the slot empty")
}

func (s *SessionSuite) TestRegMapSupersede() {
	rm, dev, ch := s.connectRegMap(func(o *Options) { o.CommandTimeout = time.Second })
	dev.setSilent(true)

	first := make(chan error, 1)
	go func() {
		_, err := rm.ReadControl(context.Background(), 0, 1)
		first <- err
	}()
	s.Eventually(func() bool { key, ok := rm.commands.Pending(); return ok && key == "read:0:1" }, timeout, tick)

	second := make(chan error, 1)
	go func() {
		_, err := rm.ReadControl(context.Background(), 0x12, 1)
		second <- err
	}()
	s.ErrorIs(<-first, ErrSuperseded, "the stale request MUST be rejected")

	s.Eventually(func() bool { key, ok := rm.commands.Pending(); return ok && key == "read:18:1" }, timeout, tick)
	ch.Notify(regmap.NotifyUUID, regmap.Envelope{Opcode: regmap.OpData, Address: 0x12, Length: 1, Payload: []byte{42}}.Marshal())
	s.NoError(<-second)
}

func (s *SessionSuite) TestRegMapUnsolicitedResponseIgnored() {
	rm, dev, ch := s.connectRegMap(func(o *Options) { o.CommandTimeout = time.Second })
	dev.setSilent(true)

	done := make(chan error, 1)
	go func() {
		_, err := rm.ReadControl(context.Background(), 0x00, 4)
		done <- err
	}()
	s.Eventually(func() bool { _, ok := rm.commands.Pending(); return ok }, timeout, tick)

	// does not cover the requested range
	ch.Notify(regmap.NotifyUUID, regmap.Envelope{Opcode: regmap.OpData, Address: 0x12, Length: 1, Payload: []byte{42}}.Marshal())
	_, pending := rm.commands.Pending()
	s.True(pending, "a response for another range MUST NOT resolve the request")

	ch.Notify(regmap.NotifyUUID, regmap.Envelope{Opcode: regmap.OpData, Address: 0x00, Length: 4, Payload: []byte{113, 1, 4, 2}}.Marshal())
	s.NoError(<-done)
}

func (s *SessionSuite) TestRegMapStreaming() {
	rm, _, ch := s.connectRegMap()

	s.Require().NoError(rm.StartStreaming(context.Background()))
	s.True(rm.Streaming())
	s.Equal(64, rm.Battery(), "battery MUST follow the stream header")

	batches := s.rec.Batches()
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0], 2)
	s.InDelta(5.0, batches[0][0].Time, 1e-9)
	s.InDelta(5.01, batches[0][1].Time, 1e-9)

	mode, _ := regmap.LookupField(regmap.FieldMode)
	start := regmap.Envelope{Opcode: regmap.OpData, Address: mode.Address, Length: 1, Payload: []byte{byte(regmap.ModeMixed) | 11<<4}}.Marshal()
	s.Equal(start, ch.LastWrite(), "default start MUST select mixed mode at full buffering")

	s.Require().NoError(rm.StopStreaming(context.Background()))
	s.Equal(regmap.Envelope{Opcode: regmap.OpAbort, Address: regmap.StreamAddress}.Marshal(), ch.LastWrite())
	s.False(rm.Streaming())
}

func (s *SessionSuite) TestRegMapStreamModeOption() {
	rm, _, ch := s.connectRegMap(func(o *Options) {
		o.StreamMode = int(regmap.ModeQuat)
		o.Buffering = 4
	})
	ch.Respond(nil)

	s.Error(rm.StartStreaming(context.Background()))
	s.Equal(byte(regmap.ModeQuat)|4<<4, ch.LastWrite()[regmap.EnvelopeHeaderSize])
}

func (s *SessionSuite) TestRegMapLinkLossRejectsPendingRequest() {
	rm, dev, ch := s.connectRegMap(func(o *Options) { o.CommandTimeout = time.Second })
	dev.setSilent(true)

	done := make(chan error, 1)
	go func() {
		_, err := rm.ReadControl(context.Background(), 0, 1)
		done <- err
	}()
	s.Eventually(func() bool { _, ok := rm.commands.Pending(); return ok }, timeout, tick)

	ch.Drop(nil)
	err := <-done
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(err, testutils.ErrLinkDropped)
}
