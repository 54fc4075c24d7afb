package session

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol/textline"
	"github.com/srg/imulink/internal/testutils"
)

func (s *SessionSuite) connectTextLine(mutate ...func(*Options)) (*TextLine, *testutils.Channel) {
	tr := testutils.NewTransport(textLinePeripheral()).Respond(textLineDevice)
	tl, err := ConnectTextLine(context.Background(), tr, s.options(mutate...))
	s.Require().NoError(err, "connect MUST succeed")
	s.T().Cleanup(func() { _ = tl.Dispose() })
	return tl, tr.Channel()
}

func (s *SessionSuite) TestTextLineIdentifyAcrossChunks() {
	tl, ch := s.connectTextLine()

	s.Equal(imu.TechTextLine, tl.Technology())
	s.Equal("TL0042", tl.Serial(), "a reply split across notifications MUST be reassembled")
	s.Equal("2.1.0", tl.Version())
	s.Equal(73, tl.Battery())

	writes := ch.Writes()
	s.Require().Len(writes, 2)
	s.Equal("?serial\n", string(writes[0].Data))
	s.Equal("?version\n", string(writes[1].Data))
}

func (s *SessionSuite) TestTextLineSetValue() {
	tl, ch := s.connectTextLine()

	count, err := tl.SetValue(context.Background(), textline.PropRate, "100")
	s.Require().NoError(err)
	s.Equal(7, count)
	s.Equal("!rate=100\n", string(ch.LastWrite()))
}

func (s *SessionSuite) TestTextLineDeviceErrors() {
	tl, _ := s.connectTextLine()

	_, err := tl.SetValue(context.Background(), textline.PropSerial, "X")
	s.ErrorIs(err, &textline.DeviceError{Code: textline.StatusReadOnly})

	_, err = tl.GetValue(context.Background(), "bogus")
	s.ErrorIs(err, &textline.DeviceError{Code: textline.StatusUnknownProperty})
}

func (s *SessionSuite) TestTextLineOpcode() {
	tl, ch := s.connectTextLine()

	_, err := tl.Opcode(context.Background(), textline.OpSave)
	s.Require().NoError(err)
	s.Equal(":04\n", string(ch.LastWrite()))
}

func (s *SessionSuite) TestTextLineSupersede() {
	tl, ch := s.connectTextLine(func(o *Options) { o.CommandTimeout = time.Second })

	first := make(chan error, 1)
	go func() {
		_, err := tl.GetValue(context.Background(), textline.PropRate)
		first <- err
	}()
	s.Eventually(func() bool { key, ok := tl.commands.Pending(); return ok && key == "get:rate" }, timeout, tick)

	type result struct {
		value string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := tl.GetValue(context.Background(), textline.PropName)
		second <- result{v, err}
	}()
	s.ErrorIs(<-first, ErrSuperseded)

	s.Eventually(func() bool { key, ok := tl.commands.Pending(); return ok && key == "get:name" }, timeout, tick)
	ch.Notify(textline.TxUUID, []byte("rate=100\r\n"))
	ch.Notify(textline.TxUUID, []byte("name=lab\r\n"))

	r := <-second
	s.NoError(r.err)
	s.Equal("lab", r.value, "only the matching property MUST resolve the request")
}

func (s *SessionSuite) TestTextLineCommandTimeout() {
	tl, _ := s.connectTextLine()

	_, err := tl.GetValue(context.Background(), textline.PropRate)
	s.ErrorIs(err, device.ErrTimeout)
}

func (s *SessionSuite) TestTextLineStreaming() {
	tl, ch := s.connectTextLine()

	s.Require().NoError(tl.StartStreaming(context.Background()))
	s.Equal(":01\n", string(ch.LastWrite()))

	batches := s.rec.Batches()
	s.Require().Len(batches, 1)
	sample := batches[0][0]
	s.InDelta(1.0, sample.Time, 1e-9)
	s.InDelta(1.0, sample.Quaternion.W, 1e-9)
	s.Require().NotNil(sample.Accelerometer)
	s.InDelta(9.81, sample.Accelerometer.Z, 1e-9)
	s.Require().NotNil(sample.Gyroscope)
	s.InDelta(0.5, sample.Gyroscope.Z, 1e-9)
	s.Nil(sample.Magnetometer)

	ch.Notify(textline.TxUUID, []byte("garbage\r\n"+textLineSample))
	s.Len(s.rec.Batches(), 2, "a malformed line MUST NOT stop the following ones")

	s.Require().NoError(tl.StopStreaming(context.Background()))
	s.Equal(":02\n", string(ch.LastWrite()))
}

func (s *SessionSuite) TestTextLineStopDropsPartialLine() {
	tl, ch := s.connectTextLine()

	s.Require().NoError(tl.StartStreaming(context.Background()))
	// the device goes quiet mid-line and does not acknowledge the stop
	ch.Respond(func(c *testutils.Channel, endpoint string, data []byte) {
		if strings.TrimSpace(string(data)) != ":02" {
			textLineDevice(c, endpoint, data)
		}
	})
	ch.Notify(textline.TxUUID, []byte(textLineSample[:12]))
	s.Require().NoError(tl.StopStreaming(context.Background()))
	s.Zero(tl.lines.Pending(), "stopping MUST drop the held-over tail")

	s.Require().NoError(tl.StartStreaming(context.Background()))
	s.Len(s.rec.Batches(), 2)
	s.Empty(s.helper.Entries(logrus.WarnLevel, "Dropping frame"), "a stale tail MUST NOT corrupt the next stream")
}

func (s *SessionSuite) TestTextLineIdentifyFailure() {
	tr := testutils.NewTransport(textLinePeripheral()).Respond(func(ch *testutils.Channel, _ string, _ []byte) {
		ch.Notify(textline.TxUUID, []byte("1,0\r\n"))
	})

	_, err := ConnectTextLine(context.Background(), tr, s.options())
	s.ErrorIs(err, device.ErrBindFailed)
	s.ErrorIs(err, &textline.DeviceError{Code: textline.StatusUnknownProperty})
	s.Equal(1, tr.Channel().Disconnects(), "a failed identification MUST release the link")
}
