package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol/halfstream"
	"github.com/srg/imulink/internal/protocol/regmap"
	"github.com/srg/imulink/internal/protocol/textline"
	"github.com/srg/imulink/internal/testutils"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects everything a session reports through its callbacks.
type recorder struct {
	mu          sync.Mutex
	batches     [][]imu.Sample
	states      []Snapshot
	disconnects []error
}

func (r *recorder) sink(samples []imu.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]imu.Sample(nil), samples...))
}

func (r *recorder) state(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) disconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func (r *recorder) Batches() [][]imu.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]imu.Sample(nil), r.batches...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.states))
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *recorder) Disconnects() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func (r *recorder) options(logger *logrus.Logger) Options {
	return Options{
		Attempts:           3,
		RetryDelay:         time.Millisecond,
		ConnectTimeout:     timeout,
		CommandTimeout:     100 * time.Millisecond,
		StreamStartTimeout: 100 * time.Millisecond,
		Sink:               r.sink,
		OnStateChange:      r.state,
		OnDisconnect:       r.disconnect,
		Logger:             logger,
	}
}

// halfstream device

func halfStreamPeripheral() *testutils.Peripheral {
	return &testutils.Peripheral{
		Addr:      "AA:BB:CC:00:00:01",
		LocalName: "HS-IMU-00A1",
		Rssi:      -41,
		Endpoints: []string{halfstream.ControlUUID, halfstream.DataUUID, halfstream.BatteryLevelUUID},
	}
}

var halfStreamSamples = []halfstream.RawSample{
	{AccelG: [3]float64{0, 0, 1}, Quaternion: [4]int16{-32767, 0, 0, 0}, GyroDeg: [3]float64{0, 0, 90}},
	{AccelG: [3]float64{0, 0.5, 1}, Quaternion: [4]int16{-32767, 0, 0, 0}, GyroDeg: [3]float64{0, 0, 45}},
}

// halfStreamDevice answers the start command with one data frame.
func halfStreamDevice(ch *testutils.Channel, _ string, data []byte) {
	if len(data) > 0 && data[0] == halfstream.OpStartStream {
		ch.Notify(halfstream.DataUUID, halfstream.EncodeFrame(1000, halfStreamSamples))
	}
}

// regmap device

var regMapImage = map[string]string{
	regmap.FieldWhoAmI:   "113",
	regmap.FieldVersion:  "1.4.2",
	regmap.FieldID:       "0123456789ABCDEF",
	regmap.FieldMAC:      "C0:FF:EE:00:11:22",
	regmap.FieldBattery:  "91",
	regmap.FieldCharging: "0",
	regmap.FieldMode:     "1",
	regmap.FieldRate:     "100",
	regmap.FieldName:     "left-wrist",
}

func regMapPeripheral() *testutils.Peripheral {
	return &testutils.Peripheral{
		Addr:      "AA:BB:CC:00:00:02",
		LocalName: "RMX 0123",
		Endpoints: []string{regmap.WriteUUID, regmap.NotifyUUID},
	}
}

// regMapDevice emulates control memory, echoes field writes and pushes one stream frame
// when the mode field is written.
type regMapDevice struct {
	mu     sync.Mutex
	memory [regmap.ControlSize]byte
	silent bool
}

func newRegMapDevice(t *testing.T) *regMapDevice {
	d := &regMapDevice{}
	for name, value := range regMapImage {
		f, ok := regmap.LookupField(name)
		require.True(t, ok)
		raw, err := f.Encode(value)
		require.NoError(t, err)
		copy(d.memory[f.Address:], raw)
	}
	return d
}

func (d *regMapDevice) setSilent(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = v
}

func (d *regMapDevice) respond(ch *testutils.Channel, _ string, data []byte) {
	env, err := regmap.ParseEnvelope(data)
	if err != nil {
		return
	}
	d.mu.Lock()
	silent := d.silent
	d.mu.Unlock()
	if silent {
		return
	}

	switch env.Opcode {
	case regmap.OpRead:
		d.mu.Lock()
		payload := append([]byte(nil), d.memory[env.Address:env.Address+uint32(env.Length)]...)
		d.mu.Unlock()
		ch.Notify(regmap.NotifyUUID, regmap.Envelope{
			Opcode:  regmap.OpData,
			Address: env.Address,
			Length:  env.Length,
			Payload: payload,
		}.Marshal())

	case regmap.OpData:
		d.mu.Lock()
		copy(d.memory[env.Address:], env.Payload)
		d.mu.Unlock()
		ch.Notify(regmap.NotifyUUID, data)

		if mode, _ := regmap.LookupField(regmap.FieldMode); env.Address == mode.Address {
			frame, err := regmap.EncodeStream(regmap.Header{Mode: regmap.ModeMixed, Seconds: 5, Battery: 64}, []regmap.RawSample{
				{Quaternion: [4]int16{32767, 0, 0, 0}, Acc: [3]int16{0, 0, 4096}},
				{Quaternion: [4]int16{32767, 0, 0, 0}, Acc: [3]int16{0, 0, 4096}},
			})
			if err == nil {
				ch.Notify(regmap.NotifyUUID, frame)
			}
		}

	case regmap.OpAbort:
		ch.Notify(regmap.NotifyUUID, regmap.Envelope{Opcode: regmap.OpAbort, Address: env.Address}.Marshal())
	}
}

// textline device

func textLinePeripheral() *testutils.Peripheral {
	return &testutils.Peripheral{
		Addr:      "AA:BB:CC:00:00:03",
		LocalName: "TLX-42",
		Endpoints: []string{textline.RxUUID, textline.TxUUID},
	}
}

const textLineSample = "1000000;0,0,0,1;0,0,9.81;0,0,0.5\r\n"

// textLineDevice answers queries in split chunks. Properties it does not know are ignored
// unless listed as unknown, so tests can hold a request open.
func textLineDevice(ch *testutils.Channel, _ string, data []byte) {
	send := func(chunks ...string) {
		for _, c := range chunks {
			ch.Notify(textline.TxUUID, []byte(c))
		}
	}

	switch line := strings.TrimSpace(string(data)); {
	case line == "?serial":
		send("seri", "al=TL0042\r", "\n")
	case line == "?version":
		send("version=2.1.0\r\nbattery=7", "3\r\n")
	case line == "?bogus":
		send("1,0\r\n")
	case line == "!serial=X":
		send("3,0\r\n")
	case strings.HasPrefix(line, "!rate="):
		send("0,7\r\n")
	case line == ":01":
		send("0,0\r\n", textLineSample[:10], textLineSample[10:])
	case line == ":02", line == ":04":
		send("0,0\r\n")
	}
}
