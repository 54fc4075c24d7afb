package regmap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
)

const (
	StreamAddress  = 0x100
	StreamLength   = 237
	StreamHeadSize = 9

	// TickMillis is the length of one header tick
	TickMillis = 1.25

	SampleIntervalMillis = 10
	QuaternionScale      = 32767.0
	MagnetometerScale    = 0.15 // µT/LSB

	// optimizedQuatSlots is the fixed size of the quaternion block in Optimized mode
	optimizedQuatSlots = 10
)

// Mode is the stream sub-mode carried in the low nibble of the header.
type Mode byte

const (
	ModeMixed     Mode = 1
	ModeRaw       Mode = 2
	ModeQuat      Mode = 3
	ModeOptimized Mode = 4
	ModeQuatMag   Mode = 5
)

func (m Mode) String() string {
	switch m {
	case ModeMixed:
		return "mixed"
	case ModeRaw:
		return "raw"
	case ModeQuat:
		return "quat"
	case ModeOptimized:
		return "optimized"
	case ModeQuatMag:
		return "quatmag"
	default:
		return fmt.Sprintf("mode(%d)", byte(m))
	}
}

// ParseMode accepts a mode name or number.
func ParseMode(s string) (Mode, error) {
	for m := range layouts {
		if s == m.String() || s == fmt.Sprint(byte(m)) {
			return m, nil
		}
	}
	return 0, protocol.Unknownf("stream mode %q", s)
}

// MaxBuffering returns the largest buffering count the mode fits into stream memory
// and the 4-bit buffering nibble.
func (m Mode) MaxBuffering() int {
	return layouts[m].maxBuffering
}

// full-scale values per 2-bit range, in g and deg/s
var (
	accNative  = scaleTable(imu.StandardGravity/32768, 2, 4, 8, 16)
	gyroNative = scaleTable(math.Pi/180/32768, 250, 500, 1000, 2000)

	// mixed mode shifts raw readings right by one bit to make room for the quaternion
	accMixed  = scaleTable(imu.StandardGravity/32768, 4, 8, 16, 32)
	gyroMixed = scaleTable(math.Pi/180/32768, 500, 1000, 2000, 4000)
)

func scaleTable(unit float64, fullScale ...float64) [4]float64 {
	var t [4]float64
	for i, fs := range fullScale {
		t[i] = fs * unit
	}
	return t
}

type layout struct {
	sampleSize   int
	maxBuffering int
	acc, gyro    *[4]float64
}

var layouts = map[Mode]layout{
	ModeMixed:     {sampleSize: 20, maxBuffering: 11, acc: &accMixed, gyro: &gyroMixed},
	ModeRaw:       {sampleSize: 18, maxBuffering: 12, acc: &accNative, gyro: &gyroNative},
	ModeQuat:      {sampleSize: 8, maxBuffering: 15},
	ModeOptimized: {sampleSize: 8 + 18, maxBuffering: 8, acc: &accNative, gyro: &gyroNative},
	ModeQuatMag:   {sampleSize: 14, maxBuffering: 15},
}

// payloadSize is the number of sample bytes following the header.
func (l layout) payloadSize(mode Mode, buffering int) int {
	if mode == ModeOptimized {
		return optimizedQuatSlots*8 + buffering*18
	}
	return buffering * l.sampleSize
}

// Header is the stream memory header.
type Header struct {
	Mode         Mode
	Buffering    int
	Seconds      uint32
	Ticks        uint16
	Battery      uint8
	Interference uint8 // 2 bits
	Annotation   bool
	Sync         bool
	Range        uint8 // 2 bits
}

// Time returns the timestamp of the first sample in seconds.
func (h Header) Time() float64 {
	return float64(h.Seconds) + float64(h.Ticks)*TickMillis/1000
}

// ParseHeader decodes the 9-byte stream header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < StreamHeadSize {
		return Header{}, protocol.Malformedf("stream header needs %d bytes, got %d", StreamHeadSize, len(b))
	}
	flags := b[8]
	return Header{
		Mode:         Mode(b[0] & 0x0f),
		Buffering:    int(b[0] >> 4),
		Seconds:      binary.LittleEndian.Uint32(b[1:5]),
		Ticks:        binary.LittleEndian.Uint16(b[5:7]),
		Battery:      b[7],
		Interference: flags & 0x03,
		Annotation:   flags&0x04 != 0,
		Sync:         flags&0x08 != 0,
		Range:        (flags >> 4) & 0x03,
	}, nil
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Mode)&0x0f | byte(h.Buffering)<<4
	binary.LittleEndian.PutUint32(b[1:5], h.Seconds)
	binary.LittleEndian.PutUint16(b[5:7], h.Ticks)
	b[7] = h.Battery
	flags := h.Interference&0x03 | (h.Range&0x03)<<4
	if h.Annotation {
		flags |= 0x04
	}
	if h.Sync {
		flags |= 0x08
	}
	b[8] = flags
}

// DecodeStream decodes a Stream envelope into its header and samples.
func DecodeStream(env Envelope) (Header, []imu.Sample, error) {
	if env.Address != StreamAddress {
		return Header{}, nil, protocol.Malformedf("stream envelope at 0x%03x, want 0x%03x", env.Address, StreamAddress)
	}
	if env.Length > StreamLength {
		return Header{}, nil, protocol.Malformedf("stream envelope of %d bytes exceeds stream memory (%d)", env.Length, StreamLength)
	}

	h, err := ParseHeader(env.Payload)
	if err != nil {
		return h, nil, err
	}
	l, ok := layouts[h.Mode]
	if !ok {
		return h, nil, protocol.Unknownf("stream mode %d", byte(h.Mode))
	}
	if h.Buffering > l.maxBuffering {
		return h, nil, protocol.Malformedf("buffering %d exceeds %d for mode %s", h.Buffering, l.maxBuffering, h.Mode)
	}
	body := env.Payload[StreamHeadSize:]
	if need := l.payloadSize(h.Mode, h.Buffering); need > len(body) {
		return h, nil, protocol.Malformedf("mode %s with buffering %d needs %d bytes, got %d", h.Mode, h.Buffering, need, len(body))
	}

	base := h.Time()
	samples := make([]imu.Sample, h.Buffering)
	for i := range samples {
		s := imu.Sample{
			Time:       base + float64(i*SampleIntervalMillis)/1000,
			Quaternion: imu.Identity(),
		}
		switch h.Mode {
		case ModeMixed:
			b := body[i*20:]
			s.Quaternion = quaternionAt(b)
			s.Accelerometer = vectorAt(b[8:], l.acc[h.Range])
			s.Gyroscope = vectorAt(b[14:], l.gyro[h.Range])
		case ModeRaw:
			b := body[i*18:]
			s.Accelerometer = vectorAt(b, l.acc[h.Range])
			s.Gyroscope = vectorAt(b[6:], l.gyro[h.Range])
			s.Magnetometer = vectorAt(b[12:], MagnetometerScale)
		case ModeQuat:
			s.Quaternion = quaternionAt(body[i*8:])
		case ModeOptimized:
			s.Quaternion = quaternionAt(body[i*8:])
			// the quaternion block is sized for 10 entries; unused slots are skipped
			raw := body[optimizedQuatSlots*8+i*18:]
			s.Accelerometer = vectorAt(raw, l.acc[h.Range])
			s.Gyroscope = vectorAt(raw[6:], l.gyro[h.Range])
			s.Magnetometer = vectorAt(raw[12:], MagnetometerScale)
		case ModeQuatMag:
			b := body[i*14:]
			s.Quaternion = quaternionAt(b)
			s.Magnetometer = vectorAt(b[8:], MagnetometerScale)
		}
		samples[i] = s
	}
	return h, samples, nil
}

func int16At(b []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b)))
}

func quaternionAt(b []byte) imu.Quaternion {
	return imu.Quaternion{
		W: int16At(b[0:]) / QuaternionScale,
		X: int16At(b[2:]) / QuaternionScale,
		Y: int16At(b[4:]) / QuaternionScale,
		Z: int16At(b[6:]) / QuaternionScale,
	}
}

func vectorAt(b []byte, scale float64) *imu.Xyz {
	return &imu.Xyz{X: int16At(b[0:]) * scale, Y: int16At(b[2:]) * scale, Z: int16At(b[4:]) * scale}
}

// RawSample is one sample in device units, used to build stream frames.
type RawSample struct {
	Quaternion [4]int16 // w, x, y, z
	Acc        [3]int16
	Gyro       [3]int16
	Mag        [3]int16
}

// EncodeStream builds a full stream memory envelope the way the device pushes it.
// h.Buffering is taken from len(samples).
func EncodeStream(h Header, samples []RawSample) ([]byte, error) {
	l, ok := layouts[h.Mode]
	if !ok {
		return nil, protocol.Unknownf("stream mode %d", byte(h.Mode))
	}
	if len(samples) > l.maxBuffering {
		return nil, protocol.Malformedf("%d samples exceed buffering %d for mode %s", len(samples), l.maxBuffering, h.Mode)
	}
	h.Buffering = len(samples)

	payload := make([]byte, StreamLength)
	h.put(payload)
	body := payload[StreamHeadSize:]

	putQuat := func(b []byte, q [4]int16) { putInt16s(b, q[:]...) }
	for i, s := range samples {
		switch h.Mode {
		case ModeMixed:
			b := body[i*20:]
			putQuat(b, s.Quaternion)
			putInt16s(b[8:], s.Acc[:]...)
			putInt16s(b[14:], s.Gyro[:]...)
		case ModeRaw:
			b := body[i*18:]
			putInt16s(b, s.Acc[:]...)
			putInt16s(b[6:], s.Gyro[:]...)
			putInt16s(b[12:], s.Mag[:]...)
		case ModeQuat:
			putQuat(body[i*8:], s.Quaternion)
		case ModeOptimized:
			putQuat(body[i*8:], s.Quaternion)
			raw := body[optimizedQuatSlots*8+i*18:]
			putInt16s(raw, s.Acc[:]...)
			putInt16s(raw[6:], s.Gyro[:]...)
			putInt16s(raw[12:], s.Mag[:]...)
		case ModeQuatMag:
			b := body[i*14:]
			putQuat(b, s.Quaternion)
			putInt16s(b[8:], s.Mag[:]...)
		}
	}

	return Envelope{Opcode: OpStream, Address: StreamAddress, Length: StreamLength, Payload: payload}.Marshal(), nil
}

func putInt16s(b []byte, vs ...int16) {
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
}
