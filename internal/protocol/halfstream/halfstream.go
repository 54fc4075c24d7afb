// Package halfstream implements the length-prefixed binary stream protocol.
//
// Frame layout (little-endian):
//
//	[0:4]  base timestamp, milliseconds
//	[4]    sub-frame count N
//	[5:]   N × 20-byte sub-frames
//
// Sub-frame layout:
//
//	[0:6]   acceleration x, y, z as binary16, in g
//	[6:14]  quaternion w, x, y, z as int16, each divided by -32767
//	[14:20] angular rate x, y, z as binary16, in deg/s
//
// Sub-frames are 10 ms apart.
package halfstream

import (
	"encoding/binary"
	"math"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
)

const (
	HeaderSize           = 5
	SubFrameSize         = 20
	SampleIntervalMillis = 10

	// QuaternionDivisor is the vendor's fixed-point scale. The sign flip is part of the
	// device's axis convention and must not be dropped.
	QuaternionDivisor = -32767.0

	DegToRad = math.Pi / 180
)

// GATT layout
const (
	NamePrefix         = "HS-IMU"
	ServiceUUID        = "c8c0a708-e361-4b5e-a365-98fa6b0a836f"
	ControlUUID        = "c8c0a709-e361-4b5e-a365-98fa6b0a836f"
	DataUUID           = "c8c0a70a-e361-4b5e-a365-98fa6b0a836f"
	BatteryServiceUUID = "180f"
	BatteryLevelUUID   = "2a19"
)

// Command opcodes written to the control characteristic
const (
	OpStartStream        byte = 0x01
	OpStopStream         byte = 0x02
	OpFastConverge       byte = 0x03
	OpFastConvergeCancel byte = 0x04
)

// MaxFastConvergeSeconds is the longest fast-converge window one command can request.
const MaxFastConvergeSeconds = 255

// Codec is the stateless halfstream codec
type Codec struct{}

var _ protocol.Codec = Codec{}

func (Codec) Technology() imu.Technology { return imu.TechHalfStream }

// EncodeCommand renders a control command.
func (Codec) EncodeCommand(cmd protocol.Command) ([]byte, error) {
	switch cmd.Kind {
	case protocol.CmdStartStream:
		return []byte{OpStartStream}, nil
	case protocol.CmdStopStream:
		return []byte{OpStopStream}, nil
	case protocol.CmdFastConverge:
		if cmd.Count <= 0 || cmd.Count > MaxFastConvergeSeconds {
			return nil, protocol.Malformedf("fast converge duration %ds out of range 1..%d", cmd.Count, MaxFastConvergeSeconds)
		}
		return []byte{OpFastConverge, byte(cmd.Count)}, nil
	case protocol.CmdFastConvergeCancel:
		return []byte{OpFastConvergeCancel}, nil
	default:
		return nil, protocol.Unknownf("halfstream has no %s command", cmd.Kind)
	}
}

// DecodeFrame decodes one data notification into its batch of samples.
func (Codec) DecodeFrame(frame []byte) (protocol.Result, error) {
	res := protocol.Result{Battery: protocol.NoBattery}

	if len(frame) < HeaderSize {
		return res, protocol.Malformedf("halfstream frame of %d bytes is shorter than the %d-byte header", len(frame), HeaderSize)
	}

	baseMillis := binary.LittleEndian.Uint32(frame[0:4])
	count := int(frame[4])
	need := HeaderSize + count*SubFrameSize
	if need > len(frame) {
		return res, protocol.Malformedf("halfstream frame declares %d sub-frames (%d bytes) but carries %d bytes", count, need, len(frame))
	}

	res.Samples = make([]imu.Sample, count)
	for i := 0; i < count; i++ {
		off := HeaderSize + i*SubFrameSize
		res.Samples[i] = decodeSubFrame(frame[off:off+SubFrameSize], float64(baseMillis)+float64(i*SampleIntervalMillis))
	}
	return res, nil
}

func decodeSubFrame(b []byte, millis float64) imu.Sample {
	half := func(off int) float64 {
		return Float16ToFloat64(binary.LittleEndian.Uint16(b[off : off+2]))
	}
	fixed := func(off int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(b[off:off+2]))) / QuaternionDivisor
	}

	acc := imu.Xyz{X: half(0), Y: half(2), Z: half(4)}.Scale(imu.StandardGravity)
	gyr := imu.Xyz{X: half(14), Y: half(16), Z: half(18)}.Scale(DegToRad)

	return imu.Sample{
		Time:          millis / 1000,
		Quaternion:    imu.Quaternion{W: fixed(6), X: fixed(8), Y: fixed(10), Z: fixed(12)},
		Accelerometer: &acc,
		Gyroscope:     &gyr,
	}
}

// DecodeBattery decodes the standard battery level characteristic (one byte, percent).
func DecodeBattery(data []byte) (int, error) {
	if len(data) < 1 {
		return protocol.NoBattery, protocol.Malformedf("empty battery notification")
	}
	if data[0] > 100 {
		return protocol.NoBattery, protocol.Malformedf("battery level %d%% out of range", data[0])
	}
	return int(data[0]), nil
}

// RawSample is one sub-frame in device units, used to build frames.
type RawSample struct {
	AccelG     [3]float64
	Quaternion [4]int16 // w, x, y, z
	GyroDeg    [3]float64
}

// EncodeFrame builds a data frame the way the device emits it.
func EncodeFrame(baseMillis uint32, samples []RawSample) []byte {
	frame := make([]byte, HeaderSize+len(samples)*SubFrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], baseMillis)
	frame[4] = byte(len(samples))

	for i, s := range samples {
		b := frame[HeaderSize+i*SubFrameSize:]
		for j, v := range s.AccelG {
			binary.LittleEndian.PutUint16(b[j*2:], Float64ToFloat16(v))
		}
		for j, v := range s.Quaternion {
			binary.LittleEndian.PutUint16(b[6+j*2:], uint16(v))
		}
		for j, v := range s.GyroDeg {
			binary.LittleEndian.PutUint16(b[14+j*2:], Float64ToFloat16(v))
		}
	}
	return frame
}
