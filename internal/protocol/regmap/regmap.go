// Package regmap implements the memory-mapped binary protocol.
//
// Every message is an envelope addressing device memory:
//
//	[0]    opcode (Read=1, Data=2, Abort=3, Stream=4)
//	[1:5]  address, little-endian
//	[5:7]  length, little-endian
//	[7:]   payload
//
// Identity and configuration live in a 64-byte control memory at 0x00; samples are pushed
// from a 237-byte stream memory at 0x100.
package regmap

import (
	"errors"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
)

// GATT layout
const (
	NamePrefix  = "RMX"
	ServiceUUID = "5f3a0001-9c1d-4e8b-a9c2-1b6f3e2d7a10"
	WriteUUID   = "5f3a0002-9c1d-4e8b-a9c2-1b6f3e2d7a10"
	NotifyUUID  = "5f3a0003-9c1d-4e8b-a9c2-1b6f3e2d7a10"
)

// ErrInvalidValue is returned when a field value cannot be encoded into its slot.
var ErrInvalidValue = errors.New("invalid field value")

// Codec is the stateless regmap codec
type Codec struct{}

var _ protocol.Codec = Codec{}

func (Codec) Technology() imu.Technology { return imu.TechRegMap }

// EncodeCommand renders a command as an envelope.
//
//   - CmdRead reads Length bytes of control memory at Address.
//   - CmdSet writes Value into the control field named Property.
//   - CmdStartStream writes Code (mode) and Count (buffering, 0 for the mode's maximum) to the mode field.
//   - CmdStopStream aborts the stream memory; CmdAbort aborts Address.
func (Codec) EncodeCommand(cmd protocol.Command) ([]byte, error) {
	switch cmd.Kind {
	case protocol.CmdRead:
		if cmd.Length == 0 || !withinControl(cmd.Address, cmd.Length) {
			return nil, protocol.Malformedf("read [0x%02x, +%d) outside control memory", cmd.Address, cmd.Length)
		}
		return Envelope{Opcode: OpRead, Address: cmd.Address, Length: cmd.Length}.Marshal(), nil

	case protocol.CmdSet:
		return EncodeFieldWrite(cmd.Property, cmd.Value)

	case protocol.CmdStartStream:
		mode := Mode(cmd.Code)
		layout, ok := layouts[mode]
		if !ok {
			return nil, protocol.Unknownf("stream mode %d", cmd.Code)
		}
		buffering := cmd.Count
		if buffering == 0 {
			buffering = layout.maxBuffering
		}
		if buffering < 1 || buffering > layout.maxBuffering {
			return nil, protocol.Malformedf("buffering %d out of range 1..%d for mode %s", buffering, layout.maxBuffering, mode)
		}
		f := mustField(FieldMode)
		return Envelope{
			Opcode:  OpData,
			Address: f.Address,
			Length:  uint16(f.Size),
			Payload: []byte{byte(mode)&0x0f | byte(buffering)<<4},
		}.Marshal(), nil

	case protocol.CmdStopStream:
		return Envelope{Opcode: OpAbort, Address: StreamAddress}.Marshal(), nil

	case protocol.CmdAbort:
		return Envelope{Opcode: OpAbort, Address: cmd.Address}.Marshal(), nil

	default:
		return nil, protocol.Unknownf("regmap has no %s command", cmd.Kind)
	}
}

// DecodeFrame decodes one notification. Stream envelopes yield samples and the battery level
// from the stream header; Data envelopes in control memory yield a *ControlResponse;
// Abort envelopes yield an *Ack.
func (Codec) DecodeFrame(frame []byte) (protocol.Result, error) {
	res := protocol.Result{Battery: protocol.NoBattery}

	env, err := ParseEnvelope(frame)
	if err != nil {
		return res, err
	}

	switch env.Opcode {
	case OpStream:
		header, samples, err := DecodeStream(env)
		if err != nil {
			return res, err
		}
		res.Samples = samples
		res.Battery = int(header.Battery)
		return res, nil

	case OpData:
		resp, err := DecodeControl(env)
		if err != nil {
			return res, err
		}
		res.Response = resp
		return res, nil

	case OpAbort:
		res.Response = &Ack{Address: env.Address}
		return res, nil

	default:
		return res, protocol.Unknownf("device sent opcode %s", env.Opcode)
	}
}

// Ack is the device's acknowledgement of an abort.
type Ack struct {
	Address uint32
}

func (*Ack) ResponseKind() string { return "ack" }
