package regmap

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/imulink/internal/protocol"
)

// Opcode selects the envelope operation
type Opcode byte

const (
	OpRead   Opcode = 1
	OpData   Opcode = 2
	OpAbort  Opcode = 3
	OpStream Opcode = 4
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpData:
		return "data"
	case OpAbort:
		return "abort"
	case OpStream:
		return "stream"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

const EnvelopeHeaderSize = 7

// Envelope is one addressed memory operation.
type Envelope struct {
	Opcode  Opcode
	Address uint32
	Length  uint16
	Payload []byte
}

// Marshal renders the envelope. Length is written as given; for Data and Stream envelopes
// it is normally len(Payload).
func (e Envelope) Marshal() []byte {
	b := make([]byte, EnvelopeHeaderSize+len(e.Payload))
	b[0] = byte(e.Opcode)
	binary.LittleEndian.PutUint32(b[1:5], e.Address)
	binary.LittleEndian.PutUint16(b[5:7], e.Length)
	copy(b[EnvelopeHeaderSize:], e.Payload)
	return b
}

// ParseEnvelope splits a frame into its envelope. For Data and Stream envelopes the declared
// length must be covered by the payload; the payload is trimmed to the declared length.
func ParseEnvelope(frame []byte) (Envelope, error) {
	if len(frame) < EnvelopeHeaderSize {
		return Envelope{}, protocol.Malformedf("regmap frame of %d bytes is shorter than the %d-byte envelope", len(frame), EnvelopeHeaderSize)
	}

	e := Envelope{
		Opcode:  Opcode(frame[0]),
		Address: binary.LittleEndian.Uint32(frame[1:5]),
		Length:  binary.LittleEndian.Uint16(frame[5:7]),
	}

	payload := frame[EnvelopeHeaderSize:]
	switch e.Opcode {
	case OpData, OpStream:
		if int(e.Length) > len(payload) {
			return e, protocol.Malformedf("%s envelope declares %d bytes at 0x%03x but carries %d", e.Opcode, e.Length, e.Address, len(payload))
		}
		e.Payload = payload[:e.Length]
	case OpRead, OpAbort:
		// no payload
	default:
		return e, protocol.Unknownf("opcode %d", frame[0])
	}
	return e, nil
}
