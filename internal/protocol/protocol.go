// Package protocol holds the contract shared by the vendor codecs.
//
// Codecs are stateless: EncodeCommand turns a typed command into the bytes to write,
// DecodeFrame turns one complete frame into samples and/or a control response.
// Neither performs I/O.
package protocol

import (
	"errors"
	"fmt"

	"github.com/srg/imulink/internal/imu"
)

var (
	// ErrMalformed marks truncated frames or frames whose declared length disagrees with the payload.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknown marks unknown opcodes, modes or command kinds.
	ErrUnknown = errors.New("unknown")
)

// Malformedf wraps ErrMalformed with context.
func Malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Unknownf wraps ErrUnknown with context.
func Unknownf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnknown, fmt.Sprintf(format, args...))
}

// CommandKind enumerates the uniform control verbs.
type CommandKind int

const (
	CmdStartStream CommandKind = iota + 1
	CmdStopStream
	CmdGet
	CmdSet
	CmdOpcode
	CmdRead
	CmdAbort
	CmdFastConverge
	CmdFastConvergeCancel
)

func (k CommandKind) String() string {
	switch k {
	case CmdStartStream:
		return "start_stream"
	case CmdStopStream:
		return "stop_stream"
	case CmdGet:
		return "get"
	case CmdSet:
		return "set"
	case CmdOpcode:
		return "opcode"
	case CmdRead:
		return "read"
	case CmdAbort:
		return "abort"
	case CmdFastConverge:
		return "fast_converge"
	case CmdFastConvergeCancel:
		return "fast_converge_cancel"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a typed request. Codecs read only the fields relevant to the kind.
type Command struct {
	Kind CommandKind

	// Property and Value address named settings (textline get/set, regmap field writes).
	Property string
	Value    string

	// Address and Length address raw memory (regmap reads).
	Address uint32
	Length  uint16

	// Code is a numeric opcode (textline shorthand) or a stream mode (regmap).
	Code int
	// Count is a buffering count or a duration in seconds, depending on the kind.
	Count int
}

// Response is a decoded control answer.
type Response interface {
	ResponseKind() string
}

// Result is everything decoded from one frame.
type Result struct {
	Samples  []imu.Sample
	Response Response
	// Battery is the battery level in percent carried by the frame, or -1 when absent.
	Battery int
}

// NoBattery is the Battery value of frames that do not carry one.
const NoBattery = -1

// Codec is the polymorphic surface every vendor family implements.
type Codec interface {
	Technology() imu.Technology
	EncodeCommand(cmd Command) ([]byte, error)
	DecodeFrame(frame []byte) (Result, error)
}
