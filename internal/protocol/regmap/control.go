package regmap

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/imulink/internal/protocol"
)

const (
	ControlAddress = 0x00
	ControlSize    = 64
)

// Stable control field names
const (
	FieldWhoAmI       = "who_am_i"
	FieldVersion      = "version"
	FieldID           = "id"
	FieldMAC          = "mac"
	FieldBattery      = "battery"
	FieldCharging     = "charging"
	FieldMode         = "mode"
	FieldRange        = "range"
	FieldRate         = "rate"
	FieldName         = "name"
	FieldInterference = "interference"
	FieldAnnotation   = "annotation"
	FieldSync         = "sync"
)

// Kind selects how a field's bytes map to its text value.
type Kind int

const (
	KindUint    Kind = iota // little-endian unsigned integer
	KindVersion             // major.minor.patch, one byte each
	KindID                  // 64-bit little-endian, rendered as 16 hex digits
	KindMAC                 // six bytes in wire order, colon separated
	KindText                // NUL-padded ASCII
)

// Field is one slot of control memory.
type Field struct {
	Name     string
	Address  uint32
	Size     int
	Kind     Kind
	ReadOnly bool
}

// End is the first address past the field.
func (f Field) End() uint32 { return f.Address + uint32(f.Size) }

// Fields is the control memory map in address order.
var Fields = newFieldTable(
	Field{Name: FieldWhoAmI, Address: 0x00, Size: 1, Kind: KindUint, ReadOnly: true},
	Field{Name: FieldVersion, Address: 0x01, Size: 3, Kind: KindVersion, ReadOnly: true},
	Field{Name: FieldID, Address: 0x04, Size: 8, Kind: KindID, ReadOnly: true},
	Field{Name: FieldMAC, Address: 0x0C, Size: 6, Kind: KindMAC, ReadOnly: true},
	Field{Name: FieldBattery, Address: 0x12, Size: 1, Kind: KindUint, ReadOnly: true},
	Field{Name: FieldCharging, Address: 0x13, Size: 1, Kind: KindUint, ReadOnly: true},
	Field{Name: FieldMode, Address: 0x14, Size: 1, Kind: KindUint},
	Field{Name: FieldRange, Address: 0x15, Size: 1, Kind: KindUint},
	Field{Name: FieldRate, Address: 0x16, Size: 2, Kind: KindUint},
	Field{Name: FieldName, Address: 0x18, Size: 16, Kind: KindText},
	Field{Name: FieldInterference, Address: 0x28, Size: 1, Kind: KindUint},
	Field{Name: FieldAnnotation, Address: 0x29, Size: 1, Kind: KindUint},
	Field{Name: FieldSync, Address: 0x2A, Size: 1, Kind: KindUint},
)

func newFieldTable(fields ...Field) *orderedmap.OrderedMap[string, Field] {
	m := orderedmap.New[string, Field]()
	for _, f := range fields {
		m.Set(f.Name, f)
	}
	return m
}

// LookupField returns the field with the given stable name.
func LookupField(name string) (Field, bool) {
	return Fields.Get(name)
}

func mustField(name string) Field {
	f, ok := Fields.Get(name)
	if !ok {
		panic(fmt.Sprintf("regmap: no control field %q", name))
	}
	return f
}

// Encode converts a text value into the field's wire bytes.
func (f Field) Encode(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	b := make([]byte, f.Size)

	switch f.Kind {
	case KindUint:
		v, err := strconv.ParseUint(value, 0, f.Size*8)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, f.Name, value, err)
		}
		for i := 0; i < f.Size; i++ {
			b[i] = byte(v >> (8 * i))
		}

	case KindVersion:
		parts := strings.Split(value, ".")
		if len(parts) != f.Size {
			return nil, fmt.Errorf("%w: %s=%q: want %d dot-separated parts", ErrInvalidValue, f.Name, value, f.Size)
		}
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, f.Name, value, err)
			}
			b[i] = byte(v)
		}

	case KindID:
		v, err := strconv.ParseUint(value, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, f.Name, value, err)
		}
		binary.LittleEndian.PutUint64(b, v)

	case KindMAC:
		hw, err := net.ParseMAC(value)
		if err != nil || len(hw) != f.Size {
			return nil, fmt.Errorf("%w: %s=%q: not a %d-byte address", ErrInvalidValue, f.Name, value, f.Size)
		}
		copy(b, hw)

	case KindText:
		if len(value) > f.Size {
			return nil, fmt.Errorf("%w: %s=%q: longer than %d bytes", ErrInvalidValue, f.Name, value, f.Size)
		}
		copy(b, value)
	}
	return b, nil
}

// Decode renders the field's wire bytes as text. raw must be f.Size bytes long.
func (f Field) Decode(raw []byte) string {
	switch f.Kind {
	case KindVersion:
		parts := make([]string, len(raw))
		for i, v := range raw {
			parts[i] = strconv.Itoa(int(v))
		}
		return strings.Join(parts, ".")
	case KindID:
		return fmt.Sprintf("%016X", binary.LittleEndian.Uint64(raw))
	case KindMAC:
		return strings.ToUpper(net.HardwareAddr(raw).String())
	case KindText:
		return strings.TrimRight(string(raw), "\x00")
	default:
		return strconv.FormatUint(decodeUint(raw), 10)
	}
}

func decodeUint(raw []byte) uint64 {
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}

// FieldValue is one decoded control field.
type FieldValue struct {
	Field Field
	Raw   []byte
}

func (v FieldValue) String() string { return v.Field.Decode(v.Raw) }

// Uint returns the raw bytes as a little-endian integer.
func (v FieldValue) Uint() uint64 { return decodeUint(v.Raw) }

// ControlResponse is a decoded Data envelope from control memory.
type ControlResponse struct {
	Address uint32
	Length  uint16
	// Values holds every field fully contained in [Address, Address+Length), in address order.
	Values *orderedmap.OrderedMap[string, FieldValue]
}

func (*ControlResponse) ResponseKind() string { return "control" }

// Covers reports whether [addr, addr+length) lies within the response.
func (r *ControlResponse) Covers(addr uint32, length uint16) bool {
	return addr >= r.Address && uint64(addr)+uint64(length) <= uint64(r.Address)+uint64(r.Length)
}

// withinControl reports whether [addr, addr+length) lies inside control memory.
func withinControl(addr uint32, length uint16) bool {
	off := addr - ControlAddress
	return addr >= ControlAddress && off <= ControlSize && uint32(length) <= ControlSize-off
}

// Value returns the decoded field by name.
func (r *ControlResponse) Value(name string) (FieldValue, bool) {
	return r.Values.Get(name)
}

// DecodeControl extracts every field fully contained in a Data envelope.
func DecodeControl(env Envelope) (*ControlResponse, error) {
	if env.Opcode != OpData {
		return nil, protocol.Unknownf("%s envelope is not a control response", env.Opcode)
	}
	start := env.Address
	if !withinControl(start, env.Length) {
		return nil, protocol.Malformedf("data envelope [0x%02x, +%d) extends past control memory", start, env.Length)
	}
	end := start + uint32(env.Length)

	resp := &ControlResponse{
		Address: env.Address,
		Length:  env.Length,
		Values:  orderedmap.New[string, FieldValue](),
	}
	for pair := Fields.Oldest(); pair != nil; pair = pair.Next() {
		f := pair.Value
		if f.Address < start || f.End() > end {
			continue
		}
		raw := make([]byte, f.Size)
		copy(raw, env.Payload[f.Address-start:f.End()-start])
		resp.Values.Set(f.Name, FieldValue{Field: f, Raw: raw})
	}
	return resp, nil
}

// EncodeFieldWrite builds a Data envelope covering exactly the named field.
func EncodeFieldWrite(name, value string) ([]byte, error) {
	f, ok := LookupField(name)
	if !ok {
		return nil, protocol.Unknownf("control field %q", name)
	}
	payload, err := f.Encode(value)
	if err != nil {
		return nil, err
	}
	return Envelope{Opcode: OpData, Address: f.Address, Length: uint16(f.Size), Payload: payload}.Marshal(), nil
}
