// Package textline implements the ASCII command/response protocol.
//
// Commands are single lines:
//
//	?prop          read a property
//	!prop=value    write a property
//	:NN            two-digit opcode shorthand
//
// The device answers with CRLF-terminated lines of three shapes: streaming samples
// ("µs;qx,qy,qz,qw;ax,ay,az;gx,gy,gz[;mx,my,mz]"), write status ("code,count") and
// property lists ("key=value[;key=value...]").
package textline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
)

// GATT layout (Nordic UART service)
const (
	NamePrefix  = "TLX"
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RxUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	TxUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Opcodes for the ":NN" shorthand
const (
	OpStartStream = 1
	OpStopStream  = 2
	OpReset       = 3
	OpSave        = 4
)

// Well-known properties
const (
	PropSerial  = "serial"
	PropVersion = "version"
	PropRate    = "rate"
	PropName    = "name"
)

const (
	number = `[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`
	vec3   = `(` + number + `),(` + number + `),(` + number + `)`
)

var (
	sampleRe   = regexp.MustCompile(`^(\d+);` + `(` + number + `),(` + number + `),(` + number + `),(` + number + `);` + vec3 + `;` + vec3 + `(?:;` + vec3 + `)?$`)
	statusRe   = regexp.MustCompile(`^(\d+),(\d+)$`)
	propertyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
)

// Codec is the stateless textline codec. DecodeFrame expects one line.
type Codec struct{}

var _ protocol.Codec = Codec{}

func (Codec) Technology() imu.Technology { return imu.TechTextLine }

// EncodeCommand renders a command line including the trailing newline.
func (Codec) EncodeCommand(cmd protocol.Command) ([]byte, error) {
	switch cmd.Kind {
	case protocol.CmdGet:
		if !propertyRe.MatchString(cmd.Property) {
			return nil, protocol.Malformedf("invalid property name %q", cmd.Property)
		}
		return []byte("?" + cmd.Property + "\n"), nil

	case protocol.CmdSet:
		if !propertyRe.MatchString(cmd.Property) {
			return nil, protocol.Malformedf("invalid property name %q", cmd.Property)
		}
		if strings.ContainsAny(cmd.Value, "\r\n;") {
			return nil, protocol.Malformedf("invalid value for %s: %q", cmd.Property, cmd.Value)
		}
		return []byte("!" + cmd.Property + "=" + cmd.Value + "\n"), nil

	case protocol.CmdOpcode:
		return encodeOpcode(cmd.Code)
	case protocol.CmdStartStream:
		return encodeOpcode(OpStartStream)
	case protocol.CmdStopStream:
		return encodeOpcode(OpStopStream)

	default:
		return nil, protocol.Unknownf("textline has no %s command", cmd.Kind)
	}
}

func encodeOpcode(code int) ([]byte, error) {
	if code < 0 || code > 99 {
		return nil, protocol.Malformedf("opcode %d does not fit two digits", code)
	}
	return []byte(fmt.Sprintf(":%02d\n", code)), nil
}

// DecodeFrame classifies one line. Lines that are neither samples nor status fall through
// to property parsing; only lines that are not properties either are malformed.
func (Codec) DecodeFrame(frame []byte) (protocol.Result, error) {
	res := protocol.Result{Battery: protocol.NoBattery}
	line := strings.TrimRight(string(frame), "\r\n")
	if line == "" {
		return res, protocol.Malformedf("empty line")
	}

	if m := sampleRe.FindStringSubmatch(line); m != nil {
		s, err := parseSample(m)
		if err != nil {
			return res, err
		}
		res.Samples = []imu.Sample{s}
		return res, nil
	}

	if m := statusRe.FindStringSubmatch(line); m != nil {
		code, err1 := strconv.Atoi(m[1])
		count, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return res, protocol.Malformedf("status line %q out of range", line)
		}
		res.Response = &Status{Code: code, WriteCount: count}
		return res, nil
	}

	props, err := ParseProperties(line)
	if err != nil {
		return res, err
	}
	res.Response = props
	if v, ok := props.Get("battery"); ok {
		if level, err := strconv.Atoi(v); err == nil && level >= 0 && level <= 100 {
			res.Battery = level
		}
	}
	return res, nil
}

func parseSample(m []string) (imu.Sample, error) {
	micros, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return imu.Sample{}, protocol.Malformedf("sample time %q: %v", m[1], err)
	}

	f := make([]float64, 0, 13)
	for _, s := range m[2:] {
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return imu.Sample{}, protocol.Malformedf("sample value %q: %v", s, err)
		}
		f = append(f, v)
	}

	s := imu.Sample{
		Time:          float64(micros) / 1e6,
		Quaternion:    imu.Quaternion{X: f[0], Y: f[1], Z: f[2], W: f[3]},
		Accelerometer: &imu.Xyz{X: f[4], Y: f[5], Z: f[6]},
		Gyroscope:     &imu.Xyz{X: f[7], Y: f[8], Z: f[9]},
	}
	if len(f) == 13 {
		s.Magnetometer = &imu.Xyz{X: f[10], Y: f[11], Z: f[12]}
	}
	return s, nil
}

// FormatSample renders a sample line the way the device emits it.
func FormatSample(s imu.Sample) string {
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	xyz := func(v *imu.Xyz) string {
		if v == nil {
			return "0,0,0"
		}
		return g(v.X) + "," + g(v.Y) + "," + g(v.Z)
	}
	q := s.Quaternion
	line := fmt.Sprintf("%d;%s,%s,%s,%s;%s;%s", uint64(s.Time*1e6+0.5), g(q.X), g(q.Y), g(q.Z), g(q.W),
		xyz(s.Accelerometer), xyz(s.Gyroscope))
	if s.Magnetometer != nil {
		line += ";" + xyz(s.Magnetometer)
	}
	return line + "\r\n"
}

// Properties is a decoded key=value line in wire order.
type Properties struct {
	Values *orderedmap.OrderedMap[string, string]
}

func (*Properties) ResponseKind() string { return "properties" }

// Get returns a property value by name.
func (p *Properties) Get(name string) (string, bool) {
	return p.Values.Get(name)
}

// ParseProperties parses "key=value[;key=value...]".
func ParseProperties(line string) (*Properties, error) {
	p := &Properties{Values: orderedmap.New[string, string]()}
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || !propertyRe.MatchString(key) {
			return nil, protocol.Malformedf("unrecognized line %q", line)
		}
		p.Values.Set(key, strings.TrimSpace(value))
	}
	return p, nil
}

// Status is the device's answer to a write or opcode.
type Status struct {
	Code       int
	WriteCount int
}

func (*Status) ResponseKind() string { return "status" }

// Err returns nil for a successful status and a *DeviceError otherwise.
func (s *Status) Err() error {
	if s.Code == StatusOK {
		return nil
	}
	return &DeviceError{Code: s.Code}
}
