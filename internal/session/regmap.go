package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/regmap"
)

// identityLength spans every control field from who_am_i through sync.
const identityLength = 0x2B

// RegMap is a session over the memory-mapped binary family.
type RegMap struct {
	*core
}

var _ Session = (*RegMap)(nil)

// ConnectRegMap connects a regmap device and reads its control memory.
func ConnectRegMap(ctx context.Context, t device.Transport, opts Options) (*RegMap, error) {
	if opts.Selector.NamePrefix == "" && opts.Selector.Address == "" {
		opts.Selector.NamePrefix = regmap.NamePrefix
	}
	s := &RegMap{core: newCore(imu.TechRegMap, regmap.Codec{}, opts)}
	s.fam = s
	if err := s.connect(ctx, t); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RegMap) binding() device.Binding {
	return device.Binding{
		Service: regmap.ServiceUUID,
		Write:   regmap.WriteUUID,
		Notify:  []string{regmap.NotifyUUID},
	}
}

func (s *RegMap) identify(ctx context.Context) error {
	resp, err := s.ReadControl(ctx, regmap.ControlAddress, identityLength)
	if err != nil {
		return fmt.Errorf("read control memory: %w", err)
	}
	var serial, version string
	if v, ok := resp.Value(regmap.FieldID); ok {
		serial = v.String()
	}
	if v, ok := resp.Value(regmap.FieldVersion); ok {
		version = v.String()
	}
	s.setIdentity(serial, version)
	if v, ok := resp.Value(regmap.FieldBattery); ok && v.Uint() <= 100 {
		s.setBattery(int(v.Uint()))
	}
	return nil
}

func (s *RegMap) handle(_ string, data []byte) {
	s.route(s.codec.DecodeFrame(data))
}

func (s *RegMap) matches(key string, resp protocol.Response) bool {
	cr, ok := resp.(*regmap.ControlResponse)
	if !ok {
		return false
	}
	if name, ok := strings.CutPrefix(key, "write:"); ok {
		_, echoed := cr.Value(name)
		return echoed
	}
	var addr uint32
	var length uint16
	if _, err := fmt.Sscanf(key, "read:%d:%d", &addr, &length); err != nil {
		return false
	}
	return cr.Covers(addr, length)
}

func (s *RegMap) startCommand() protocol.Command {
	mode := s.opts.StreamMode
	if mode == 0 {
		mode = int(regmap.ModeMixed)
	}
	return protocol.Command{Kind: protocol.CmdStartStream, Code: mode, Count: s.opts.Buffering}
}

func (s *RegMap) stopped() {}

// ReadControl reads length bytes of control memory at addr and returns every field the
// answer fully contains.
func (s *RegMap) ReadControl(ctx context.Context, addr uint32, length uint16) (*regmap.ControlResponse, error) {
	key := fmt.Sprintf("read:%d:%d", addr, length)
	resp, err := s.request(ctx, key, protocol.Command{Kind: protocol.CmdRead, Address: addr, Length: length})
	if err != nil {
		return nil, err
	}
	return resp.(*regmap.ControlResponse), nil
}

// WriteField writes one control field by stable name and waits for the device to echo it.
func (s *RegMap) WriteField(ctx context.Context, name, value string) (regmap.FieldValue, error) {
	f, ok := regmap.LookupField(name)
	if !ok {
		return regmap.FieldValue{}, protocol.Unknownf("control field %q", name)
	}
	if f.ReadOnly {
		return regmap.FieldValue{}, fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	resp, err := s.request(ctx, "write:"+name, protocol.Command{Kind: protocol.CmdSet, Property: name, Value: value})
	if err != nil {
		return regmap.FieldValue{}, err
	}
	v, _ := resp.(*regmap.ControlResponse).Value(name)
	return v, nil
}

// Abort cancels a transfer from the memory at addr.
func (s *RegMap) Abort(ctx context.Context, addr uint32) error {
	return s.send(ctx, protocol.Command{Kind: protocol.CmdAbort, Address: addr})
}
