package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
	"github.com/srg/imulink/internal/protocol/textline"
	"github.com/srg/imulink/internal/reassembly"
)

// TextLine is a session over the ASCII command/response family.
type TextLine struct {
	*core
	lines *reassembly.LineBuffer
}

var _ Session = (*TextLine)(nil)

// ConnectTextLine connects a textline device and queries its serial and version.
func ConnectTextLine(ctx context.Context, t device.Transport, opts Options) (*TextLine, error) {
	if opts.Selector.NamePrefix == "" && opts.Selector.Address == "" {
		opts.Selector.NamePrefix = textline.NamePrefix
	}
	c := newCore(imu.TechTextLine, textline.Codec{}, opts)
	s := &TextLine{
		core:  c,
		lines: reassembly.NewLineBuffer(c.opts.MaxLine, c.logger),
	}
	s.fam = s
	if err := s.connect(ctx, t); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TextLine) binding() device.Binding {
	return device.Binding{
		Service: textline.ServiceUUID,
		Write:   textline.RxUUID,
		Notify:  []string{textline.TxUUID},
	}
}

func (s *TextLine) identify(ctx context.Context) error {
	serial, err := s.GetValue(ctx, textline.PropSerial)
	if err != nil {
		return fmt.Errorf("query serial: %w", err)
	}
	version, err := s.GetValue(ctx, textline.PropVersion)
	if err != nil {
		return fmt.Errorf("query version: %w", err)
	}
	s.setIdentity(serial, version)
	return nil
}

func (s *TextLine) handle(_ string, data []byte) {
	s.lines.Feed(data, func(line []byte) error {
		s.route(s.codec.DecodeFrame(line))
		return nil
	})
}

// matches pairs "get:<prop>" with a property line carrying prop, or with a status line
// (the device answers an unknown property with an error status). "set:" and "op:" keys
// take the next status line.
func (s *TextLine) matches(key string, resp protocol.Response) bool {
	switch r := resp.(type) {
	case *textline.Properties:
		prop, ok := strings.CutPrefix(key, "get:")
		if !ok {
			return false
		}
		_, has := r.Get(prop)
		return has
	case *textline.Status:
		return true
	default:
		return false
	}
}

func (s *TextLine) startCommand() protocol.Command {
	return protocol.Command{Kind: protocol.CmdStartStream}
}

// stopped drops a partial line so it cannot prefix the first line of the next stream.
func (s *TextLine) stopped() {
	s.dispatchMu.Lock()
	s.lines.Reset()
	s.dispatchMu.Unlock()
}

// GetValue queries one property.
func (s *TextLine) GetValue(ctx context.Context, property string) (string, error) {
	resp, err := s.request(ctx, "get:"+property, protocol.Command{Kind: protocol.CmdGet, Property: property})
	if err != nil {
		return "", err
	}
	switch r := resp.(type) {
	case *textline.Properties:
		v, _ := r.Get(property)
		return v, nil
	case *textline.Status:
		if err := r.Err(); err != nil {
			return "", fmt.Errorf("get %s: %w", property, err)
		}
		return "", fmt.Errorf("get %s: device answered with a bare status", property)
	}
	return "", fmt.Errorf("get %s: unexpected %s response", property, resp.ResponseKind())
}

// SetValue writes one property and returns the device's write count.
func (s *TextLine) SetValue(ctx context.Context, property, value string) (int, error) {
	cmd := protocol.Command{Kind: protocol.CmdSet, Property: property, Value: value}
	return s.status(ctx, "set:"+property, cmd)
}

// Opcode sends a ":NN" shorthand command and waits for its status.
func (s *TextLine) Opcode(ctx context.Context, code int) (int, error) {
	return s.status(ctx, fmt.Sprintf("op:%02d", code), protocol.Command{Kind: protocol.CmdOpcode, Code: code})
}

func (s *TextLine) status(ctx context.Context, key string, cmd protocol.Command) (int, error) {
	resp, err := s.request(ctx, key, cmd)
	if err != nil {
		return 0, err
	}
	st := resp.(*textline.Status)
	if err := st.Err(); err != nil {
		return st.WriteCount, fmt.Errorf("%s: %w", key, err)
	}
	return st.WriteCount, nil
}
