package ptyio

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol/textline"
	"github.com/srg/imulink/internal/reassembly"
	"github.com/srg/imulink/internal/session"
)

// Streamer is the part of a session a Bridge drives.
type Streamer interface {
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	Snapshot() session.Snapshot
}

// Bridge presents a session of any family on a PTY as a textline device: samples are
// written as sample lines and the slave side may send ?prop, :01 and :02 commands.
type Bridge struct {
	ctx    context.Context
	pty    PTY
	sess   Streamer
	lines  *reassembly.LineBuffer
	logger *logrus.Logger

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewBridge attaches to p. Commands run with ctx.
func NewBridge(ctx context.Context, p PTY, s Streamer, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		ctx:    ctx,
		pty:    p,
		sess:   s,
		lines:  reassembly.NewLineBuffer(256, logger),
		logger: logger,
	}
	p.SetReadCallback(func(data []byte) {
		b.lines.Feed(data, b.handleLine)
	})
	return b
}

// Sink returns the session sink that forwards samples to the PTY.
func (b *Bridge) Sink() session.Sink {
	return func(samples []imu.Sample) {
		for _, s := range samples {
			b.writeLine(textline.FormatSample(s))
		}
	}
}

// Counts returns the lines written and the lines cut short by a full PTY buffer.
func (b *Bridge) Counts() (written, dropped uint64) {
	return b.written.Load(), b.dropped.Load()
}

// Detach stops handling commands from the slave side.
func (b *Bridge) Detach() {
	b.pty.SetReadCallback(nil)
}

func (b *Bridge) writeLine(line string) {
	n, err := b.pty.Write([]byte(line))
	if err != nil || n < len(line) {
		b.dropped.Add(1)
		return
	}
	b.written.Add(1)
}

func (b *Bridge) status(code int) {
	b.writeLine(fmt.Sprintf("%d,0\r\n", code))
}

func (b *Bridge) handleLine(raw []byte) error {
	line := strings.TrimSpace(string(raw))
	b.logger.WithField("line", line).Debug("PTY command")

	switch {
	case strings.HasPrefix(line, "?"):
		prop := line[1:]
		value, ok := b.property(prop)
		if !ok {
			b.status(textline.StatusUnknownProperty)
			return nil
		}
		b.writeLine(prop + "=" + value + "\r\n")

	case strings.HasPrefix(line, "!"):
		b.status(textline.StatusReadOnly)

	case strings.HasPrefix(line, ":"):
		code, err := strconv.Atoi(line[1:])
		if err != nil {
			b.status(textline.StatusInvalidValue)
			return fmt.Errorf("bad opcode %q: %w", line, err)
		}
		return b.opcode(code)

	default:
		b.status(textline.StatusUnknownProperty)
	}
	return nil
}

func (b *Bridge) property(name string) (string, bool) {
	snap := b.sess.Snapshot()
	switch name {
	case textline.PropSerial:
		return snap.Serial, true
	case textline.PropVersion:
		return snap.Version, true
	case textline.PropName:
		return snap.Name, true
	case "battery":
		return strconv.Itoa(snap.Battery), true
	case "state":
		return snap.State.String(), true
	case "technology":
		return string(snap.Technology), true
	default:
		return "", false
	}
}

func (b *Bridge) opcode(code int) error {
	var err error
	switch code {
	case textline.OpStartStream:
		err = b.sess.StartStreaming(b.ctx)
	case textline.OpStopStream:
		err = b.sess.StopStreaming(b.ctx)
	default:
		b.status(textline.StatusInvalidValue)
		return nil
	}
	if err != nil {
		b.status(textline.StatusWriteFailed)
		return err
	}
	b.status(textline.StatusOK)
	return nil
}
