package reassembly

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func collect(lines *[]string) LineFunc {
	return func(line []byte) error {
		*lines = append(*lines, string(line))
		return nil
	}
}

func TestFeedSplitsOnLineEndings(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var lines []string

	n := b.Feed([]byte("serial=1\r\n0,1\r\nversion=2\npartial"), collect(&lines))

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"serial=1", "0,1", "version=2"}, lines)
	assert.Equal(t, len("partial"), b.Pending(), "unterminated segment MUST be held back")
}

func TestFeedArbitrarySplits(t *testing.T) {
	const line = "1500000;0.1,0.2,0.3,0.9;0,0,9.81;-0.01,0.02,0.001;22.5,-4,40"
	wire := []byte(line + "\r\n")

	// every way to cut the line into two and three chunks
	for i := 0; i <= len(wire); i++ {
		for j := i; j <= len(wire); j++ {
			b := NewLineBuffer(0, quietLogger())
			var lines []string
			b.Feed(wire[:i], collect(&lines))
			b.Feed(wire[i:j], collect(&lines))
			b.Feed(wire[j:], collect(&lines))

			require.Equal(t, []string{line}, lines, "split at %d/%d MUST yield exactly one identical line", i, j)
			require.Zero(t, b.Pending())
		}
	}
}

func TestFeedByteAtATime(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var lines []string
	for _, c := range []byte("a=1\r\nb=2\r\n") {
		b.Feed([]byte{c}, collect(&lines))
	}
	assert.Equal(t, []string{"a=1", "b=2"}, lines)
}

func TestFeedSkipsEmptyLines(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var lines []string
	b.Feed([]byte("\r\n\r\nx=1\r\n\n"), collect(&lines))
	assert.Equal(t, []string{"x=1"}, lines)
}

func TestFeedContinuesAfterFailures(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var seen []string

	n := b.Feed([]byte("ok1\r\nboom\r\nbad\r\nok2\r\n"), func(line []byte) error {
		s := string(line)
		seen = append(seen, s)
		switch s {
		case "boom":
			panic("decoder exploded")
		case "bad":
			return errors.New("unrecognized")
		}
		return nil
	})

	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"ok1", "boom", "bad", "ok2"}, seen, "a failing line MUST NOT abort the batch")
}

func TestFeedLineIsCopied(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var kept [][]byte
	fn := func(line []byte) error {
		kept = append(kept, line)
		return nil
	}
	b.Feed([]byte("first\r\n"), fn)
	b.Feed([]byte("second\r\n"), fn)
	assert.Equal(t, "first", string(kept[0]))
}

func TestFeedDropsOversizedTail(t *testing.T) {
	b := NewLineBuffer(8, quietLogger())
	var lines []string

	b.Feed([]byte("0123456789"), collect(&lines))
	assert.Zero(t, b.Pending())

	b.Feed([]byte("a=1\r\n"), collect(&lines))
	assert.Equal(t, []string{"a=1"}, lines)
}

func TestReset(t *testing.T) {
	b := NewLineBuffer(0, quietLogger())
	var lines []string
	b.Feed([]byte("stale"), collect(&lines))
	b.Reset()
	b.Feed([]byte("x=1\r\n"), collect(&lines))
	assert.Equal(t, []string{"x=1"}, lines)
}
