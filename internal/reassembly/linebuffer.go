// Package reassembly rebuilds complete text lines from notification chunks.
package reassembly

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultMaxLine bounds the held-over tail. A device that never sends a line ending
// would otherwise grow the buffer forever.
const DefaultMaxLine = 4096

// LineFunc handles one complete line without its terminator.
type LineFunc func(line []byte) error

// LineBuffer holds the partial line left over from previous chunks.
// It is not safe for concurrent use; callers serialize Feed.
type LineBuffer struct {
	buf     bytes.Buffer
	maxLine int
	logger  *logrus.Logger
}

// NewLineBuffer creates a buffer. maxLine <= 0 selects DefaultMaxLine.
func NewLineBuffer(maxLine int, logger *logrus.Logger) *LineBuffer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &LineBuffer{maxLine: maxLine, logger: logger}
}

// Feed appends chunk and calls fn for every complete non-empty line, in order.
// Lines end with CRLF or a bare LF. A failing or panicking fn is logged and the
// remaining lines are still delivered. Returns the number of lines delivered.
func (b *LineBuffer) Feed(chunk []byte, fn LineFunc) int {
	b.buf.Write(chunk)

	delivered := 0
	for {
		data := b.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		if len(line) > 0 {
			// fn may retain the line; the buffer is reused
			b.dispatch(append([]byte(nil), line...), fn)
			delivered++
		}
		b.buf.Next(i + 1)
	}

	if b.buf.Len() > b.maxLine {
		b.logger.WithFields(logrus.Fields{
			"tail_bytes": b.buf.Len(),
			"max_line":   b.maxLine,
		}).Warn("Dropping unterminated line")
		b.buf.Reset()
	}
	compact(&b.buf)
	return delivered
}

func (b *LineBuffer) dispatch(line []byte, fn LineFunc) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"line":  string(line),
				"panic": fmt.Sprint(r),
			}).Error("Line handler panicked")
		}
	}()

	if err := fn(line); err != nil {
		b.logger.WithFields(logrus.Fields{
			"line":  string(line),
			"error": err,
		}).Warn("Failed to process line")
	}
}

// Pending returns the number of buffered bytes without a line ending.
func (b *LineBuffer) Pending() int {
	return b.buf.Len()
}

// Reset drops the held-over tail.
func (b *LineBuffer) Reset() {
	b.buf.Reset()
}

// compact reclaims the consumed prefix once the backing array is mostly spent.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if cap(data) < 1024 || len(data)*4 >= cap(data) {
		return
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	b.Reset()
	_, _ = b.Write(clone)
}
