package session

import "errors"

var (
	// ErrSuperseded rejects a pending request replaced by a newer one.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrNotStreaming is returned by operations that need an active stream.
	ErrNotStreaming = errors.New("not streaming")
	// ErrStreamStopped rejects a pending stream start when the stream is stopped first.
	ErrStreamStopped = errors.New("stream stopped before the first frame")
	// ErrDisposed is returned by operations on a disposed session.
	ErrDisposed = errors.New("session disposed")
	// ErrReadOnly is returned when writing a read-only control field.
	ErrReadOnly = errors.New("read-only field")
)
