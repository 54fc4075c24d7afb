// Package ptyio creates a pseudo-terminal whose master side is serviced by background
// goroutines through ring buffers, so writers never block on a slow or absent reader.
//
//	p, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach to", p.TTYName()) // e.g. /dev/pts/5
//
//	p.SetReadCallback(func(data []byte) { ... }) // bytes typed into the slave
//	n, _ := p.Write(line)                       // n < len(line) when the ring overflowed
//
// PollTimeout bounds how long the loops wait for readiness before rechecking for Close.
// Lower values shorten shutdown at the cost of more idle wakeups.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"go.uber.org/multierr"

	"github.com/srg/imulink/internal/groutine"
)

// ReadCallback receives bytes written into the slave side. It runs on a background
// goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is called at most once per loop when it exits on an unexpected error.
type ErrorCallback func(err error)

// Options configures Open.
type Options struct {
	ReadCap     int           `default:"4096"`
	WriteCap    int           `default:"65536"`
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
	OnError     ErrorCallback
}

// PTY is the master side of a pseudo-terminal pair.
type PTY interface {
	io.WriteCloser
	// TTYName is the slave device path other processes open.
	TTYName() string
	// SetReadCallback replaces the callback; nil stops delivery.
	SetReadCallback(cb ReadCallback)
	Stats() Stats
}

// Stats are runtime counters for monitoring backpressure.
type Stats struct {
	WriteQueueLen     int
	WriteQueueCap     int
	DroppedWriteBytes uint64
	DroppedReadBytes  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int
	onError     ErrorCallback
	errOnce     sync.Once

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	cbMu       sync.Mutex
	readCb     ReadCallback
	readNotify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// Open creates a PTY pair in raw mode and starts servicing the master side.
func Open(opts Options) (PTY, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      opts.Logger,
		master:      master,
		slave:       slave, // the slave node lives as long as one side is open
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		readNotify:  make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if p.pollTimeout < 1 {
		p.pollTimeout = 1
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-write-loop", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.writeLoop()
	})
	groutine.Go(ctx, "pty-read-loop", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.readLoop()
	})
	groutine.Go(ctx, "pty-read-dispatcher", p.logger, func(context.Context) {
		defer p.wg.Done()
		p.dispatch()
	})

	p.logger.WithField("tty", p.ttyName).Info("PTY opened")
	return p, nil
}

func (p *ringPTY) fail(loop string, err error) {
	p.logger.WithFields(logrus.Fields{
		"loop":  loop,
		"error": err,
	}).Warn("PTY loop exiting on error")
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *ringPTY) writeLoop() {
	fd := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			// nothing queued; sleep on the fd so Close is noticed within one timeout
			if _, err := unix.Poll(fd, p.pollTimeout); err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.WithError(err).Debug("PTY write poll failed")
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if n == 0 || (err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty)) {
			continue
		}

		for off := 0; off < n; {
			w, err := p.master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				// slave side is not draining; wait for room
				_, _ = unix.Poll(fd, p.pollTimeout)
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	fd := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			written, _ := p.readBuf.Write(buf[:n])
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithField("dropped_bytes", n-written).Warn("PTY read buffer overflow")
			}
			p.readBytes.Add(uint64(written))
			select {
			case p.readNotify <- struct{}{}:
			default:
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no process has the slave open; Linux reports that as EIO until one attaches
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *ringPTY) dispatch() {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			p.cbMu.Lock()
			cb := p.readCb
			p.cbMu.Unlock()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			p.deliver(cb, tmp[:n])
		}
	}
}

func (p *ringPTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("PTY read callback panicked, unregistering it")
			p.SetReadCallback(nil)
		}
	}()
	cb(data)
}

// Write queues data for the slave. It never blocks; when the ring is full the tail of
// data is dropped and the short count is returned.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"dropped_bytes": len(data) - n,
			"queued_bytes":  n,
		}).Warn("PTY write buffer overflow")
	}
	return n, nil
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	p.cbMu.Lock()
	p.readCb = cb
	p.cbMu.Unlock()
	if cb == nil {
		return
	}
	// flush anything that arrived before the callback was set
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) TTYName() string { return p.ttyName }

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		WriteQueueCap:     p.writeBuf.Capacity(),
		DroppedWriteBytes: p.droppedWrite.Load(),
		DroppedReadBytes:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// Close stops the loops and closes both sides of the pair.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	err := multierr.Combine(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timeout := 3*time.Duration(p.pollTimeout)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithFields(logrus.Fields{
			"tty":     p.ttyName,
			"timeout": timeout,
		}).Error("PTY loops did not exit in time")
	}

	p.logger.WithField("tty", p.ttyName).Info("PTY closed")
	return err
}

// createPTY opens a pair with the slave in raw mode and the master non-blocking.
func createPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, multierr.Append(
			fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err),
			multierr.Combine(master.Close(), slave.Close()))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, multierr.Append(
			fmt.Errorf("failed to set PTY master for %s non-blocking: %w", slave.Name(), err),
			multierr.Combine(master.Close(), slave.Close()))
	}
	return master, slave, nil
}
