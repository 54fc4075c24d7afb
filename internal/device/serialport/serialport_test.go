package serialport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/testutils"
)

// pipePort is a Port whose far end is driven by the test.
type pipePort struct {
	rx  *io.PipeReader // host reads what the device sends
	dev *io.PipeWriter
	tx  *io.PipeWriter // host writes what the device reads
	in  *io.PipeReader

	mu     sync.Mutex
	closes int
}

func newPipePort() *pipePort {
	rx, dev := io.Pipe()
	in, tx := io.Pipe()
	return &pipePort{rx: rx, dev: dev, tx: tx, in: in}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.rx.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.tx.Write(b) }

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	_ = p.rx.Close()
	return p.tx.Close()
}

func (p *pipePort) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func withPort(t *testing.T, port *pipePort) *[]string {
	t.Helper()
	var opened []string
	orig := Open
	Open = func(name string, baud int, _ time.Duration) (Port, error) {
		opened = append(opened, name)
		return port, nil
	}
	t.Cleanup(func() { Open = orig })
	return &opened
}

func bind(t *testing.T, tr *Transport) device.Channel {
	t.Helper()
	p, err := tr.Discover(context.Background(), device.Selector{NamePrefix: "TLX"})
	require.NoError(t, err)
	ch, err := tr.Bind(context.Background(), p, device.Binding{})
	require.NoError(t, err)
	return ch
}

func TestDiscover(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	tr := NewTransport("/dev/ttyACM0", 0, helper.Logger)
	assert.Equal(t, DefaultBaud, tr.baud)

	p, err := tr.Discover(context.Background(), device.Selector{NamePrefix: "whatever"})
	require.NoError(t, err, "a serial port MUST ignore name based selection")
	assert.Equal(t, "/dev/ttyACM0", p.Address())
	assert.Equal(t, "ttyACM0", p.Name())

	_, err = tr.Discover(context.Background(), device.Selector{Address: "/dev/ttyUSB1"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Discover(ctx, device.Selector{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBindOpenFailure(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	orig := Open
	Open = func(string, int, time.Duration) (Port, error) { return nil, errors.New("permission denied") }
	t.Cleanup(func() { Open = orig })

	tr := NewTransport("/dev/ttyACM0", 9600, helper.Logger)
	p, err := tr.Discover(context.Background(), device.Selector{})
	require.NoError(t, err)
	_, err = tr.Bind(context.Background(), p, device.Binding{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestChannelRoundTrip(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	port := newPipePort()
	opened := withPort(t, port)
	ch := bind(t, NewTransport("/dev/ttyACM0", 0, helper.Logger))
	defer ch.Disconnect()
	assert.Equal(t, []string{"/dev/ttyACM0"}, *opened)

	var mu sync.Mutex
	var got []byte
	_, err := ch.Subscribe("any", func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = ch.Subscribe("other", func([]byte) {})
	assert.ErrorIs(t, err, device.ErrUnsupported, "a serial line MUST accept a single subscriber")

	go func() { _, _ = port.dev.Write([]byte("serial=TL0042\r\n")) }()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "serial=TL0042\r\n"
	}, time.Second, 5*time.Millisecond)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := port.in.Read(buf)
		read <- buf[:n]
	}()
	require.NoError(t, ch.Write(context.Background(), "ignored", []byte("?serial\r\n"), true))
	select {
	case b := <-read:
		assert.Equal(t, "?serial\r\n", string(b))
	case <-time.After(time.Second):
		t.Fatal("device never received the write")
	}
}

func TestReadErrorDropsLink(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	port := newPipePort()
	withPort(t, port)
	ch := bind(t, NewTransport("/dev/ttyACM0", 0, helper.Logger))

	unplugged := errors.New("input/output error")
	_ = port.dev.CloseWithError(unplugged)

	select {
	case <-ch.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("link MUST drop on a read error")
	}
	cause := context.Cause(ch.Context())
	assert.ErrorIs(t, cause, device.ErrNotConnected)
	assert.ErrorIs(t, cause, unplugged)

	err := ch.Write(context.Background(), "", []byte("?serial\r\n"), true)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.NotEmpty(t, helper.Entries(logrus.WarnLevel, "Serial port read failed, closing link"))

	require.NoError(t, ch.Disconnect())
}

func TestReadTimeoutKeepsLink(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	c := newChannel("/dev/ttyACM0", &eofPort{}, true, helper.Logger)
	defer c.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, c.Context().Err(), "an empty read MUST be treated as a read timeout")
}

func TestDisconnect(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	port := newPipePort()
	withPort(t, port)
	ch := bind(t, NewTransport("/dev/ttyACM0", 0, helper.Logger))

	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Disconnect())
	assert.Equal(t, 1, port.Closes(), "Disconnect MUST close the port once")
	assert.Error(t, ch.Context().Err())
	assert.ErrorIs(t, context.Cause(ch.Context()), context.Canceled, "a local disconnect MUST carry no link error")
}

// eofPort behaves like tarm/serial with a read timeout and nothing on the line.
type eofPort struct{}

func (eofPort) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, io.EOF
}
func (eofPort) Write(b []byte) (int, error) { return len(b), nil }
func (eofPort) Close() error                { return nil }
