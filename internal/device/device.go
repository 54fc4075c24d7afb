package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found on a bound peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState is the stable tag identifying a connection failure
type ConnectionState string

const (
	NotConnected      ConnectionState = "not_connected"
	AlreadyConnected  ConnectionState = "already_connected"
	ConnectionTimeout ConnectionState = "connection_timeout"
	DeviceNotFound    ConnectionState = "device_not_found"
	BindFailed        ConnectionState = "bind_failed"
	BluetoothOff      ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem.
// Err carries the underlying cause and is reachable through errors.Unwrap.
type ConnectionError struct {
	State ConnectionState
	Msg   string
	Err   error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.State)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Unwrap exposes the cause
func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected      = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected  = &ConnectionError{State: AlreadyConnected}
	ErrConnectionTimeout = &ConnectionError{State: ConnectionTimeout}
	ErrDeviceNotFound    = &ConnectionError{State: DeviceNotFound}
	ErrBindFailed        = &ConnectionError{State: BindFailed}
	ErrBluetoothOff      = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Selector picks one peripheral out of a discovery run. Empty fields match anything.
type Selector struct {
	Address    string `json:"address,omitempty" yaml:"address,omitempty" mapstructure:"address"`
	NamePrefix string `json:"name_prefix,omitempty" yaml:"name_prefix,omitempty" mapstructure:"name_prefix"`
	Serial     string `json:"serial,omitempty" yaml:"serial,omitempty" mapstructure:"serial"`
}

// Matches reports whether a peripheral with the given address and advertised name satisfies the selector.
// The serial matches when the advertised name ends with it (vendors append the serial to the model name).
func (s Selector) Matches(address, name string) bool {
	if s.Address != "" && !strings.EqualFold(s.Address, address) {
		return false
	}
	if s.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(s.NamePrefix)) {
		return false
	}
	if s.Serial != "" && !strings.HasSuffix(strings.ToLower(name), strings.ToLower(s.Serial)) {
		return false
	}
	return true
}

func (s Selector) String() string {
	var parts []string
	if s.Address != "" {
		parts = append(parts, "address="+s.Address)
	}
	if s.NamePrefix != "" {
		parts = append(parts, "name_prefix="+s.NamePrefix)
	}
	if s.Serial != "" {
		parts = append(parts, "serial="+s.Serial)
	}
	if len(parts) == 0 {
		return "<any>"
	}
	return strings.Join(parts, ",")
}

// Peripheral is a discovered device that has not been bound yet
type Peripheral interface {
	Address() string
	Name() string
	RSSI() int
}

// Binding names the service and characteristics a session needs
type Binding struct {
	Service string
	Write   string
	Notify  []string
}

// Endpoints returns every characteristic the binding touches, write endpoint first.
func (b Binding) Endpoints() []string {
	out := make([]string, 0, len(b.Notify)+1)
	if b.Write != "" {
		out = append(out, b.Write)
	}
	for _, n := range b.Notify {
		if n != b.Write {
			out = append(out, n)
		}
	}
	return out
}

// NotifyHandler receives one notification payload. The slice is only valid during the call.
type NotifyHandler func(data []byte)

// Transport discovers peripherals and binds them into channels
type Transport interface {
	Discover(ctx context.Context, sel Selector) (Peripheral, error)
	Bind(ctx context.Context, p Peripheral, b Binding) (Channel, error)
}

// Channel is a bound, bidirectional byte pipe to one peripheral
type Channel interface {
	// Write sends data to the endpoint. withResponse requests an acknowledged write.
	Write(ctx context.Context, endpoint string, data []byte, withResponse bool) error
	// Subscribe registers fn for notifications on endpoint and returns the function that detaches it.
	Subscribe(endpoint string, fn NotifyHandler) (func() error, error)
	// Context is cancelled when the link is lost or Disconnect is called; context.Cause reports why.
	Context() context.Context
	// Disconnect releases the link. Safe to call more than once.
	Disconnect() error
}

// ScanningDevice represents a radio capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Advertisement is the subset of advertisement data discovery needs
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
	ManufacturerData() []byte
	Connectable() bool
}
