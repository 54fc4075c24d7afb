package textline

import "fmt"

// Status codes reported by the device
const (
	StatusOK              = 0
	StatusUnknownProperty = 1
	StatusInvalidValue    = 2
	StatusReadOnly        = 3
	StatusWriteFailed     = 4
	StatusBusy            = 5
)

var statusText = map[int]string{
	StatusOK:              "ok",
	StatusUnknownProperty: "unknown property",
	StatusInvalidValue:    "invalid value",
	StatusReadOnly:        "read only",
	StatusWriteFailed:     "write failed",
	StatusBusy:            "busy",
}

// StatusText describes a status code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "unknown"
}

// DeviceError is a non-zero status reported by the device.
type DeviceError struct {
	Code int
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, StatusText(e.Code))
}

// Is matches another *DeviceError with the same code.
func (e *DeviceError) Is(target error) bool {
	t, ok := target.(*DeviceError)
	return ok && t.Code == e.Code
}
