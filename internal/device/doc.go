// Package device defines the byte-channel capability the IMU sessions consume.
//
// A Transport discovers a peripheral and binds it to a Channel. A Channel is a
// bidirectional byte pipe:
//   - address-based writes (an endpoint is a characteristic UUID, or "" for stream transports)
//   - notify-based receive through per-endpoint handlers
//   - link-loss detection through a context that is cancelled with a cause
//
// Implementations live in sub-packages: goble (Bluetooth LE central) and
// serialport (USB serial, for devices speaking the line protocol).
package device
