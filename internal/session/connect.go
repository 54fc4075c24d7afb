package session

import (
	"context"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/protocol"
)

// Connect discovers, binds and identifies a device of the given family.
func Connect(ctx context.Context, t device.Transport, tech imu.Technology, opts Options) (Session, error) {
	switch tech {
	case imu.TechHalfStream:
		return ConnectHalfStream(ctx, t, opts)
	case imu.TechRegMap:
		return ConnectRegMap(ctx, t, opts)
	case imu.TechTextLine:
		return ConnectTextLine(ctx, t, opts)
	default:
		return nil, protocol.Unknownf("technology %q", tech)
	}
}
