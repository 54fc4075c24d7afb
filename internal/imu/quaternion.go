package imu

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a scalar-first orientation quaternion.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity returns the no-rotation quaternion.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// Number converts q to a gonum quaternion.
func (q Quaternion) Number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// FromNumber converts a gonum quaternion back to a Quaternion.
func FromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Norm returns the quaternion magnitude.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.Number())
}

// Normalized returns q scaled to unit length. A zero quaternion is returned unchanged.
func (q Quaternion) Normalized() Quaternion {
	n := q.Norm()
	if n == 0 {
		return q
	}
	return FromNumber(quat.Scale(1/n, q.Number()))
}

// Euler returns roll, pitch and yaw in radians (ZYX convention) of the normalized quaternion.
// Intended for display; devices report quaternions directly.
func (q Quaternion) Euler() (roll, pitch, yaw float64) {
	u := q.Normalized()

	roll = math.Atan2(2*(u.W*u.X+u.Y*u.Z), 1-2*(u.X*u.X+u.Y*u.Y))

	sinp := 2 * (u.W*u.Y - u.Z*u.X)
	switch {
	case sinp >= 1:
		pitch = math.Pi / 2
	case sinp <= -1:
		pitch = -math.Pi / 2
	default:
		pitch = math.Asin(sinp)
	}

	yaw = math.Atan2(2*(u.W*u.Z+u.X*u.Y), 1-2*(u.Y*u.Y+u.Z*u.Z))
	return roll, pitch, yaw
}
