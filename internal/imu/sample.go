// Package imu defines the unified sample record every vendor codec normalizes into.
//
// Units are fixed regardless of the vendor wire format:
//   - acceleration in m/s²
//   - angular rate in rad/s
//   - magnetic field in µT
//   - time in seconds
package imu

import "fmt"

// StandardGravity converts g to m/s².
const StandardGravity = 9.80665

// Technology identifies the vendor protocol family a session or sample belongs to.
type Technology string

const (
	TechHalfStream Technology = "halfstream"
	TechRegMap     Technology = "regmap"
	TechTextLine   Technology = "textline"
)

// Technologies lists every supported protocol family.
func Technologies() []Technology {
	return []Technology{TechHalfStream, TechRegMap, TechTextLine}
}

// ParseTechnology maps a user-supplied family name onto a Technology.
func ParseTechnology(s string) (Technology, error) {
	for _, t := range Technologies() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown technology %q (must be one of %v)", s, Technologies())
}

// Xyz is a three-axis vector in sensor-local coordinates.
type Xyz struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Scale returns the vector multiplied by f.
func (v Xyz) Scale(f float64) Xyz {
	return Xyz{X: v.X * f, Y: v.Y * f, Z: v.Z * f}
}

// Ptr returns a pointer to a copy of v, for populating optional Sample fields.
func (v Xyz) Ptr() *Xyz {
	return &v
}

// Sample is one timestamped orientation/motion reading.
type Sample struct {
	Time          float64    `json:"time"`
	Quaternion    Quaternion `json:"quaternion"`
	Accelerometer *Xyz       `json:"accelerometer,omitempty"`
	Gyroscope     *Xyz       `json:"gyroscope,omitempty"`
	Magnetometer  *Xyz       `json:"magnetometer,omitempty"`
}

// String renders the sample on one line, omitting absent vectors.
func (s Sample) String() string {
	out := fmt.Sprintf("t=%.3f q=(%.4f, %.4f, %.4f, %.4f)", s.Time,
		s.Quaternion.W, s.Quaternion.X, s.Quaternion.Y, s.Quaternion.Z)
	if s.Accelerometer != nil {
		out += fmt.Sprintf(" acc=(%.3f, %.3f, %.3f)", s.Accelerometer.X, s.Accelerometer.Y, s.Accelerometer.Z)
	}
	if s.Gyroscope != nil {
		out += fmt.Sprintf(" gyr=(%.3f, %.3f, %.3f)", s.Gyroscope.X, s.Gyroscope.Y, s.Gyroscope.Z)
	}
	if s.Magnetometer != nil {
		out += fmt.Sprintf(" mag=(%.2f, %.2f, %.2f)", s.Magnetometer.X, s.Magnetometer.Y, s.Magnetometer.Z)
	}
	return out
}

// BatchTimes returns n timestamps starting at base and spaced by interval seconds.
// Codecs use it so that times within one batch are strictly increasing.
func BatchTimes(base, interval float64, n int) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = base + float64(i)*interval
	}
	return times
}
