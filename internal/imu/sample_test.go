package imu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTechnology(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Technology
		wantErr  bool
	}{
		{name: "halfstream", input: "halfstream", expected: TechHalfStream},
		{name: "regmap", input: "regmap", expected: TechRegMap},
		{name: "textline", input: "textline", expected: TechTextLine},
		{name: "unknown", input: "xsens", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tech, err := ParseTechnology(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tech)
		})
	}
}

func TestBatchTimes(t *testing.T) {
	times := BatchTimes(1.5, 0.01, 4)

	require.Len(t, times, 4)
	for i := 1; i < len(times); i++ {
		assert.Greater(t, times[i], times[i-1], "times MUST be strictly increasing")
	}
	assert.InDelta(t, 1.53, times[3], 1e-12)
	assert.Empty(t, BatchTimes(0, 0.01, 0))
}

func TestQuaternion(t *testing.T) {
	t.Run("identity has unit norm and zero angles", func(t *testing.T) {
		q := Identity()
		assert.InDelta(t, 1.0, q.Norm(), 1e-12)

		roll, pitch, yaw := q.Euler()
		assert.InDelta(t, 0, roll, 1e-12)
		assert.InDelta(t, 0, pitch, 1e-12)
		assert.InDelta(t, 0, yaw, 1e-12)
	})

	t.Run("normalized scales to unit length", func(t *testing.T) {
		q := Quaternion{W: 2, X: 0, Y: 0, Z: 0}.Normalized()
		assert.Equal(t, Identity(), q)

		zero := Quaternion{}
		assert.Equal(t, zero, zero.Normalized(), "zero quaternion MUST be returned unchanged")
	})

	t.Run("yaw of a rotation about z", func(t *testing.T) {
		half := math.Pi / 4 // 90° about z
		q := Quaternion{W: math.Cos(half), Z: math.Sin(half)}

		_, _, yaw := q.Euler()
		assert.InDelta(t, math.Pi/2, yaw, 1e-9)
	})

	t.Run("gonum round trip", func(t *testing.T) {
		q := Quaternion{W: 0.1, X: 0.2, Y: 0.3, Z: 0.4}
		assert.Equal(t, q, FromNumber(q.Number()))
	})
}

func TestSampleString(t *testing.T) {
	s := Sample{Time: 1, Quaternion: Identity(), Accelerometer: Xyz{Z: 9.81}.Ptr()}

	out := s.String()
	assert.Contains(t, out, "t=1.000")
	assert.Contains(t, out, "acc=(0.000, 0.000, 9.810)")
	assert.NotContains(t, out, "gyr=")
	assert.NotContains(t, out, "mag=")
}
