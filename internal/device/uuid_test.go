package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{name: "16-bit UUID lowercase", input: "180f", expected: "180f"},
		{name: "16-bit UUID uppercase", input: "2A19", expected: "2a19"},
		{name: "16-bit UUID with 0x prefix", input: "0x2902", expected: "2902"},

		// Bluetooth SIG base UUID format (should extract 16-bit form)
		{name: "Full SIG UUID with dashes", input: "0000180f-0000-1000-8000-00805f9b34fb", expected: "180f"},
		{name: "Full SIG UUID without dashes", input: "00002a1900001000800000805f9b34fb", expected: "2a19"},
		{name: "Full SIG UUID uppercase", input: "00002A19-0000-1000-8000-00805F9B34FB", expected: "2a19"},
		{name: "Full SIG UUID with braces", input: "{0000180d-0000-1000-8000-00805f9b34fb}", expected: "180d"},

		// Vendor 128-bit UUIDs (should NOT be shortened)
		{name: "Vendor UUID", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "Wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},

		// Edge cases
		{name: "Empty string", input: "", expected: ""},
		{name: "Partial UUID", input: "00002902", expected: "00002902"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUID_NoShortening(t *testing.T) {
	inputs := []string{
		"00002902-1234-5678-9abc-def012345678",
		"0000290200001000800000805f9b34fb00",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			result := NormalizeUUID(in)
			assert.NotEqual(t, "2902", result, "non-SIG UUID MUST NOT be shortened")
			assert.Equal(t, strings.ToLower(strings.ReplaceAll(in, "-", "")), result)
		})
	}
}
