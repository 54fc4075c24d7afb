package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srg/imulink/internal/device"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, 3, cfg.Session.Attempts)
	assert.Equal(t, time.Second, cfg.Session.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Session.CommandTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.StreamStartTimeout)
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 65536, cfg.Bridge.WriteCap)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Empty(t, cfg.Devices)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{"creates logger with debug level", "debug", logrus.DebugLevel},
		{"creates logger with info level", "info", logrus.InfoLevel},
		{"creates logger with warn level", "warn", logrus.WarnLevel},
		{"creates logger with error level", "error", logrus.ErrorLevel},
		{"falls back to info on a bad level", "chatty", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	t.Run("json format", func(t *testing.T) {
		logger := (&Config{LogLevel: "info", LogFormat: "json"}).NewLogger()
		_, ok := logger.Formatter.(*logrus.JSONFormatter)
		assert.True(t, ok)
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "imulink.yaml", `
log_level: debug
session:
  attempts: 5
  retry_delay: 250ms
  stream_mode: 3
metrics:
  addr: ":9464"
devices:
  - name: left-wrist
    technology: halfstream
    serial: 00A1
  - name: bench
    technology: textline
    port: /dev/ttyACM0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Session.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.RetryDelay)
	assert.Equal(t, 3, cfg.Session.StreamMode)
	assert.Equal(t, 3*time.Second, cfg.Session.CommandTimeout, "settings absent from the file MUST keep their defaults")
	assert.Equal(t, ":9464", cfg.Metrics.Addr)

	require.Len(t, cfg.Devices, 2)
	d, ok := cfg.Device("left-wrist")
	require.True(t, ok)
	assert.Equal(t, device.Selector{Serial: "00A1"}, d.Selector())
	d, ok = cfg.Device("bench")
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyACM0", d.Port)
	_, ok = cfg.Device("nope")
	assert.False(t, ok)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "imulink.toml", `
log_level = "warn"

[scan]
timeout = "3s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Scan.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "imulink.yaml", "session:\n  attempts: 5\n")
	t.Setenv("IMULINK_SESSION_ATTEMPTS", "7")
	t.Setenv("IMULINK_SCAN_TIMEOUT", "2s")
	t.Setenv("IMULINK_LOG_LEVEL", "trace")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.Attempts, "environment MUST override the file")
	assert.Equal(t, 2*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestLoad_SearchPaths(t *testing.T) {
	t.Run("defaults when nothing is found", func(t *testing.T) {
		cfg, err := load("", []string{t.TempDir()})
		require.NoError(t, err)
		assert.Empty(t, cfg.Source())
		assert.Equal(t, DefaultConfig().Session, cfg.Session)
	})

	t.Run("finds config.yaml", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "log_level: error\n")
		cfg, err := load("", []string{filepath.Dir(path)})
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, path, cfg.Source())
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"
	cfg.Session.Attempts = 0
	cfg.Devices = []DeviceConfig{
		{Name: "a", Technology: "halfstream"},
		{Name: "a", Technology: "regmap"},
		{Technology: "bogus"},
		{Name: "b", Technology: "regmap", Port: "/dev/ttyUSB0"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"log_level",
		"log_format",
		"session.attempts",
		`devices[1]: duplicate name "a"`,
		"devices[2]: name is required",
		`unknown technology "bogus"`,
		"devices[3]: port is only supported for textline devices",
	} {
		assert.Contains(t, err.Error(), want)
	}

	path := writeFile(t, "bad.yaml", "devices:\n  - name: x\n    technology: nope\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "unknown technology")
}

func TestSessionOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.StreamMode = 2
	cfg.Session.Buffering = 4
	logger := logrus.New()
	sel := device.Selector{Address: "AA:BB:CC:00:00:01"}

	opts := cfg.SessionOptions(sel, logger)
	assert.Equal(t, sel, opts.Selector)
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, time.Second, opts.RetryDelay)
	assert.Equal(t, 30*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 3*time.Second, opts.CommandTimeout)
	assert.Equal(t, 5*time.Second, opts.StreamStartTimeout)
	assert.Equal(t, 2, opts.StreamMode)
	assert.Equal(t, 4, opts.Buffering)
	assert.Same(t, logger, opts.Logger)
}

func TestWriteYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = []DeviceConfig{{Name: "left-wrist", Technology: "halfstream", Serial: "00A1"}}

	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, cfg))
	out := buf.String()
	assert.Contains(t, out, "timeout: 10s")
	assert.Contains(t, out, "retry_delay: 1s")
	assert.Contains(t, out, "baud: 115200")
	assert.NotContains(t, out, "source")

	var generic map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &generic))
	assert.Contains(t, generic, "devices")

	path := writeFile(t, "roundtrip.yaml", out)
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Session, loaded.Session, "a written config MUST load back unchanged")
	assert.Equal(t, cfg.Devices, loaded.Devices)
}
