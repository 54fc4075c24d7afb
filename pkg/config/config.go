package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/srg/imulink/internal/device"
	"github.com/srg/imulink/internal/imu"
	"github.com/srg/imulink/internal/session"
)

const (
	AppName    = "imulink"
	ConfigName = "config"
	EnvPrefix  = "IMULINK"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" mapstructure:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format" default:"text"` // text, json

	Scan    ScanConfig    `yaml:"scan" mapstructure:"scan"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Serial  SerialConfig  `yaml:"serial" mapstructure:"serial"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Bridge  BridgeConfig  `yaml:"bridge" mapstructure:"bridge"`

	Devices []DeviceConfig `yaml:"devices" mapstructure:"devices"`

	source string
}

type ScanConfig struct {
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout" default:"10s"`
	IncludeUnknown bool          `yaml:"include_unknown" mapstructure:"include_unknown"`
}

type SessionConfig struct {
	Attempts           int           `yaml:"attempts" mapstructure:"attempts" default:"3"`
	RetryDelay         time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" default:"1s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" default:"30s"`
	CommandTimeout     time.Duration `yaml:"command_timeout" mapstructure:"command_timeout" default:"3s"`
	StreamStartTimeout time.Duration `yaml:"stream_start_timeout" mapstructure:"stream_start_timeout" default:"5s"`
	StreamMode         int           `yaml:"stream_mode" mapstructure:"stream_mode"`
	Buffering          int           `yaml:"buffering" mapstructure:"buffering"`
}

type SerialConfig struct {
	Baud int `yaml:"baud" mapstructure:"baud" default:"115200"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus endpoint when set, e.g. ":9464".
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type BridgeConfig struct {
	WriteCap int `yaml:"write_cap" mapstructure:"write_cap" default:"65536"`
}

// DeviceConfig names one device so commands can refer to it by name.
type DeviceConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Technology string `yaml:"technology" mapstructure:"technology"`
	Address    string `yaml:"address,omitempty" mapstructure:"address"`
	NamePrefix string `yaml:"name_prefix,omitempty" mapstructure:"name_prefix"`
	Serial     string `yaml:"serial,omitempty" mapstructure:"serial"`
	// Port selects the USB serial transport instead of BLE (textline only).
	Port string `yaml:"port,omitempty" mapstructure:"port"`
}

// Selector returns the discovery selector for the device.
func (d DeviceConfig) Selector() device.Selector {
	return device.Selector{Address: d.Address, NamePrefix: d.NamePrefix, Serial: d.Serial}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultSearchPaths lists where Load looks for config.yaml when no file is given.
func DefaultSearchPaths() []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return append(paths, "/etc/"+AppName, ".")
}

// Load reads configuration from path, or from the default search paths when path is
// empty. IMULINK_* environment variables override file values (IMULINK_SESSION_ATTEMPTS
// for session.attempts). A missing file is only an error when path was given.
func Load(path string) (*Config, error) {
	return load(path, DefaultSearchPaths())
}

func load(path string, searchPaths []string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	walk("", reflect.ValueOf(cfg).Elem(), func(key string, value any) {
		v.SetDefault(key, value)
	})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", v.ConfigFileUsed(), err)
	}
	cfg.source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Source is the file the configuration was read from, empty for defaults only.
func (c *Config) Source() string { return c.source }

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if _, e := logrus.ParseLevel(c.LogLevel); e != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", e))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		err = multierr.Append(err, fmt.Errorf("log_format: must be text or json, got %q", c.LogFormat))
	}
	if c.Session.Attempts < 1 {
		err = multierr.Append(err, fmt.Errorf("session.attempts: must be at least 1, got %d", c.Session.Attempts))
	}

	seen := map[string]bool{}
	for i, d := range c.Devices {
		where := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%s: name is required", where))
		} else if seen[d.Name] {
			err = multierr.Append(err, fmt.Errorf("%s: duplicate name %q", where, d.Name))
		}
		seen[d.Name] = true

		tech, e := imu.ParseTechnology(d.Technology)
		if e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", where, e))
		}
		if d.Port != "" && tech != imu.TechTextLine {
			err = multierr.Append(err, fmt.Errorf("%s: port is only supported for %s devices", where, imu.TechTextLine))
		}
	}
	return err
}

// Device looks a configured device up by name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	return lo.Find(c.Devices, func(d DeviceConfig) bool { return d.Name == name })
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}

// SessionOptions builds session options from the session section.
func (c *Config) SessionOptions(sel device.Selector, logger *logrus.Logger) session.Options {
	return session.Options{
		Selector:           sel,
		Attempts:           c.Session.Attempts,
		RetryDelay:         c.Session.RetryDelay,
		ConnectTimeout:     c.Session.ConnectTimeout,
		CommandTimeout:     c.Session.CommandTimeout,
		StreamStartTimeout: c.Session.StreamStartTimeout,
		StreamMode:         c.Session.StreamMode,
		Buffering:          c.Session.Buffering,
		Logger:             logger,
	}
}

// WriteYAML renders cfg as a config file. Durations are written in their string form.
func WriteYAML(w io.Writer, cfg *Config) error {
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{toNode(reflect.ValueOf(cfg).Elem())}}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

var durationType = reflect.TypeOf(time.Duration(0))

func fieldKey(f reflect.StructField, tag string) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
	if name == "-" {
		return "", false
	}
	if name == "" {
		name = strings.ToLower(f.Name)
	}
	return name, true
}

// walk visits every leaf setting with its dotted key. Lists are not visited.
func walk(prefix string, v reflect.Value, visit func(key string, value any)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldKey(t.Field(i), "mapstructure")
		if !ok {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			walk(key, fv, visit)
		case fv.Kind() == reflect.Slice:
		default:
			visit(key, fv.Interface())
		}
	}
}

func toNode(v reflect.Value) *yaml.Node {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}
	}
	if v.Kind() != reflect.Struct {
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
		}
		return n
	}

	m := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldKey(t.Field(i), "yaml")
		if !ok {
			continue
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, toNode(v.Field(i)))
	}
	return m
}
