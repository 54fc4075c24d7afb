package session

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/device"
)

// Options configures connection and session behavior.
type Options struct {
	Selector device.Selector

	// Attempts bounds the discover+bind attempts; RetryDelay separates them.
	Attempts   int           `default:"3"`
	RetryDelay time.Duration `default:"1s"`
	// ConnectTimeout bounds the whole connect, retries included.
	ConnectTimeout time.Duration `default:"30s"`

	CommandTimeout     time.Duration `default:"3s"`
	StreamStartTimeout time.Duration `default:"5s"`

	// StreamMode and Buffering select the regmap stream layout. Zero picks mixed mode
	// at the mode's maximum buffering.
	StreamMode int
	Buffering  int

	// MaxLine bounds a textline line held across notifications.
	MaxLine int `default:"4096"`

	Sink          Sink
	OnStateChange StateFunc
	OnDisconnect  DisconnectFunc

	Logger *logrus.Logger
	Clock  clock.Clock
}

func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return o
}
