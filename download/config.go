package download

import (
	"time"

	"golang.org/x/time/rate"

	"riptide/session"
)

// Config tunes the coordinator. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// ListenPort is reported to trackers; the engine does not accept
	// inbound connections.
	ListenPort uint16

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	// DialsPerSecond bounds how fast new peer connections are opened
	// after a large tracker response.
	DialsPerSecond rate.Limit
	DialBurst      int

	// MaxVerifyRetries is how often a piece that fails its hash check
	// is rescheduled before it is abandoned.
	MaxVerifyRetries int
}

func DefaultConfig() Config {
	return Config{
		ListenPort:       6881,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      30 * time.Second,
		DialsPerSecond:   20,
		DialBurst:        10,
		MaxVerifyRetries: 3,
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		ReadTimeout:      c.ReadTimeout,
	}
}
