package ws

import (
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultMaxMessageSize = 16 << 20
)

// BackoffConfig defines the delay between reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the settings shared by outbound and inbound sessions. Fields
// that only make sense when dialing (AccessToken, Header, reconnect policy)
// are ignored by inbound sessions.
type Config struct {
	// Name identifies the session in logs.
	Name string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// PingInterval enables keep-alive pings. The read deadline is pushed out
	// to PongWait after every pong. Zero PingInterval disables both.
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive failed reconnects; zero retries forever.
	MaxReconnectAttempts int
	Backoff              BackoffConfig

	// AccessToken is sent as "Authorization: Bearer <token>" when dialing.
	AccessToken string
	Header      http.Header

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: defaultConnectTimeout,
		WriteTimeout:   defaultWriteTimeout,
		PingInterval:   defaultPingInterval,
		PongWait:       2 * defaultPingInterval,
		MaxMessageSize: defaultMaxMessageSize,
		AutoReconnect:  true,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations and sizes. Boolean switches are left alone.
func (c Config) WithDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = 1.0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NextBackoffDelay returns the wait before reconnect attempt N (1-based).
// The first retry after a drop is immediate.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-2))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
