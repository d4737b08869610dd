package transport

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

type Config struct {
	// URL is the websocket endpoint of the room, e.g. ws://host/rooms/page-1/sync.
	URL string
	// Token is sent as a bearer token. UserID and UserName are sent as query parameters when there is no token.
	Token    string
	UserID   string
	UserName string

	HandshakeTimeout time.Duration
	ResyncInterval   time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxAttempts is the number of connection attempts made for one outage, the first one included.
	MaxAttempts         uint64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    5 * time.Second,
		ResyncInterval:      5 * time.Second,
		PingInterval:        15 * time.Second,
		WriteTimeout:        5 * time.Second,
		SendBuffer:          256,
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxAttempts:         5,
	}
}

// withDefaults fills zero fields. ResyncInterval and RandomizationFactor are left as given so zero can mean
// disabled.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			HandshakeTimeout: c.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// newBackOff builds the reconnect policy: exponential, capped at MaxInterval. It yields one delay between
// consecutive attempts, so MaxAttempts-1 delays, then stops.
func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, c.MaxAttempts-1)
}
