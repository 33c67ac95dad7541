// Package conn owns the link to the stage controller: connecting through a
// transport, reconnecting after unexpected drops, sending encoded commands
// and dispatching decoded frames.
package conn

import (
	"time"

	"laserstage/pkg/transport"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Reconnecting is only entered after an unexpected drop while Connected.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is the machine-level connection status: Reconnecting reads as
// "connecting".
func (s State) Status() string {
	if s == Reconnecting {
		return Connecting.String()
	}
	return s.String()
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session describes the current or most recent connection.
type Session struct {
	Kind              transport.Kind `json:"kind,omitempty"`
	Target            string         `json:"target,omitempty"`
	Connected         bool           `json:"connected"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	ConnectedAt       time.Time      `json:"connected_at,omitempty"`
}

// Config holds connection manager settings.
type Config struct {
	// ReconnectDelay is the constant wait before each reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds automatic retries after a drop.
	MaxReconnectAttempts int
	// ConnectTimeout bounds one automatic reconnect attempt. Explicit connects
	// use the caller's context.
	ConnectTimeout time.Duration
	// SendTimeout bounds a single command write.
	SendTimeout time.Duration
	// MaxLineLength bounds a pending inbound line.
	MaxLineLength int
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 3,
		ConnectTimeout:       20 * time.Second,
		SendTimeout:          2 * time.Second,
		MaxLineLength:        1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	return c
}
