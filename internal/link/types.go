package link

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrTornDown     = errors.New("link torn down")
	ErrStale        = errors.New("connection stale (no pong)")
)

// Conn is one established streaming connection.
type Conn interface {
	// ReadMessage blocks until the next message or a connection error.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one text message.
	WriteMessage(data []byte) error

	// Ping sends a keepalive probe.
	Ping(deadline time.Time) error

	// LastPong reports when the peer last answered a probe.
	LastPong() time.Time

	// Close closes the connection.
	Close() error
}

// Dialer opens connections. Production uses the gorilla/websocket dialer;
// tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config configures a Link.
type Config struct {
	URL               string
	ReconnectDelay    time.Duration // Fixed backoff between attempts
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration // Max silence after a probe before forcing a close
	WriteTimeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StaleTimeout:      60 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Callbacks are invoked by the link driver. OnMessage runs on the read
// goroutine, so handlers for the same link never overlap. A callback that
// fails to parse a payload must drop it and return; parse failures never
// close the link.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(err error)
}
