package link

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials WebSocket connections with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewWSDialer returns a dialer with sensible timeouts.
func NewWSDialer(writeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     writeTimeout,
	}
}

// Dial opens a WebSocket connection.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	wc := &wsConn{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		lastPong:     time.Now(),
	}

	conn.SetPongHandler(func(string) error {
		wc.mu.Lock()
		wc.lastPong = time.Now()
		wc.mu.Unlock()
		return nil
	})

	// Some venues probe with pings of their own; answering counts as traffic.
	conn.SetPingHandler(func(data string) error {
		wc.mu.Lock()
		wc.lastPong = time.Now()
		wc.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	return wc, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
}

func (c *wsConn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
