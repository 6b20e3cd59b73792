package link

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Link drives one outbound streaming connection through the lifecycle
// machine. It owns the dial goroutine, the read loop, the keepalive loop,
// and the reconnect timer; the owner only sees the Callbacks.
type Link struct {
	cfg    Config
	dialer Dialer
	cb     Callbacks
	logger *slog.Logger

	mu         sync.Mutex
	m          machine
	conn       Conn
	retryTimer *time.Timer
	kaStop     chan struct{}
}

// New creates a link. Callbacks must be set before Start; they are never
// invoked after Teardown returns the link to its permanent inactive state.
func New(cfg Config, dialer Dialer, cb Callbacks, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		dialer: dialer,
		cb:     cb,
		logger: logger,
	}
}

// Start requests the first connection attempt. It returns immediately; the
// open callback fires once the dial succeeds.
func (l *Link) Start() {
	l.apply(inputDial, nil)
}

// Teardown permanently deactivates the link: any pending reconnect timer is
// cancelled and the owned connection closed before returning. Safe to invoke
// more than once.
func (l *Link) Teardown() {
	l.mu.Lock()
	effects := l.m.step(inputTeardown)
	conn := l.runEffects(effects)
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send writes one message on the current connection.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	conn := l.conn
	torn := l.m.torn
	l.mu.Unlock()

	if torn {
		return ErrTornDown
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.state
}

// Connected reports whether the link is currently established.
func (l *Link) Connected() bool {
	return l.State() == StateConnected
}

// apply feeds one input to the machine and executes the effects. Close and
// disconnect notifications run outside the lock so callbacks may call Send.
func (l *Link) apply(in input, cause error) {
	l.mu.Lock()
	effects := l.m.step(in)
	notifyClose := false
	for _, e := range effects {
		if e == effectNotifyClose {
			notifyClose = true
		}
	}
	conn := l.runEffects(effects)
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if notifyClose {
		l.logger.Warn("link closed", "url", l.cfg.URL, "err", cause)
		if l.cb.OnClose != nil {
			l.cb.OnClose(cause)
		}
	}
}

// runEffects executes machine effects. Must be called with the lock held;
// returns the connection to close (if any) so the caller can close it
// outside the lock.
func (l *Link) runEffects(effects []effect) (toClose Conn) {
	for _, e := range effects {
		switch e {
		case effectDial:
			go l.dial()

		case effectScheduleRetry:
			l.retryTimer = time.AfterFunc(l.cfg.ReconnectDelay, func() {
				l.apply(inputRetryDue, nil)
			})

		case effectStartKeepalive:
			stop := make(chan struct{})
			l.kaStop = stop
			go l.keepaliveLoop(l.conn, stop)

		case effectCancelRetry:
			if l.retryTimer != nil {
				l.retryTimer.Stop()
				l.retryTimer = nil
			}

		case effectStopKeepalive:
			if l.kaStop != nil {
				close(l.kaStop)
				l.kaStop = nil
			}

		case effectCloseConn:
			toClose = l.conn
			l.conn = nil
		}
	}
	return toClose
}

// dial runs one connection attempt.
func (l *Link) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := l.dialer.Dial(ctx, l.cfg.URL)
	if err != nil {
		l.logger.Warn("dial failed",
			"url", l.cfg.URL,
			"retry_in", l.cfg.ReconnectDelay,
			"err", err,
		)
		l.apply(inputDialFailed, err)
		return
	}

	if !l.adopt(conn) {
		// Torn down while the dial was in flight.
		conn.Close()
	}
}

// adopt installs a freshly dialed connection and executes the machine's
// open effects. The open notification runs outside the lock so the
// callback may call Send.
func (l *Link) adopt(conn Conn) bool {
	l.mu.Lock()
	effects := l.m.step(inputOpened)
	if len(effects) == 0 {
		l.mu.Unlock()
		return false
	}
	l.conn = conn
	l.runEffects(effects)
	go l.readLoop(conn)
	l.mu.Unlock()

	for _, e := range effects {
		if e == effectNotifyOpen {
			l.logger.Info("link connected", "url", l.cfg.URL)
			if l.cb.OnOpen != nil {
				l.cb.OnOpen()
			}
		}
	}
	return true
}

// readLoop pumps inbound messages into the owner's callback until the
// connection fails. Handlers for the same link never overlap because they
// all run here.
func (l *Link) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			l.apply(inputClosed, err)
			return
		}
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(data)
		}
	}
}

// keepaliveLoop probes the peer and forces a close when it goes silent.
// The forced close surfaces through the read loop as an ordinary disconnect.
func (l *Link) keepaliveLoop(conn Conn, stop chan struct{}) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
				l.logger.Debug("failed to send ping", "err", err)
			}
			if time.Since(conn.LastPong()) > l.cfg.StaleTimeout {
				l.logger.Warn("no pong received, forcing close",
					"last_pong", conn.LastPong(),
					"timeout", l.cfg.StaleTimeout,
				)
				conn.Close()
				return
			}
		}
	}
}
