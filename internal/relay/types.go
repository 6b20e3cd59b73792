package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Channel names. Each channel owns its own subscriber registry and cache.
const (
	// ChannelMarket is the stateless public feed: latest book/trade events
	// plus instrument metadata.
	ChannelMarket = "market"

	// ChannelDesk is the trusted channel: order lifecycle, position
	// snapshots, and conditional line indicators.
	ChannelDesk = "desk"
)

// Message is the discriminated envelope pushed to subscribers and accepted
// from producers.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types.
const (
	// Liveness.
	TypePing = "ping"
	TypePong = "pong"

	// Producer handshake.
	TypeRegister = "register"

	// Market data (outbound only).
	TypeBook  = "book"
	TypeTrade = "trade"

	// State-carrying desk traffic.
	TypeInstrument     = "instrument" // market switch / instrument info
	TypeOrderPlaced    = "order_placed"
	TypeOrderFilled    = "order_filled"
	TypeOrderCancelled = "order_cancelled"
	TypePosition       = "position"
	TypeLine           = "line"
)

// registerPayload is the explicit registration handshake body.
type registerPayload struct {
	Role string `json:"role"` // "producer" or "observer"
}

// orderPayload extracts the order id from order lifecycle messages.
type orderPayload struct {
	OrderID string `json:"order_id"`
}

// instrumentPayload extracts the instrument identity from switch messages.
type instrumentPayload struct {
	ID string `json:"id"`
}

// subscriber is one downstream connection on a channel.
type subscriber struct {
	id       uuid.UUID
	conn     *websocket.Conn
	channel  string
	joinedAt time.Time

	// writeMu serializes writes; broadcasts and pong replies come from
	// different goroutines.
	writeMu sync.Mutex

	// alive advances only on heartbeat receipt (control pong or app-level
	// ping), never on ordinary payload traffic. The sweep clears it.
	alive bool

	// producer is set by explicit registration or by sending a
	// state-mutating message within the producer grace window.
	producer bool
}
