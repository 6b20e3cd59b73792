package relay

import "encoding/json"

// StateCache holds the latest per-topic state for one channel, for at most
// one active instrument at a time. A market switch atomically clears it
// before the new instrument is cached. Not safe for concurrent use; the hub
// serializes access.
type StateCache struct {
	instrumentID string
	instrument   json.RawMessage

	orders   map[string]json.RawMessage // order id → latest order_placed payload
	orderSeq []string                   // insertion order, for deterministic replay

	position json.RawMessage
	lines    json.RawMessage
}

// NewStateCache returns an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{
		orders: make(map[string]json.RawMessage),
	}
}

// SetInstrument caches a new instrument. When the instrument identity
// changes, every piece of per-instrument state is cleared first; returns
// whether a clear happened.
func (c *StateCache) SetInstrument(id string, data json.RawMessage) (switched bool) {
	switched = c.instrumentID != "" && c.instrumentID != id
	if switched {
		c.clearInstrumentState()
	}
	c.instrumentID = id
	c.instrument = data
	return switched
}

// UpsertOrder caches an order by id.
func (c *StateCache) UpsertOrder(id string, data json.RawMessage) {
	if _, exists := c.orders[id]; !exists {
		c.orderSeq = append(c.orderSeq, id)
	}
	c.orders[id] = data
}

// DeleteOrder removes an order by id. Returns false when the id was not
// cached, which callers report as a desync.
func (c *StateCache) DeleteOrder(id string) bool {
	if _, exists := c.orders[id]; !exists {
		return false
	}
	delete(c.orders, id)
	for i, v := range c.orderSeq {
		if v == id {
			c.orderSeq = append(c.orderSeq[:i], c.orderSeq[i+1:]...)
			break
		}
	}
	return true
}

// SetPosition caches the latest position snapshot.
func (c *StateCache) SetPosition(data json.RawMessage) {
	c.position = data
}

// SetLines caches the latest conditional-line flags.
func (c *StateCache) SetLines(data json.RawMessage) {
	c.lines = data
}

// ClearVolatile drops position and line state, kept when the last producer
// disconnects and its view can no longer be trusted.
func (c *StateCache) ClearVolatile() {
	c.position = nil
	c.lines = nil
}

// OrderCount returns the number of cached orders.
func (c *StateCache) OrderCount() int {
	return len(c.orders)
}

// Empty reports whether no per-instrument state is cached.
func (c *StateCache) Empty() bool {
	return len(c.orders) == 0 && c.position == nil && c.lines == nil
}

// Replay returns the cached state as messages in the fixed join order:
// instrument info, open orders, position, active lines. A late joiner
// receives exactly these before any live event.
func (c *StateCache) Replay() []Message {
	var out []Message

	if c.instrument != nil {
		out = append(out, Message{Type: TypeInstrument, Data: c.instrument})
	}
	for _, id := range c.orderSeq {
		out = append(out, Message{Type: TypeOrderPlaced, Data: c.orders[id]})
	}
	if c.position != nil {
		out = append(out, Message{Type: TypePosition, Data: c.position})
	}
	if c.lines != nil {
		out = append(out, Message{Type: TypeLine, Data: c.lines})
	}

	return out
}

func (c *StateCache) clearInstrumentState() {
	c.orders = make(map[string]json.RawMessage)
	c.orderSeq = nil
	c.position = nil
	c.lines = nil
}
