package book

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pmdata/relayd/internal/model"
)

// Upstream event_type discriminators.
const (
	eventTypeBook  = "book"
	eventTypeTrade = "trade"
)

// subscribeMessage is the outbound control message listing subscribed tokens.
type subscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

func marshalSubscribe(tokenIDs []string) ([]byte, error) {
	return json.Marshal(subscribeMessage{
		AssetsIDs: tokenIDs,
		Type:      "market",
	})
}

// wireLevel is one price-size pair as it arrives on the wire.
type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wireMessage is the loosely-typed inbound push message. Fields are
// populated according to EventType.
type wireMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"` // Milliseconds since epoch, as a string

	// Book fields
	Bids []wireLevel `json:"bids,omitempty"`
	Asks []wireLevel `json:"asks,omitempty"`

	// Trade fields
	Price string `json:"price,omitempty"`
	Size  string `json:"size,omitempty"`
	Side  string `json:"side,omitempty"` // "BUY" or "SELL"
}

// parseMessages decodes a raw payload. The venue sends either a single
// object or an array of objects.
func parseMessages(data []byte) ([]wireMessage, error) {
	trimmed := data
	for len(trimmed) > 0 {
		switch trimmed[0] {
		case ' ', '\t', '\n', '\r':
			trimmed = trimmed[1:]
			continue
		}
		break
	}
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var msgs []wireMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("parse message array: %w", err)
		}
		return msgs, nil
	}

	var msg wireMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return []wireMessage{msg}, nil
}

// parseLevels converts the string-typed wire levels, preserving wire order:
// the best price stays the last element of each side.
func (m *wireMessage) parseLevels() (bids, asks []model.PriceLevel, err error) {
	bids, err = convertLevels(m.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	asks, err = convertLevels(m.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

func convertLevels(levels []wireLevel) ([]model.PriceLevel, error) {
	out := make([]model.PriceLevel, len(levels))
	for i, lv := range levels {
		price, err := strconv.ParseFloat(lv.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("level %d price %q: %w", i, lv.Price, err)
		}
		size, err := strconv.ParseFloat(lv.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("level %d size %q: %w", i, lv.Size, err)
		}
		out[i] = model.PriceLevel{Price: price, Size: size}
	}
	return out, nil
}

// parseTrade converts the string-typed trade fields.
func (m *wireMessage) parseTrade() (price, size float64, err error) {
	price, err = strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("price %q: %w", m.Price, err)
	}
	size, err = strconv.ParseFloat(m.Size, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", m.Size, err)
	}
	return price, size, nil
}

// time converts the wire timestamp, falling back to now when absent or
// unparseable.
func (m *wireMessage) time() time.Time {
	if m.Timestamp == "" {
		return time.Now().UTC()
	}
	ms, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// buildSnapshot assembles a snapshot with top-of-book and depth recomputed
// fresh. An empty side reports the neutral midpoint instead of failing.
func buildSnapshot(tokenID string, bids, asks []model.PriceLevel, depthLevels int, ts time.Time) *model.OrderBookSnapshot {
	snap := &model.OrderBookSnapshot{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		BestBid:   model.NeutralMidpoint,
		BestAsk:   model.NeutralMidpoint,
		UpdatedAt: ts,
	}

	// Best price is the last element of each side per the wire contract.
	if len(bids) > 0 {
		snap.BestBid = bids[len(bids)-1].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[len(asks)-1].Price
	}

	snap.BidDepth = depthSum(bids, depthLevels)
	snap.AskDepth = depthSum(asks, depthLevels)

	return snap
}

// depthSum aggregates size over the n levels nearest the touch, which sit at
// the tail of the slice.
func depthSum(levels []model.PriceLevel, n int) float64 {
	start := len(levels) - n
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, lv := range levels[start:] {
		sum += lv.Size
	}
	return sum
}
