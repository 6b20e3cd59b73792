package model

import "time"

// EventKind discriminates NormalizedEvent variants.
type EventKind string

const (
	KindBook  EventKind = "book"
	KindTrade EventKind = "trade"
)

// BookPayload is the kind-specific payload of a Book event.
type BookPayload struct {
	Bids     []PriceLevel `json:"bids"` // Best last (see OrderBookSnapshot)
	Asks     []PriceLevel `json:"asks"`
	BestBid  float64      `json:"best_bid"`
	BestAsk  float64      `json:"best_ask"`
	BidDepth float64      `json:"bid_depth"`
	AskDepth float64      `json:"ask_depth"`
}

// TradePayload is the kind-specific payload of a Trade event.
type TradePayload struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Side  string  `json:"side"` // "BUY" or "SELL"
}

// NormalizedEvent is the validated, tagged representation of one upstream
// message. Exactly one of Book and Trade is set, according to Kind.
// Events are created by the normalizer and discarded after handoff to the
// relay and tick writer; nothing retains them.
type NormalizedEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	InstrumentID string `json:"instrument_id"`
	Slug         string `json:"slug"`
	TokenID      string `json:"token_id"`
	Outcome      string `json:"outcome"`

	Book  *BookPayload  `json:"book,omitempty"`
	Trade *TradePayload `json:"trade,omitempty"`
}
