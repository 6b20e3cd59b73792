package model

import "time"

// -----------------------------------------------------------------------------
// Instruments and tokens
// -----------------------------------------------------------------------------

// OutcomeToken is a single tradeable outcome within an instrument.
type OutcomeToken struct {
	TokenID string `json:"token_id"` // CLOB asset id
	Outcome string `json:"outcome"`  // Display label (e.g., "Yes", "Lakers")
}

// MarketInstrument is one discoverable market with multiple outcome tokens.
// Created by a discovery poll, destroyed by the expiry sweep.
type MarketInstrument struct {
	ID        string         `json:"id"`         // Primary key from the discovery source
	Slug      string         `json:"slug"`       // Canonical market slug
	EventSlug string         `json:"event_slug"` // Parent event slug; equals Slug for the base market
	Title     string         `json:"title"`
	Category  string         `json:"category"`
	Tokens    []OutcomeToken `json:"tokens"`

	StartTime    time.Time `json:"start_time"`    // Nominal event start
	DiscoveredAt time.Time `json:"discovered_at"` // When the lifecycle manager first saw it

	Volume24h float64 `json:"volume_24h"`
	Liquidity float64 `json:"liquidity"`
}

// TokenRef resolves a token id back to its owning instrument and outcome.
// The token→instrument mapping is one-to-one among active instruments.
type TokenRef struct {
	TokenID      string `json:"token_id"`
	InstrumentID string `json:"instrument_id"`
	Slug         string `json:"slug"`
	Outcome      string `json:"outcome"`
}

// -----------------------------------------------------------------------------
// Order book
// -----------------------------------------------------------------------------

// PriceLevel is one price point on a book side.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is the full book state for one token.
//
// Level convention: each side's levels are ordered with the best price as
// the LAST element of the slice, matching the upstream wire format. BestBid
// and BestAsk are read from that position. Reversing the order corrupts
// top-of-book silently, without raising any error.
type OrderBookSnapshot struct {
	TokenID string       `json:"token_id"`
	Bids    []PriceLevel `json:"bids"` // Ascending price; best bid last
	Asks    []PriceLevel `json:"asks"` // Descending price; best ask last

	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`

	// Aggregate size within the N levels nearest the touch.
	BidDepth float64 `json:"bid_depth"`
	AskDepth float64 `json:"ask_depth"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NeutralMidpoint is reported as top-of-book when a side is empty.
const NeutralMidpoint = 0.5
