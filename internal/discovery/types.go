package discovery

import (
	"encoding/json"
	"time"
)

// APIMarket is the wire descriptor for one market returned by the discovery
// source. Token ids and outcome labels arrive as JSON arrays encoded inside
// strings, so they need a secondary parse.
type APIMarket struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	EventSlug string    `json:"eventSlug"`
	Question  string    `json:"question"`
	Category  string    `json:"category"`
	Active    bool      `json:"active"`
	Closed    bool      `json:"closed"`
	StartTime time.Time `json:"gameStartTime,omitempty"`
	EndDate   time.Time `json:"endDate,omitempty"`

	Volume24h float64 `json:"volume24hr"`
	Liquidity float64 `json:"liquidityNum"`

	// JSON arrays encoded as strings.
	ClobTokenIDs string `json:"clobTokenIds"`
	Outcomes     string `json:"outcomes"`

	Tags []APITag `json:"tags,omitempty"`
}

// APITag is a category tag attached to a market.
type APITag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// ParseTokenIDs parses the ClobTokenIDs string into a slice of token ids.
func (m *APIMarket) ParseTokenIDs() ([]string, error) {
	if m.ClobTokenIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ParseOutcomes parses the Outcomes string into a slice of outcome labels.
func (m *APIMarket) ParseOutcomes() ([]string, error) {
	if m.Outcomes == "" {
		return nil, nil
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}
