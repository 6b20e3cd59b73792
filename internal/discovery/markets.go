package discovery

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/pmdata/relayd/internal/model"
)

const marketsPageSize = 500

// FetchMarkets fetches all currently open markets, paging until exhausted.
func (c *Client) FetchMarkets(ctx context.Context) ([]APIMarket, error) {
	var all []APIMarket
	offset := 0

	for {
		query := url.Values{}
		query.Set("active", "true")
		query.Set("closed", "false")
		query.Set("_limit", strconv.Itoa(marketsPageSize))
		query.Set("_offset", strconv.Itoa(offset))

		var page []APIMarket
		if err := c.get(ctx, "/markets", query, &page); err != nil {
			return nil, err
		}

		all = append(all, page...)

		if len(page) < marketsPageSize {
			return all, nil
		}
		offset += marketsPageSize
	}
}

// ToInstrument converts a wire descriptor to a MarketInstrument.
// Returns false when the token ids and outcome labels cannot be resolved
// into pairs; such markets are not ingestible.
func (m *APIMarket) ToInstrument(now time.Time) (model.MarketInstrument, bool) {
	ids, err := m.ParseTokenIDs()
	if err != nil {
		return model.MarketInstrument{}, false
	}
	outcomes, err := m.ParseOutcomes()
	if err != nil {
		return model.MarketInstrument{}, false
	}
	if len(ids) == 0 || len(ids) != len(outcomes) {
		return model.MarketInstrument{}, false
	}

	tokens := make([]model.OutcomeToken, len(ids))
	for i, id := range ids {
		tokens[i] = model.OutcomeToken{TokenID: id, Outcome: outcomes[i]}
	}

	return model.MarketInstrument{
		ID:           m.ID,
		Slug:         m.Slug,
		EventSlug:    m.EventSlug,
		Title:        m.Question,
		Category:     m.Category,
		Tokens:       tokens,
		StartTime:    m.StartTime,
		DiscoveredAt: now,
		Volume24h:    m.Volume24h,
		Liquidity:    m.Liquidity,
	}, true
}
