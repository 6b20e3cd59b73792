// Package book maintains per-token order book state from the upstream venue
// feed and emits normalized events.
//
// Book messages replace a token's snapshot wholesale, never as an incremental
// patch, so the in-memory book can not drift from the venue. Top-of-book
// and depth aggregates are recomputed fresh on every message.
package book

import (
	"log/slog"
	"sync"

	"github.com/pmdata/relayd/internal/link"
	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/model"
)

// EventSink consumes normalized events. Sinks are invoked synchronously
// inside the upstream message handler, which is what guarantees per-token
// arrival order end to end.
type EventSink interface {
	HandleEvent(ev model.NormalizedEvent)
}

// Config holds normalizer settings.
type Config struct {
	DepthLevels int // N price levels nearest the touch aggregated per side
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DepthLevels: 2}
}

// Normalizer owns the upstream streaming link and the token→snapshot map.
type Normalizer struct {
	cfg      Config
	logger   *slog.Logger
	counters *metrics.Counters
	sinks    []EventSink

	link *link.Link

	mu     sync.Mutex
	tokens map[string]model.TokenRef           // token id → owning instrument/outcome
	books  map[string]*model.OrderBookSnapshot // token id → latest snapshot
}

// Stats summarizes normalizer state for monitoring.
type Stats struct {
	TokensWatched int
	BooksHeld     int
	Connected     bool
}

// New creates a normalizer with its upstream link. The link is not started
// until Start is called.
func New(cfg Config, linkCfg link.Config, dialer link.Dialer, counters *metrics.Counters, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Normalizer{
		cfg:      cfg,
		logger:   logger,
		counters: counters,
		tokens:   make(map[string]model.TokenRef),
		books:    make(map[string]*model.OrderBookSnapshot),
	}

	n.link = link.New(linkCfg, dialer, link.Callbacks{
		OnOpen:    n.onOpen,
		OnMessage: n.onMessage,
		OnClose:   n.onClose,
	}, logger.With("component", "upstream"))

	return n
}

// AddSink registers an event consumer. Sinks receive events in registration
// order. Must be called before Start.
func (n *Normalizer) AddSink(s EventSink) {
	n.sinks = append(n.sinks, s)
}

// Start begins connecting the upstream link.
func (n *Normalizer) Start() {
	n.link.Start()
}

// Stop permanently tears down the upstream link. Safe to call more than once.
func (n *Normalizer) Stop() {
	n.link.Teardown()
}

// Stats returns current normalizer statistics.
func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		TokensWatched: len(n.tokens),
		BooksHeld:     len(n.books),
		Connected:     n.link.Connected(),
	}
}

// Watch adds tokens to the subscription set. The addition is atomic with
// respect to event handling, and on a live link only the new tokens are
// subscribed; existing subscriptions are not disturbed.
func (n *Normalizer) Watch(refs []model.TokenRef) {
	if len(refs) == 0 {
		return
	}

	added := make([]string, 0, len(refs))

	n.mu.Lock()
	for _, ref := range refs {
		if _, exists := n.tokens[ref.TokenID]; exists {
			continue
		}
		n.tokens[ref.TokenID] = ref
		added = append(added, ref.TokenID)
	}
	n.mu.Unlock()

	if len(added) == 0 {
		return
	}

	if err := n.sendSubscribe(added); err != nil {
		// Not connected yet; the open callback re-asserts the full set.
		n.logger.Debug("deferred subscription", "tokens", len(added), "err", err)
	}
}

// Unwatch removes tokens from the subscription set and discards their books.
// Later events for these tokens are dropped as subscription races.
func (n *Normalizer) Unwatch(tokenIDs []string) {
	n.mu.Lock()
	for _, id := range tokenIDs {
		delete(n.tokens, id)
		delete(n.books, id)
	}
	n.mu.Unlock()
}

// onOpen re-asserts the full current subscription set. A reconnect without
// it leaves a silent subscription gap.
func (n *Normalizer) onOpen() {
	n.mu.Lock()
	ids := make([]string, 0, len(n.tokens))
	for id := range n.tokens {
		ids = append(ids, id)
	}
	n.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	if err := n.sendSubscribe(ids); err != nil {
		n.logger.Warn("failed to assert subscriptions after connect",
			"tokens", len(ids),
			"err", err,
		)
		return
	}

	n.logger.Info("subscriptions asserted", "tokens", len(ids))
}

func (n *Normalizer) onClose(err error) {
	n.counters.LinkDrops.Add(1)
}

// onMessage parses and dispatches one raw upstream payload. Malformed
// payloads are dropped and counted; they never close the link.
func (n *Normalizer) onMessage(data []byte) {
	msgs, err := parseMessages(data)
	if err != nil {
		n.counters.ParseErrors.Add(1)
		n.logger.Warn("malformed upstream payload", "err", err)
		return
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case eventTypeBook:
			n.handleBook(msg)
		case eventTypeTrade:
			n.handleTrade(msg)
		default:
			// Control/echo traffic; nothing to normalize.
		}
	}
}

// handleBook replaces the token's snapshot and emits a Book event.
func (n *Normalizer) handleBook(msg wireMessage) {
	bids, asks, err := msg.parseLevels()
	if err != nil {
		n.counters.ParseErrors.Add(1)
		n.logger.Warn("malformed book payload", "token", msg.AssetID, "err", err)
		return
	}

	n.mu.Lock()
	ref, ok := n.tokens[msg.AssetID]
	if !ok {
		n.mu.Unlock()
		// Lifecycle race, not an error.
		n.counters.SubscriptionRaces.Add(1)
		return
	}

	snap := buildSnapshot(msg.AssetID, bids, asks, n.cfg.DepthLevels, msg.time())
	n.books[msg.AssetID] = snap
	n.mu.Unlock()

	n.emit(model.NormalizedEvent{
		Kind:         model.KindBook,
		Timestamp:    snap.UpdatedAt,
		InstrumentID: ref.InstrumentID,
		Slug:         ref.Slug,
		TokenID:      ref.TokenID,
		Outcome:      ref.Outcome,
		Book: &model.BookPayload{
			Bids:     snap.Bids,
			Asks:     snap.Asks,
			BestBid:  snap.BestBid,
			BestAsk:  snap.BestAsk,
			BidDepth: snap.BidDepth,
			AskDepth: snap.AskDepth,
		},
	})
}

// handleTrade emits a Trade event annotated with the owning instrument.
func (n *Normalizer) handleTrade(msg wireMessage) {
	price, size, err := msg.parseTrade()
	if err != nil {
		n.counters.ParseErrors.Add(1)
		n.logger.Warn("malformed trade payload", "token", msg.AssetID, "err", err)
		return
	}

	n.mu.Lock()
	ref, ok := n.tokens[msg.AssetID]
	n.mu.Unlock()
	if !ok {
		n.counters.SubscriptionRaces.Add(1)
		return
	}

	n.emit(model.NormalizedEvent{
		Kind:         model.KindTrade,
		Timestamp:    msg.time(),
		InstrumentID: ref.InstrumentID,
		Slug:         ref.Slug,
		TokenID:      ref.TokenID,
		Outcome:      ref.Outcome,
		Trade: &model.TradePayload{
			Price: price,
			Size:  size,
			Side:  msg.Side,
		},
	})
}

// emit hands the event to every sink. Events are not retained afterwards.
func (n *Normalizer) emit(ev model.NormalizedEvent) {
	n.counters.EventsNormalized.Add(1)
	for _, s := range n.sinks {
		s.HandleEvent(ev)
	}
}

func (n *Normalizer) sendSubscribe(tokenIDs []string) error {
	data, err := marshalSubscribe(tokenIDs)
	if err != nil {
		return err
	}
	return n.link.Send(data)
}
