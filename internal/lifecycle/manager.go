package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pmdata/relayd/internal/discovery"
	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/model"
)

// Subscriptions is the normalizer-side surface the manager drives.
type Subscriptions interface {
	Watch(refs []model.TokenRef)
	Unwatch(tokenIDs []string)
}

// Discoverer fetches candidate markets. Satisfied by *discovery.Client;
// tests substitute a fake.
type Discoverer interface {
	FetchMarkets(ctx context.Context) ([]discovery.APIMarket, error)
}

// Catalog optionally records instrument registrations and retirements.
// Catalog failures never disturb ingestion.
type Catalog interface {
	UpsertInstruments(ctx context.Context, instruments []model.MarketInstrument) error
	MarkRetired(ctx context.Context, ids []string) error
}

// Config holds lifecycle manager settings.
type Config struct {
	PollInterval time.Duration
	GraceWindow  time.Duration // Past StartTime, instrument presumed concluded
	Categories   []string      // Allow-list; empty allows all
	DenyKeywords []string      // Slug substrings that reject a market
	MinTokens    int           // Minimum resolvable tokens per instrument
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		GraceWindow:  4 * time.Hour,
		MinTokens:    2,
	}
}

// Manager periodically discovers candidate markets, diffs them against the
// active set, drives the normalizer's subscription set, and expires stale
// instruments.
type Manager struct {
	cfg      Config
	disc     Discoverer
	subs     Subscriptions
	catalog  Catalog // nil when disabled
	logger   *slog.Logger
	counters *metrics.Counters

	// now is the clock; overridden in tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	active      map[string]model.MarketInstrument // instrument id → instrument
	lastRefresh time.Time
}

// Stats summarizes manager state for monitoring.
type Stats struct {
	ActiveInstruments int
	LastRefresh       time.Time
}

// NewManager creates a lifecycle manager. catalog may be nil.
func NewManager(cfg Config, disc Discoverer, subs Subscriptions, catalog Catalog, counters *metrics.Counters, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		disc:     disc,
		subs:     subs,
		catalog:  catalog,
		logger:   logger,
		counters: counters,
		now:      time.Now,
		active:   make(map[string]model.MarketInstrument),
	}
}

// Start runs an immediate refresh, then refreshes on the poll interval.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.Refresh(m.ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("lifecycle manager started",
		"poll_interval", m.cfg.PollInterval,
		"grace_window", m.cfg.GraceWindow,
		"active_instruments", m.activeCount(),
	)

	return nil
}

// Stop gracefully shuts down.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("lifecycle manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(m.ctx)
		}
	}
}

// Refresh runs one discovery/diff/sweep cycle. A discovery failure is
// counted and logged, the sweep still runs (it depends only on the clock),
// and active ingestion is never blocked.
func (m *Manager) Refresh(ctx context.Context) {
	start := m.now()

	discovered, err := m.discover(ctx)
	if err != nil {
		m.counters.DiscoveryErrors.Add(1)
		m.logger.Warn("discovery failed, retrying next interval", "err", err)
	} else {
		m.register(ctx, discovered)
	}

	m.sweepExpired(ctx)

	m.mu.Lock()
	m.lastRefresh = m.now()
	active := len(m.active)
	m.mu.Unlock()

	m.logger.Debug("refresh complete",
		"discovered", len(discovered),
		"active", active,
		"duration", time.Since(start),
	)
}

// discover polls the discovery source and applies the qualification rules.
func (m *Manager) discover(ctx context.Context) ([]model.MarketInstrument, error) {
	markets, err := m.disc.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var out []model.MarketInstrument
	for i := range markets {
		inst, ok := m.qualify(&markets[i], now)
		if !ok {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// qualify applies the category allow-list, the keyword deny-list, the strict
// canonical-slug match, and the minimum-token floor.
func (m *Manager) qualify(am *discovery.APIMarket, now time.Time) (model.MarketInstrument, bool) {
	if !am.Active || am.Closed {
		return model.MarketInstrument{}, false
	}

	if len(m.cfg.Categories) > 0 && !containsFold(m.cfg.Categories, am.Category) {
		return model.MarketInstrument{}, false
	}

	for _, kw := range m.cfg.DenyKeywords {
		if strings.Contains(am.Slug, kw) {
			return model.MarketInstrument{}, false
		}
	}

	// Only the genuine moneyline/base market carries the event's own slug;
	// derivative sub-markets (spreads, totals, period lines) do not.
	if am.EventSlug == "" || am.Slug != am.EventSlug {
		return model.MarketInstrument{}, false
	}

	inst, ok := am.ToInstrument(now)
	if !ok || len(inst.Tokens) < m.cfg.MinTokens {
		return model.MarketInstrument{}, false
	}

	return inst, true
}

// register adds newly qualifying instruments to the active set and the
// normalizer's subscriptions. Membership guards make repeated identical
// discovery outputs idempotent; no instrument is ever double-added.
func (m *Manager) register(ctx context.Context, discovered []model.MarketInstrument) {
	var fresh []model.MarketInstrument

	m.mu.Lock()
	for _, inst := range discovered {
		if _, exists := m.active[inst.ID]; exists {
			continue
		}
		m.active[inst.ID] = inst
		fresh = append(fresh, inst)
	}
	m.mu.Unlock()

	for _, inst := range fresh {
		m.subs.Watch(tokenRefs(inst))
		m.logger.Info("instrument registered",
			"slug", inst.Slug,
			"category", inst.Category,
			"tokens", len(inst.Tokens),
			"start", inst.StartTime,
		)
	}

	if m.catalog != nil && len(fresh) > 0 {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.catalog.UpsertInstruments(cctx, fresh); err != nil {
			m.counters.WriteErrors.Add(1)
			m.logger.Warn("catalog upsert failed", "count", len(fresh), "err", err)
		}
	}
}

// sweepExpired removes instruments whose start time plus the grace window
// has elapsed. Removal is guarded by active-set membership, so it happens
// exactly once per instrument.
func (m *Manager) sweepExpired(ctx context.Context) {
	now := m.now()
	var expired []model.MarketInstrument

	m.mu.Lock()
	for id, inst := range m.active {
		anchor := inst.StartTime
		if anchor.IsZero() {
			// No published start; age out from discovery instead.
			anchor = inst.DiscoveredAt
		}
		if now.After(anchor.Add(m.cfg.GraceWindow)) {
			delete(m.active, id)
			expired = append(expired, inst)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	var retiredIDs []string
	for _, inst := range expired {
		ids := make([]string, len(inst.Tokens))
		for i, tok := range inst.Tokens {
			ids[i] = tok.TokenID
		}
		m.subs.Unwatch(ids)
		retiredIDs = append(retiredIDs, inst.ID)

		m.logger.Info("instrument expired",
			"slug", inst.Slug,
			"start", inst.StartTime,
			"grace", m.cfg.GraceWindow,
		)
	}

	if m.catalog != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.catalog.MarkRetired(cctx, retiredIDs); err != nil {
			m.counters.WriteErrors.Add(1)
			m.logger.Warn("catalog retire failed", "count", len(retiredIDs), "err", err)
		}
	}
}

// ActiveInstruments returns a copy of the active set.
func (m *Manager) ActiveInstruments() []model.MarketInstrument {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.MarketInstrument, 0, len(m.active))
	for _, inst := range m.active {
		out = append(out, inst)
	}
	return out
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveInstruments: len(m.active),
		LastRefresh:       m.lastRefresh,
	}
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func tokenRefs(inst model.MarketInstrument) []model.TokenRef {
	refs := make([]model.TokenRef, len(inst.Tokens))
	for i, tok := range inst.Tokens {
		refs[i] = model.TokenRef{
			TokenID:      tok.TokenID,
			InstrumentID: inst.ID,
			Slug:         inst.Slug,
			Outcome:      tok.Outcome,
		}
	}
	return refs
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
