// Package metrics provides process-wide monotonic counters for monitoring.
//
// Sustained failure anywhere in the pipeline surfaces through these counters
// (discovery errors, subscription races, parse errors, write errors, desync
// warnings), never as a crash. The health endpoint exposes a Snapshot for
// external scraping.
package metrics

import "sync/atomic"

// Counters holds every monitored counter for one relay process.
// All counters only ever increase. A fresh Counters is constructed per
// coordinator (and per test); there is no package-level instance.
type Counters struct {
	DiscoveryErrors    atomic.Int64 // discovery source unreachable or malformed
	SubscriptionRaces  atomic.Int64 // events for tokens not currently mapped
	ParseErrors        atomic.Int64 // malformed payloads dropped, link kept open
	WriteErrors        atomic.Int64 // durable writes failed and retried
	DesyncWarnings     atomic.Int64 // cache mutations referencing unknown ids
	LinkDrops          atomic.Int64 // streaming link closures (local or remote)
	SubscribersDropped atomic.Int64 // downstream connections removed by sweep

	EventsNormalized atomic.Int64
	EventsBroadcast  atomic.Int64
	TicksBuffered    atomic.Int64
	TicksFlushed     atomic.Int64
}

// New returns a zeroed counter set.
func New() *Counters {
	return &Counters{}
}

// Snapshot returns the current counter values keyed by stable names.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"discovery_errors":    c.DiscoveryErrors.Load(),
		"subscription_races":  c.SubscriptionRaces.Load(),
		"parse_errors":        c.ParseErrors.Load(),
		"write_errors":        c.WriteErrors.Load(),
		"desync_warnings":     c.DesyncWarnings.Load(),
		"link_drops":          c.LinkDrops.Load(),
		"subscribers_dropped": c.SubscribersDropped.Load(),
		"events_normalized":   c.EventsNormalized.Load(),
		"events_broadcast":    c.EventsBroadcast.Load(),
		"ticks_buffered":      c.TicksBuffered.Load(),
		"ticks_flushed":       c.TicksFlushed.Load(),
	}
}
