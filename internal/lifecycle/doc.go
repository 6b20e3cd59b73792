// Package lifecycle tracks the set of concurrently active markets.
//
// The manager polls the discovery source on a fixed interval, filters
// candidates down to one genuine base market per event, registers new
// instruments with the normalizer, and sweeps instruments whose start time
// plus a grace window has elapsed. Among active instruments the
// token→instrument mapping is always one-to-one.
package lifecycle
