// Package tick persists normalized market events to date-partitioned
// NDJSON files, buffering in memory and flushing by size or interval.
package tick

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pmdata/relayd/internal/metrics"
	"github.com/pmdata/relayd/internal/model"
)

// Config controls the tick writer.
type Config struct {
	// Dir is the directory tick files are written into. Created if missing.
	Dir string

	// FlushSize triggers a flush once this many events are buffered.
	FlushSize int

	// FlushInterval triggers a time-based flush of whatever is buffered.
	FlushInterval time.Duration
}

// DefaultConfig returns writer settings matching typical collection loads.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		FlushSize:     100,
		FlushInterval: 10 * time.Second,
	}
}

// Writer buffers normalized events and appends them as one JSON object per
// line to ticks_YYYY-MM-DD.jsonl files, partitioned by the event's UTC date.
// It implements book.EventSink. Safe for concurrent use.
type Writer struct {
	cfg      Config
	logger   *slog.Logger
	counters *metrics.Counters

	// flushMu serializes whole flush cycles, take plus durable write plus
	// any retained re-buffer. Concurrent size- and interval-triggered
	// flushes of the same partition would otherwise interleave batches in
	// the file out of arrival order, and Close could reap a partition
	// before a failing flush returns its batch.
	flushMu sync.Mutex

	mu      sync.Mutex
	buffers map[string][]model.NormalizedEvent // UTC date → pending events
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWriter creates a tick writer and its output directory.
func NewWriter(cfg Config, counters *metrics.Counters, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tick directory: %w", err)
	}
	w := &Writer{
		cfg:      cfg,
		logger:   logger.With("component", "tick-writer"),
		counters: counters,
		buffers:  make(map[string][]model.NormalizedEvent),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

// HandleEvent buffers one event, flushing its partition when the size
// threshold is reached.
func (w *Writer) HandleEvent(ev model.NormalizedEvent) {
	day := ev.Timestamp.UTC().Format("2006-01-02")

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.buffers[day] = append(w.buffers[day], ev)
	w.counters.TicksBuffered.Add(1)
	full := len(w.buffers[day]) >= w.cfg.FlushSize
	w.mu.Unlock()

	if full {
		w.flushDay(day)
	}
}

// Flush writes out every non-empty partition.
func (w *Writer) Flush() {
	w.mu.Lock()
	days := make([]string, 0, len(w.buffers))
	for day, events := range w.buffers {
		if len(events) > 0 {
			days = append(days, day)
		}
	}
	w.mu.Unlock()

	for _, day := range days {
		w.flushDay(day)
	}
}

// Close flushes all partitions and stops the timer loop. Idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.flushAllLocked()
	w.logger.Info("tick writer closed")
}

// Stats reports the writer's buffered backlog.
type Stats struct {
	BufferedEvents int
	OpenPartitions int
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int
	for _, events := range w.buffers {
		total += len(events)
	}
	return Stats{BufferedEvents: total, OpenPartitions: len(w.buffers)}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Flush()
		}
	}
}

// flushAllLocked flushes everything regardless of the closed flag; used by
// Close after the flag is set so no new events can race in.
func (w *Writer) flushAllLocked() {
	w.mu.Lock()
	days := make([]string, 0, len(w.buffers))
	for day := range w.buffers {
		days = append(days, day)
	}
	w.mu.Unlock()
	for _, day := range days {
		w.flushDay(day)
	}
}

// flushDay appends one partition's buffer to its file. On failure the
// events stay buffered and are retried on the next flush, including the
// final flush in Close, which waits on flushMu for any in-flight failure
// to re-buffer before reaping.
func (w *Writer) flushDay(day string) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	events := w.buffers[day]
	if len(events) == 0 {
		delete(w.buffers, day)
		w.mu.Unlock()
		return
	}
	delete(w.buffers, day)
	w.mu.Unlock()

	if err := w.appendFile(day, events); err != nil {
		w.counters.WriteErrors.Add(1)
		w.logger.Error("tick flush failed, retaining buffer", "date", day, "events", len(events), "error", err)
		w.mu.Lock()
		// Kept events go back in front so file order stays chronological.
		w.buffers[day] = append(events, w.buffers[day]...)
		w.mu.Unlock()
		return
	}
	w.counters.TicksFlushed.Add(int64(len(events)))
	w.logger.Debug("flushed ticks", "date", day, "events", len(events))
}

func (w *Writer) appendFile(day string, events []model.NormalizedEvent) error {
	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("ticks_%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write tick: %w", err)
		}
	}
	return f.Sync()
}
