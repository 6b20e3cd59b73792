package metrics

import (
	"sync"
	"testing"
)

func TestSnapshot_ReflectsCounters(t *testing.T) {
	c := New()
	c.ParseErrors.Add(3)
	c.LinkDrops.Add(1)

	snap := c.Snapshot()
	if snap["parse_errors"] != 3 {
		t.Errorf("parse_errors = %d, want 3", snap["parse_errors"])
	}
	if snap["link_drops"] != 1 {
		t.Errorf("link_drops = %d, want 1", snap["link_drops"])
	}
	if snap["write_errors"] != 0 {
		t.Errorf("write_errors = %d, want 0", snap["write_errors"])
	}
	if len(snap) != 11 {
		t.Errorf("snapshot keys = %d, want 11", len(snap))
	}
}

func TestCounters_ConcurrentAdds(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.EventsNormalized.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := c.EventsNormalized.Load(); got != 8000 {
		t.Errorf("EventsNormalized = %d, want 8000", got)
	}
}
