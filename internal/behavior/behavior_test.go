package behavior

import (
	"testing"
	"time"
)

func TestCurveBufferBounded(t *testing.T) {
	c := NewCollector(Options{CurveCap: 100, SampleEvery: 1})
	c.Start(nil)

	base := time.Now().UnixMilli()
	for i := 0; i < 1000; i++ {
		c.Track(Event{Type: EventMouseMove, X: float64(i), Y: float64(i), Timestamp: base + int64(i)})
	}

	snap := c.Stop()
	if len(snap.MouseCurve) > 100 {
		t.Fatalf("curve buffer exceeded cap: %d", len(snap.MouseCurve))
	}
	// Most recent samples are retained, not the oldest.
	last := snap.MouseCurve[len(snap.MouseCurve)-1]
	if last.X != 999 {
		t.Errorf("expected newest sample x=999, got %v", last.X)
	}
	first := snap.MouseCurve[0]
	if first.X < 900 {
		t.Errorf("expected oldest retained sample to be recent, got x=%v", first.X)
	}
	if snap.MouseMovements != 1000 {
		t.Errorf("expected 1000 mouse movements counted, got %d", snap.MouseMovements)
	}
}

func TestClickPatternBounded(t *testing.T) {
	c := NewCollector(Options{ClickCap: 50})
	c.Start(nil)

	base := time.Now().UnixMilli()
	for i := 0; i < 200; i++ {
		c.Track(Event{Type: EventClick, Timestamp: base + int64(i)*1000})
	}

	snap := c.Stop()
	if len(snap.ClickPattern) != 50 {
		t.Fatalf("expected 50 retained clicks, got %d", len(snap.ClickPattern))
	}
	if snap.ClickPattern[49] != base+199*1000 {
		t.Errorf("expected newest click retained, got %d", snap.ClickPattern[49])
	}
}

func TestSuspiciousPatternTags(t *testing.T) {
	c := NewCollector(Options{SampleEvery: 1})
	c.Start(nil)
	base := time.Now().UnixMilli()

	// Two identical positions in a row.
	c.Track(Event{Type: EventMouseMove, X: 10, Y: 10, Timestamp: base})
	c.Track(Event{Type: EventMouseMove, X: 10, Y: 10, Timestamp: base + 20})

	// A jump far beyond the speed threshold.
	c.Track(Event{Type: EventMouseMove, X: 2000, Y: 2000, Timestamp: base + 40})

	// Two clicks 10ms apart.
	c.Track(Event{Type: EventClick, Timestamp: base + 100})
	c.Track(Event{Type: EventClick, Timestamp: base + 110})

	// A held space bar.
	for i := 0; i < 12; i++ {
		c.Track(Event{Type: EventKeyDown, Key: " ", Timestamp: base + 200 + int64(i)*30})
	}

	snap := c.Stop()
	want := []string{TagZeroMovement, TagFastMouse, TagRapidClicking, TagRepeatedSpace}
	for _, tag := range want {
		if !contains(snap.SuspiciousPatterns, tag) {
			t.Errorf("expected tag %q in %v", tag, snap.SuspiciousPatterns)
		}
	}
}

func TestIdleTimeAccumulates(t *testing.T) {
	c := NewCollector(Options{})
	c.Start(nil)
	base := time.Now().UnixMilli()

	c.Track(Event{Type: EventClick, Timestamp: base})
	c.Track(Event{Type: EventClick, Timestamp: base + 12*1000}) // 12s gap

	snap := c.Stop()
	if snap.IdleTimeSeconds < 12 {
		t.Errorf("expected at least 12 idle seconds, got %d", snap.IdleTimeSeconds)
	}
}

func TestSnapshotCadenceAndFinal(t *testing.T) {
	c := NewCollector(Options{SnapshotEvery: 20 * time.Millisecond})

	snaps := make(chan Snapshot, 16)
	c.Start(func(s Snapshot) { snaps <- s })

	// Initial snapshot arrives immediately.
	select {
	case <-snaps:
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	// At least one periodic snapshot follows.
	select {
	case <-snaps:
	case <-time.After(time.Second):
		t.Fatal("no periodic snapshot")
	}

	c.Track(Event{Type: EventScroll, Timestamp: time.Now().UnixMilli()})
	final := c.Stop()
	if final.ScrollEvents != 1 {
		t.Errorf("final snapshot missing scroll event: %+v", final)
	}

	// Events after teardown are dropped.
	c.Track(Event{Type: EventScroll, Timestamp: time.Now().UnixMilli()})
	if got := c.Snapshot().ScrollEvents; got != 1 {
		t.Errorf("collector accepted events after Stop: %d", got)
	}
}

func TestActivityRate(t *testing.T) {
	c := NewCollector(Options{SampleEvery: 1})
	c.Start(nil)
	base := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		c.Track(Event{Type: EventMouseMove, X: float64(i * 7), Y: 3, Timestamp: base + int64(i)*10})
	}
	snap := c.Stop()
	if snap.ActivityRate <= 0 {
		t.Errorf("expected positive activity rate, got %v", snap.ActivityRate)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
