// Package behavior maintains the per-session interaction counters used by the
// quality engine. The browser widget batches raw input events to the server;
// the Collector folds each batch into counters, bounded history buffers and a
// set of suspicious-pattern tags, and emits point-in-time snapshots on a fixed
// cadence and at teardown.
package behavior

import (
	"math"
	"sync"
	"time"
)

// EventType identifies a raw client-side input event.
type EventType string

const (
	EventMouseMove EventType = "mouse_move"
	EventClick     EventType = "click"
	EventKeyDown   EventType = "key_down"
	EventScroll    EventType = "scroll"
	EventFocus     EventType = "focus"
	EventBlur      EventType = "blur"
	EventResize    EventType = "resize"
	EventCopy      EventType = "copy"
	EventPaste     EventType = "paste"
)

// Event is one raw input event as reported by the widget.
type Event struct {
	Type      EventType `json:"type"`
	X         float64   `json:"x,omitempty"`
	Y         float64   `json:"y,omitempty"`
	Key       string    `json:"key,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds, client clock
}

// CurvePoint is one sampled mouse position.
type CurvePoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// Snapshot is a point-in-time aggregate of a session's interaction counters.
// Counters are monotonically non-decreasing until the session ends.
type Snapshot struct {
	MouseMovements     int          `json:"mouseMovements"`
	KeyboardEvents     int          `json:"keyboardEvents"`
	ClickPattern       []int64      `json:"clickPattern"`
	MouseCurve         []CurvePoint `json:"mouseCurve"`
	IdleTimeSeconds    int          `json:"idleTimeSeconds"`
	CopyPasteEvents    int          `json:"copyPasteEvents"`
	ScrollEvents       int          `json:"scrollEvents"`
	FocusEvents        int          `json:"focusEvents"`
	ResizeEvents       int          `json:"resizeEvents"`
	SuspiciousPatterns []string     `json:"suspiciousPatterns"`
	TotalTimeMs        int64        `json:"totalTimeMs"`
	ActivityRate       float64      `json:"activityRate"` // events per second
}

// Suspicious-pattern tags. The quality engine matches on these strings.
const (
	TagZeroMovement  = "Zero movement detected"
	TagFastMouse     = "Unusually fast mouse movement"
	TagRapidClicking = "Rapid clicking detected"
	TagRepeatedSpace = "Repeated space key detected"
)

// Options tune the collector's buffers and detection thresholds. Zero values
// fall back to defaults.
type Options struct {
	CurveCap         int           // max retained mouse-curve samples
	ClickCap         int           // max retained click timestamps
	SampleEvery      int           // keep every Nth mouse-move sample
	MaxMouseSpeed    float64       // px per event before tagging fast movement
	RapidClickWithin time.Duration // two clicks closer than this tag rapid clicking
	RepeatedKeyRun   int           // identical keypress run length before tagging
	IdleAfter        time.Duration // gap between events counted as idle
	SnapshotEvery    time.Duration // periodic emission cadence
}

func (o *Options) applyDefaults() {
	if o.CurveCap == 0 {
		o.CurveCap = 100
	}
	if o.ClickCap == 0 {
		o.ClickCap = 50
	}
	if o.SampleEvery == 0 {
		o.SampleEvery = 5
	}
	if o.MaxMouseSpeed == 0 {
		o.MaxMouseSpeed = 800
	}
	if o.RapidClickWithin == 0 {
		o.RapidClickWithin = 120 * time.Millisecond
	}
	if o.RepeatedKeyRun == 0 {
		o.RepeatedKeyRun = 10
	}
	if o.IdleAfter == 0 {
		o.IdleAfter = 5 * time.Second
	}
	if o.SnapshotEvery == 0 {
		o.SnapshotEvery = 5 * time.Second
	}
}

// Collector accumulates behavioral signals for one session. It performs no
// network I/O; the only side effect is the snapshot callback.
type Collector struct {
	mu   sync.Mutex
	opts Options

	startedAt time.Time
	stopped   bool

	mouseMovements int
	keyboardEvents int
	copyPaste      int
	scrolls        int
	focuses        int
	resizes        int
	idleSeconds    int

	clicks     []int64
	curve      []CurvePoint
	suspicious map[string]struct{}

	moveSeq     int
	lastMouse   *CurvePoint
	lastClickAt int64
	lastKey     string
	keyRun      int
	lastEventAt int64

	onSnapshot func(Snapshot)
	ticker     *time.Ticker
	done       chan struct{}
}

// NewCollector returns a collector ready to receive events.
func NewCollector(opts Options) *Collector {
	opts.applyDefaults()
	return &Collector{
		opts:       opts,
		suspicious: make(map[string]struct{}),
	}
}

// Start begins observation. It emits an initial snapshot immediately, then
// one roughly every SnapshotEvery until Stop. Start is a no-op when called
// twice.
func (c *Collector) Start(onSnapshot func(Snapshot)) {
	c.mu.Lock()
	if c.done != nil || c.stopped {
		c.mu.Unlock()
		return
	}
	c.startedAt = time.Now()
	c.onSnapshot = onSnapshot
	c.ticker = time.NewTicker(c.opts.SnapshotEvery)
	c.done = make(chan struct{})
	snap := c.snapshotLocked()
	ticker, done := c.ticker, c.done
	c.mu.Unlock()

	if onSnapshot != nil {
		onSnapshot(snap)
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				if onSnapshot != nil {
					onSnapshot(c.Snapshot())
				}
			case <-done:
				return
			}
		}
	}()
}

// Stop tears the collector down and returns the final, authoritative
// snapshot. The periodic cadence alone is not sufficient for callers: the
// snapshot returned here includes everything observed up to this instant.
func (c *Collector) Stop() Snapshot {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		if c.ticker != nil {
			c.ticker.Stop()
		}
		if c.done != nil {
			close(c.done)
		}
	}
	snap := c.snapshotLocked()
	cb := c.onSnapshot
	c.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	return snap
}

// Track folds one event into the counters. Events arriving after Stop are
// dropped.
func (c *Collector) Track(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.trackLocked(ev)
}

// TrackBatch folds a batch of events, preserving order.
func (c *Collector) TrackBatch(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for _, ev := range events {
		c.trackLocked(ev)
	}
}

func (c *Collector) trackLocked(ev Event) {
	if c.lastEventAt != 0 && ev.Timestamp > c.lastEventAt {
		gap := time.Duration(ev.Timestamp-c.lastEventAt) * time.Millisecond
		if gap >= c.opts.IdleAfter {
			c.idleSeconds += int(gap / time.Second)
		}
	}
	if ev.Timestamp > c.lastEventAt {
		c.lastEventAt = ev.Timestamp
	}

	switch ev.Type {
	case EventMouseMove:
		c.trackMouseMove(ev)
	case EventClick:
		c.trackClick(ev)
	case EventKeyDown:
		c.trackKey(ev)
	case EventScroll:
		c.scrolls++
	case EventFocus, EventBlur:
		c.focuses++
	case EventResize:
		c.resizes++
	case EventCopy, EventPaste:
		c.copyPaste++
	}
}

func (c *Collector) trackMouseMove(ev Event) {
	c.mouseMovements++

	if c.lastMouse != nil {
		dx := ev.X - c.lastMouse.X
		dy := ev.Y - c.lastMouse.Y
		dist := math.Sqrt(dx*dx + dy*dy)
		if dist == 0 {
			c.tag(TagZeroMovement)
		} else if dist > c.opts.MaxMouseSpeed {
			c.tag(TagFastMouse)
		}
	}
	c.lastMouse = &CurvePoint{X: ev.X, Y: ev.Y, Timestamp: ev.Timestamp}

	// Only every Nth move lands in the curve buffer to bound memory.
	c.moveSeq++
	if c.moveSeq%c.opts.SampleEvery == 0 {
		c.curve = appendBounded(c.curve, CurvePoint{X: ev.X, Y: ev.Y, Timestamp: ev.Timestamp}, c.opts.CurveCap)
	}
}

func (c *Collector) trackClick(ev Event) {
	if c.lastClickAt != 0 && ev.Timestamp-c.lastClickAt < c.opts.RapidClickWithin.Milliseconds() {
		c.tag(TagRapidClicking)
	}
	c.lastClickAt = ev.Timestamp
	c.clicks = appendBounded(c.clicks, ev.Timestamp, c.opts.ClickCap)
}

func (c *Collector) trackKey(ev Event) {
	c.keyboardEvents++
	if ev.Key != "" && ev.Key == c.lastKey {
		c.keyRun++
		if c.keyRun >= c.opts.RepeatedKeyRun {
			c.tag(TagRepeatedSpace)
		}
	} else {
		c.keyRun = 1
	}
	c.lastKey = ev.Key
}

func (c *Collector) tag(t string) {
	c.suspicious[t] = struct{}{}
}

// Snapshot returns the current aggregate without stopping collection.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	elapsed := time.Duration(0)
	if !c.startedAt.IsZero() {
		elapsed = time.Since(c.startedAt)
	}

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(c.mouseMovements+c.keyboardEvents) / secs
	}

	tags := make([]string, 0, len(c.suspicious))
	for t := range c.suspicious {
		tags = append(tags, t)
	}

	return Snapshot{
		MouseMovements:     c.mouseMovements,
		KeyboardEvents:     c.keyboardEvents,
		ClickPattern:       append([]int64(nil), c.clicks...),
		MouseCurve:         append([]CurvePoint(nil), c.curve...),
		IdleTimeSeconds:    c.idleSeconds,
		CopyPasteEvents:    c.copyPaste,
		ScrollEvents:       c.scrolls,
		FocusEvents:        c.focuses,
		ResizeEvents:       c.resizes,
		SuspiciousPatterns: tags,
		TotalTimeMs:        elapsed.Milliseconds(),
		ActivityRate:       rate,
	}
}

// appendBounded appends v keeping at most cap entries, evicting the oldest.
func appendBounded[T any](buf []T, v T, capacity int) []T {
	if len(buf) >= capacity {
		copy(buf, buf[len(buf)-capacity+1:])
		buf = buf[:capacity-1]
	}
	return append(buf, v)
}
