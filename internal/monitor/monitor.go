// Package monitor infers the terminal outcome of an embedded, cross-origin
// survey. While the survey stays on the partner's domain the frame location
// is unreadable (same-origin policy); the monitor polls anyway, treating the
// access failure as the normal in-progress signal, and classifies the URL the
// moment a navigation back into readable territory happens. Cooperative
// postMessage payloads, when the partner sends them, short-circuit polling.
package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ErrCrossOrigin is the expected probe failure while the survey frame points
// at the partner's domain. It is an operating condition, not an error to log.
var ErrCrossOrigin = errors.New("cross-origin frame access denied")

// FrameProbe exposes whatever location information is reachable for the
// survey frame.
type FrameProbe interface {
	// Location returns the frame's current URL, or ErrCrossOrigin while
	// the frame is on a foreign domain.
	Location() (string, error)
}

// Metadata piggybacks on the completion result. Collection never blocks
// status delivery.
type Metadata struct {
	Browser    string `json:"browser,omitempty"`
	ScreenSize string `json:"screenSize,omitempty"`
	Locale     string `json:"locale,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Referrer   string `json:"referrer,omitempty"` // truncated
}

const maxReferrerLen = 256

// Result is the terminal state of a session. Once produced it never changes.
type Result struct {
	Status          Status    `json:"status"`
	CompletionURL   string    `json:"completionUrl,omitempty"`
	DetectionMethod string    `json:"detectionMethod"`
	Timestamp       time.Time `json:"timestamp"`
	Meta            Metadata  `json:"meta"`
}

// Options tune the adaptive polling schedule. Zero values fall back to
// defaults; tests shrink them to keep runs fast.
type Options struct {
	FastInterval   time.Duration // early-phase poll cadence
	SlowInterval   time.Duration // cadence after FastPhase elapses
	FastPhase      time.Duration // duration of the fast phase
	MaxWatch       time.Duration // hard ceiling before reporting TIMEOUT
	CompletionHost string
}

func (o *Options) applyDefaults() {
	if o.FastInterval == 0 {
		o.FastInterval = 300 * time.Millisecond
	}
	if o.SlowInterval == 0 {
		o.SlowInterval = 2 * time.Second
	}
	if o.FastPhase == 0 {
		o.FastPhase = 3 * time.Minute
	}
	if o.MaxWatch == 0 {
		o.MaxWatch = 20 * time.Minute
	}
}

// Monitor watches one session's survey frame. The first terminal detection
// wins; later detections of the same or a different status are suppressed.
type Monitor struct {
	probe    FrameProbe
	opts     Options
	onResult func(Result)
	log      zerolog.Logger

	mu           sync.Mutex
	meta         Metadata
	latched      *Result
	lastKnownURL string
	timer        *time.Timer
	startedAt    time.Time
	running      bool
}

// New builds a monitor. onResult fires exactly once, with the latched result.
func New(probe FrameProbe, opts Options, onResult func(Result)) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		probe:    probe,
		opts:     opts,
		onResult: onResult,
		log:      zerolog.Nop(),
	}
}

// SetLogger attaches a logger; the default discards everything.
func (m *Monitor) SetLogger(log zerolog.Logger) { m.log = log }

// SetMetadata records the auxiliary session facts delivered alongside the
// result. The referrer is truncated before storage.
func (m *Monitor) SetMetadata(meta Metadata) {
	if len(meta.Referrer) > maxReferrerLen {
		meta.Referrer = meta.Referrer[:maxReferrerLen]
	}
	m.mu.Lock()
	m.meta = meta
	m.mu.Unlock()
}

// Start begins the adaptive polling loop. Calling Start on a latched or
// already-running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.latched != nil {
		return
	}
	m.running = true
	m.startedAt = time.Now()
	m.timer = time.AfterFunc(m.opts.FastInterval, m.tick)
}

// Stop cancels polling without producing a result (component teardown or
// user navigation away). Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Result returns the latched terminal result, if any.
func (m *Monitor) Result() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latched == nil {
		return Result{}, false
	}
	return *m.latched, true
}

func (m *Monitor) interval() time.Duration {
	if time.Since(m.startedAt) < m.opts.FastPhase {
		return m.opts.FastInterval
	}
	return m.opts.SlowInterval
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if !m.running || m.latched != nil {
		m.mu.Unlock()
		return
	}

	if time.Since(m.startedAt) >= m.opts.MaxWatch {
		m.latchLocked(Result{Status: StatusTimeout, DetectionMethod: "poll-timeout"})
		return // latchLocked released the lock
	}

	loc, err := m.probe.Location()
	if err != nil {
		// Cross-origin denial is the normal in-progress state.
		m.timer = time.AfterFunc(m.interval(), m.tick)
		m.mu.Unlock()
		return
	}

	if loc != "" && loc != m.lastKnownURL {
		m.lastKnownURL = loc
		if status, ok := Classify(loc, m.opts.CompletionHost); ok && status.Terminal() {
			m.latchLocked(Result{
				Status:          status,
				CompletionURL:   loc,
				DetectionMethod: "url-pattern",
			})
			return
		}
	}

	m.timer = time.AfterFunc(m.interval(), m.tick)
	m.mu.Unlock()
}

// HandleMessage processes a cooperative postMessage payload relayed from the
// widget. A recognized completion payload takes precedence over polling and
// latches immediately. Returns true when the message produced the terminal
// result.
func (m *Monitor) HandleMessage(payload []byte) bool {
	if !gjson.ValidBytes(payload) {
		return false
	}

	doc := gjson.ParseBytes(payload)
	msgType := doc.Get("type").String()
	switch msgType {
	case "survey-complete", "survey_complete", "survey-status", "completion":
	default:
		return false
	}

	raw := doc.Get("status").String()
	if raw == "" {
		raw = doc.Get("state").String()
	}

	var status Status
	switch {
	case completedParamValues[normalize(raw)] || raw == "":
		// A bare completion message with no status field means completed.
		status = StatusCompleted
	case quotaParamValues[normalize(raw)]:
		status = StatusQuotaFull
	case disqualifiedParamValues[normalize(raw)]:
		status = StatusDisqualified
	default:
		return false
	}

	m.mu.Lock()
	if m.latched != nil {
		m.mu.Unlock()
		return false
	}
	m.latchLocked(Result{
		Status:          status,
		CompletionURL:   doc.Get("url").String(),
		DetectionMethod: "postMessage",
	})
	return true
}

func normalize(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b = append(b, c)
	}
	return string(b)
}

// latchLocked records the first terminal result, synchronously cancels the
// poll timer, and delivers the result. Callers hold m.mu; latchLocked
// releases it before invoking the callback.
func (m *Monitor) latchLocked(res Result) {
	res.Timestamp = time.Now()
	res.Meta = m.meta
	m.latched = &res
	m.stopLocked()
	cb := m.onResult
	m.mu.Unlock()

	m.log.Debug().
		Str("status", string(res.Status)).
		Str("method", res.DetectionMethod).
		Msg("survey outcome detected")

	if cb != nil {
		cb(res)
	}
}

// RelayProbe is a FrameProbe fed by the widget over HTTP: the outer page can
// only read the frame location once it navigates back to our domain, at which
// point the widget relays it here. Until then Location reports the expected
// cross-origin denial.
type RelayProbe struct {
	mu  sync.Mutex
	url string
	set bool
}

// NewRelayProbe returns an empty relay probe.
func NewRelayProbe() *RelayProbe { return &RelayProbe{} }

// Report records a frame URL observed by the widget.
func (p *RelayProbe) Report(url string) {
	p.mu.Lock()
	p.url = url
	p.set = true
	p.mu.Unlock()
}

// Location implements FrameProbe.
func (p *RelayProbe) Location() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		return "", ErrCrossOrigin
	}
	return p.url, nil
}
