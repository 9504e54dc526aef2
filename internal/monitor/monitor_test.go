package monitor

import (
	"sync/atomic"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{
		FastInterval: time.Millisecond,
		SlowInterval: 2 * time.Millisecond,
		FastPhase:    50 * time.Millisecond,
		MaxWatch:     time.Minute,
	}
}

func waitForResult(t *testing.T, m *Monitor) Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := m.Result(); ok {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("monitor never produced a result")
	return Result{}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		url  string
		want Status
		ok   bool
	}{
		{"https://x.com/thank-you-completed?uid=1", StatusCompleted, true},
		{"https://x.com/landing?status=quota", StatusQuotaFull, true},
		{"https://x.com/landing?reason=dq", StatusDisqualified, true},
		{"https://x.com/screenout", StatusDisqualified, true},
		{"https://x.com/overquota", StatusQuotaFull, true},
		{"https://x.com/survey-complete", StatusCompleted, true},
		{"https://partner.example.com/s/123", StatusStarted, false},
		{"", StatusStarted, false},
	}
	for _, tc := range cases {
		got, ok := Classify(tc.url, "")
		if got != tc.want || ok != tc.ok {
			t.Errorf("Classify(%q) = %v,%v want %v,%v", tc.url, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassifyOwnDomainDefaultsToCompleted(t *testing.T) {
	got, ok := Classify("https://links.surveygate.example/return?uid=9", "links.surveygate.example")
	if !ok || got != StatusCompleted {
		t.Errorf("own-domain URL = %v,%v want COMPLETED,true", got, ok)
	}

	got, ok = Classify("https://partner.example.com/page", "links.surveygate.example")
	if ok {
		t.Errorf("foreign URL classified as %v", got)
	}
}

func TestCrossOriginIsNormalThenDetects(t *testing.T) {
	probe := NewRelayProbe()
	var calls atomic.Int32
	m := New(probe, fastOpts(), func(Result) { calls.Add(1) })
	m.Start()
	defer m.Stop()

	// Let several cross-origin polls elapse; nothing should latch.
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Result(); ok {
		t.Fatal("latched while frame was cross-origin")
	}

	probe.Report("https://x.com/thank-you-completed?pid=1")
	res := waitForResult(t, m)
	if res.Status != StatusCompleted {
		t.Errorf("status = %v, want COMPLETED", res.Status)
	}
	if res.DetectionMethod != "url-pattern" {
		t.Errorf("detection method = %q", res.DetectionMethod)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("onResult fired %d times, want 1", got)
	}
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	probe := NewRelayProbe()
	var calls atomic.Int32
	m := New(probe, fastOpts(), func(Result) { calls.Add(1) })
	m.Start()
	defer m.Stop()

	probe.Report("https://x.com/landing?status=quota")
	res := waitForResult(t, m)
	if res.Status != StatusQuotaFull {
		t.Fatalf("status = %v, want QUOTA_FULL", res.Status)
	}

	// A different terminal detection afterwards must be suppressed.
	probe.Report("https://x.com/thank-you-completed")
	m.HandleMessage([]byte(`{"type":"survey-complete","status":"completed"}`))
	time.Sleep(20 * time.Millisecond)

	res2, _ := m.Result()
	if res2.Status != StatusQuotaFull {
		t.Errorf("latched status changed to %v", res2.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("onResult fired %d times, want 1", got)
	}
}

func TestPostMessageShortCircuits(t *testing.T) {
	probe := NewRelayProbe() // never reports a URL
	m := New(probe, fastOpts(), nil)
	m.Start()
	defer m.Stop()

	if !m.HandleMessage([]byte(`{"type":"survey-complete","status":"completed","url":"https://x.com/done"}`)) {
		t.Fatal("recognized payload not handled")
	}
	res, ok := m.Result()
	if !ok || res.Status != StatusCompleted {
		t.Fatalf("result = %+v, %v", res, ok)
	}
	if res.DetectionMethod != "postMessage" {
		t.Errorf("detection method = %q", res.DetectionMethod)
	}

	// Repeat delivery is deduplicated.
	if m.HandleMessage([]byte(`{"type":"survey-complete","status":"completed"}`)) {
		t.Error("duplicate message re-triggered side effects")
	}
}

func TestUnrecognizedMessagesIgnored(t *testing.T) {
	m := New(NewRelayProbe(), fastOpts(), nil)
	m.Start()
	defer m.Stop()

	payloads := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"heartbeat"}`),
		[]byte(`{"type":"survey-status","status":"weird-value"}`),
	}
	for _, p := range payloads {
		if m.HandleMessage(p) {
			t.Errorf("payload %s unexpectedly latched", p)
		}
	}
	if _, ok := m.Result(); ok {
		t.Error("monitor latched on unrecognized input")
	}
}

func TestTimeoutCeiling(t *testing.T) {
	opts := fastOpts()
	opts.MaxWatch = 15 * time.Millisecond
	m := New(NewRelayProbe(), opts, nil)
	m.Start()
	defer m.Stop()

	res := waitForResult(t, m)
	if res.Status != StatusTimeout {
		t.Errorf("status = %v, want TIMEOUT", res.Status)
	}
}

func TestMetadataPiggybacksOnResult(t *testing.T) {
	probe := NewRelayProbe()
	m := New(probe, fastOpts(), nil)
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'r'
	}
	m.SetMetadata(Metadata{
		Browser:  "Chrome 120",
		Locale:   "en-US",
		Referrer: string(long),
	})
	m.Start()
	defer m.Stop()

	probe.Report("https://x.com/thank-you-completed")
	res := waitForResult(t, m)
	if res.Meta.Browser != "Chrome 120" {
		t.Errorf("metadata lost: %+v", res.Meta)
	}
	if len(res.Meta.Referrer) != maxReferrerLen {
		t.Errorf("referrer not truncated: %d", len(res.Meta.Referrer))
	}
}

func TestStopCancelsPolling(t *testing.T) {
	probe := NewRelayProbe()
	m := New(probe, fastOpts(), nil)
	m.Start()
	m.Stop()

	probe.Report("https://x.com/thank-you-completed")
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Result(); ok {
		t.Error("stopped monitor kept polling")
	}
}
