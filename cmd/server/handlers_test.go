package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/behavior"
	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/monitor"
	"github.com/surveygate/surveygate/internal/quality"
	"github.com/surveygate/surveygate/internal/registry"
	"github.com/surveygate/surveygate/internal/session"
	"github.com/surveygate/surveygate/internal/testutil"
)

type staticResolver struct{ names []string }

func (s staticResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	return s.names, nil
}

func setupServer(t *testing.T) (*chi.Mux, *registry.Memory, *session.Manager) {
	t.Helper()

	mem := testutil.SetupRegistry(t)
	manager := session.NewManager(testutil.TestSecret, mem, zerolog.Nop())
	manager.SetGeoResolver(staticResolver{names: []string{"client.residential.example.net."}})
	manager.SetMonitorOptions(monitor.Options{
		FastInterval: time.Millisecond,
		SlowInterval: 2 * time.Millisecond,
		FastPhase:    50 * time.Millisecond,
		MaxWatch:     time.Minute,
	})

	cfg := testutil.ProjectConfig()
	cfg.MinCompletionTime = 0
	cfg.MaxCompletionTime = 0

	s := newServer(manager, cfg, zerolog.Nop())
	return newRouter(s), mem, manager
}

func TestHealth(t *testing.T) {
	router, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("GET", "/health", nil, nil))

	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestSessionStartValidation(t *testing.T) {
	router, _, _ := setupServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/start",
		map[string]string{"projectId": "p1"}, nil))
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/start",
		map[string]string{"projectId": "p1", "uid": "nobody"}, nil))
	testutil.AssertStatus(t, w, http.StatusNotFound)
}

func TestConsumedLinkIsGone(t *testing.T) {
	router, mem, _ := setupServer(t)
	mem.UpdateSessionStatus(context.Background(), "p1", "u1", "COMPLETED", nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/start",
		map[string]string{"projectId": "p1", "uid": "u1"}, nil))
	testutil.AssertStatus(t, w, http.StatusGone)
}

func TestGateEndpointsRequireToken(t *testing.T) {
	router, _, _ := setupServer(t)

	for _, ep := range []struct{ method, path string }{
		{"GET", "/api/captcha"},
		{"POST", "/api/captcha/verify"},
		{"GET", "/api/trap"},
		{"POST", "/api/trap/answer"},
		{"POST", "/api/session/signals"},
		{"POST", "/api/session/navigation"},
		{"GET", "/api/session/result"},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, testutil.MakeRequest(ep.method, ep.path,
			map[string]string{}, map[string]string{"X-Session-Token": "forged"}))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without valid token: status %d", ep.method, ep.path, w.Code)
		}
	}
}

// startSession drives /api/session/start and returns the token.
func startSession(t *testing.T, router *chi.Mux) string {
	t.Helper()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/start",
		map[string]string{"projectId": "p1", "uid": "u1"}, nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	var resp struct {
		Token string `json:"token"`
		State string `json:"state"`
	}
	testutil.AssertJSON(t, w, &resp)
	if resp.State != string(challenge.StateCaptcha) {
		t.Fatalf("initial state = %q", resp.State)
	}
	return resp.Token
}

func TestFullGauntletOverHTTP(t *testing.T) {
	router, mem, _ := setupServer(t)
	token := startSession(t, router)
	auth := map[string]string{"X-Session-Token": token}

	// Fetch and solve the arithmetic captcha.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("GET", "/api/captcha", nil, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	var c struct {
		Kind   string `json:"kind"`
		Prompt string `json:"prompt"`
		Answer string `json:"answer"`
	}
	testutil.AssertJSON(t, w, &c)
	if c.Answer != "" {
		t.Fatal("captcha payload leaked the expected answer")
	}
	fields := strings.Fields(strings.TrimSuffix(c.Prompt, "?"))
	a, _ := strconv.Atoi(fields[2])
	b, _ := strconv.Atoi(fields[4])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/captcha/verify",
		map[string]string{"value": strconv.Itoa(a + b)}, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	var gate struct {
		Passed bool   `json:"passed"`
		State  string `json:"state"`
	}
	testutil.AssertJSON(t, w, &gate)
	if !gate.Passed || gate.State != string(challenge.StateTrapQuestion) {
		t.Fatalf("captcha gate = %+v", gate)
	}

	// Trap question: the payload must not include the answer either.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("GET", "/api/trap", nil, auth))
	testutil.AssertStatus(t, w, http.StatusOK)
	if strings.Contains(w.Body.String(), `"answer"`) {
		t.Fatal("trap payload leaked the expected answer")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/trap/answer",
		map[string]string{"answer": "blue"}, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	// Signal batch: human-looking pointer movement plus survey answers.
	events := make([]behavior.Event, 0, 30)
	for i := 0; i < 30; i++ {
		events = append(events, behavior.Event{
			Type: behavior.EventMouseMove, X: float64(i * 9), Y: float64(i * 4),
			Timestamp: int64(i * 60),
		})
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/signals",
		map[string]any{
			"events":  events,
			"answers": []float64{2, 5, 1, 4, 3, 5},
		}, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	// Entering the survey arms the monitor; the completion URL latches it.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/navigation",
		map[string]any{"url": "https://surveys.example.com/return?status=complete"}, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	// Poll the result until the terminal state lands.
	deadline := time.Now().Add(2 * time.Second)
	var result struct {
		State  string `json:"state"`
		Record *struct {
			DataQualityScore int      `json:"dataQualityScore"`
			SecurityRisk     string   `json:"securityRisk"`
			Flags            []string `json:"flags"`
		} `json:"record"`
	}
	for time.Now().Before(deadline) {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, testutil.MakeRequest("GET", "/api/session/result", nil, auth))
		testutil.AssertStatus(t, w, http.StatusOK)
		testutil.AssertJSON(t, w, &result)
		if result.State == string(challenge.StateCompleted) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if result.State != string(challenge.StateCompleted) {
		t.Fatalf("final state = %q", result.State)
	}
	if result.Record == nil || result.Record.DataQualityScore != 100 {
		t.Errorf("record = %+v", result.Record)
	}

	// Terminal status reached the registry.
	waitLink := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitLink) {
		if link, _ := mem.Link("p1", "u1"); link.Status == "COMPLETED" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	link, _ := mem.Link("p1", "u1")
	t.Errorf("persisted status = %q", link.Status)
}

func TestHoneypotLowersScore(t *testing.T) {
	router, _, manager := setupServer(t)
	token := startSession(t, router)
	auth := map[string]string{"X-Session-Token": token}

	// Clean pointer movement, but the hidden field came back filled.
	events := make([]behavior.Event, 0, 30)
	for i := 0; i < 30; i++ {
		events = append(events, behavior.Event{
			Type: behavior.EventMouseMove, X: float64(i * 5), Y: float64(i * 2),
			Timestamp: int64(i * 80),
		})
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/session/signals",
		map[string]any{"events": events, "website": "http://spam.example"}, auth))
	testutil.AssertStatus(t, w, http.StatusOK)

	sess, err := manager.Get(token)
	if err != nil {
		t.Fatal(err)
	}
	rec := sess.Finalize()

	// A honeypot hit alone is one bot indicator and must not flag by
	// itself; it needs corroboration from a second signal.
	if rec.HasFlag(quality.FlagBotCheck) {
		t.Error("single honeypot indicator raised BOT_CHECK_FLAG")
	}
}

func TestGateSubmissionOutOfOrder(t *testing.T) {
	router, _, _ := setupServer(t)
	token := startSession(t, router)
	auth := map[string]string{"X-Session-Token": token}

	// Trap answer before the captcha gate has passed.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, testutil.MakeRequest("POST", "/api/trap/answer",
		map[string]string{"answer": "blue"}, auth))
	testutil.AssertStatus(t, w, http.StatusConflict)
}

func TestStartRateLimited(t *testing.T) {
	router, mem, _ := setupServer(t)

	// Issue enough links that validation never 404s first.
	for i := 0; i < 40; i++ {
		mem.AddLink(registry.Link{ProjectID: "p1", UID: "bulk-" + strconv.Itoa(i)})
	}

	var lastCode int
	for i := 0; i < 40; i++ {
		w := httptest.NewRecorder()
		req := testutil.MakeRequest("POST", "/api/session/start",
			map[string]string{"projectId": "p1", "uid": "bulk-" + strconv.Itoa(i)}, nil)
		req.RemoteAddr = "198.51.100.9:4444"
		router.ServeHTTP(w, req)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("40th start from one IP: status %d, want 429", lastCode)
	}
}
