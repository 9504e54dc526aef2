// Package testutil holds shared fixtures for handler and session tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/registry"
)

// TestSecret signs session tokens in tests.
const TestSecret = "test-signing-secret"

// ProjectConfig returns the quality-control settings used across tests:
// easy captcha and every gate enabled, with a short speed floor so fixtures
// don't need to sleep.
func ProjectConfig() config.Config {
	cfg := config.Default()
	cfg.Difficulty = config.DifficultyEasy
	cfg.BlacklistedDomains = []string{"suspicious.com"}
	cfg.CompletionHost = "surveys.example.com"
	return cfg
}

// TrapBank returns a deterministic attention-check bank.
func TrapBank() []challenge.TrapQuestion {
	return []challenge.TrapQuestion{
		{
			ID:     "trap-color",
			Type:   challenge.QuestionFreeText,
			Prompt: "Please type the word blue in the box below",
			Answer: "blue",
		},
	}
}

// SetupRegistry returns an in-memory registry preloaded with one issued link
// (project "p1", uid "u1") and the standard trap bank.
func SetupRegistry(t *testing.T) *registry.Memory {
	t.Helper()

	mem := registry.NewMemory()
	mem.AddLink(registry.Link{
		ProjectID: "p1",
		UID:       "u1",
		SurveyURL: "https://vendor.example/survey/abc",
	})
	mem.SetTrapQuestions("p1", TrapBank())
	return mem
}

// MakeRequest builds an HTTP test request with an optional JSON body.
func MakeRequest(method, path string, body any, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

// AssertStatus checks that the response has the expected status code.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct.
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}
