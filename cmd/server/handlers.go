package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/behavior"
	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/fingerprint"
	"github.com/surveygate/surveygate/internal/monitor"
	"github.com/surveygate/surveygate/internal/registry"
	"github.com/surveygate/surveygate/internal/session"
)

const (
	startWindowSeconds = 60
	startMaxRequests   = 30
)

// server carries the shared state behind the HTTP handlers.
type server struct {
	manager *session.Manager
	limiter *rateLimiter
	cfg     config.Config
	log     zerolog.Logger
}

func newServer(manager *session.Manager, cfg config.Config, log zerolog.Logger) *server {
	return &server{
		manager: manager,
		limiter: newRateLimiter(),
		cfg:     cfg,
		log:     log,
	}
}

// clientIP strips the port when RealIP middleware left the raw remote
// address in place.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	ProjectID      string `json:"projectId"`
	UID            string `json:"uid"`
	ClientTimezone string `json:"clientTimezone,omitempty"`
	Referrer       string `json:"referrer,omitempty"`
}

type startResponse struct {
	Token     string          `json:"token"`
	SessionID string          `json:"sessionId"`
	State     challenge.State `json:"state"`
}

func (s *server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.UID == "" {
		writeError(w, http.StatusBadRequest, "projectId and uid required")
		return
	}

	ip := clientIP(r)
	if limited, _ := s.limiter.Check(ip, startWindowSeconds, startMaxRequests); limited {
		writeError(w, http.StatusTooManyRequests, "too many sessions")
		return
	}

	referrer := req.Referrer
	if referrer == "" {
		referrer = r.Header.Get("Referer")
	}

	sess, err := s.manager.Start(r.Context(), req.ProjectID, req.UID, s.cfg, session.StartInput{
		IP:             ip,
		Referrer:       referrer,
		UserAgent:      r.Header.Get("User-Agent"),
		ClientTimezone: req.ClientTimezone,
		IPTimezone:     r.Header.Get("X-IP-Timezone"),
	})
	switch {
	case errors.Is(err, registry.ErrUnknownLink):
		writeError(w, http.StatusNotFound, "unknown survey link")
		return
	case errors.Is(err, registry.ErrLinkConsumed):
		writeError(w, http.StatusGone, "survey link already used")
		return
	case errors.Is(err, session.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
		return
	case err != nil:
		s.log.Error().Err(err).Msg("session start failed")
		writeError(w, http.StatusInternalServerError, "session start failed")
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		Token:     sess.Token,
		SessionID: sess.ID,
		State:     sess.State(),
	})
}

// withSession resolves the session token before running the wrapped handler.
func (s *server) withSession(next func(http.ResponseWriter, *http.Request, *session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.manager.Get(r.Header.Get("X-Session-Token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		next(w, r, sess)
	}
}

func (s *server) handleCaptcha(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	c, err := sess.Machine().Captcha()
	if err != nil {
		writeError(w, http.StatusConflict, "no captcha pending")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type captchaVerifyRequest struct {
	Value  string   `json:"value,omitempty"`
	Order  []string `json:"order,omitempty"`
	HeldMs int64    `json:"heldMs,omitempty"`
}

type gateResponse struct {
	Passed bool            `json:"passed"`
	State  challenge.State `json:"state"`
}

func (s *server) handleCaptchaVerify(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req captchaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	passed, err := sess.Machine().SubmitCaptcha(challenge.Answer{
		Value:  req.Value,
		Order:  req.Order,
		HeldMs: req.HeldMs,
	})
	if errors.Is(err, challenge.ErrWrongState) {
		writeError(w, http.StatusConflict, "captcha gate not active")
		return
	}
	// Session-fatal configuration gaps land the machine in ERROR; the
	// widget reads the state and shows the generic retry screen.
	writeJSON(w, http.StatusOK, gateResponse{Passed: passed, State: sess.State()})
}

func (s *server) handleTrap(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	q, err := sess.Machine().TrapQuestion()
	if err != nil {
		writeError(w, http.StatusConflict, "no trap question pending")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type trapAnswerRequest struct {
	Answer string `json:"answer"`
}

func (s *server) handleTrapAnswer(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req trapAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Correctness is deliberately not revealed: a wrong answer records a
	// flag and the respondent proceeds either way.
	if _, err := sess.Machine().SubmitTrap(req.Answer); err != nil {
		writeError(w, http.StatusConflict, "trap gate not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]challenge.State{"state": sess.State()})
}

type signalsRequest struct {
	Events      []behavior.Event        `json:"events,omitempty"`
	Fingerprint *fingerprint.RawSignals `json:"fingerprint,omitempty"`
	// Website is the honeypot field. Real browsers never fill it.
	Website string    `json:"website,omitempty"`
	Answers []float64 `json:"answers,omitempty"`
}

func (s *server) handleSignals(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req signalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Events) > 0 {
		sess.TrackEvents(req.Events)
	}
	duplicate := false
	if req.Fingerprint != nil {
		duplicate = sess.SetFingerprint(*req.Fingerprint, clientIP(r))
	}
	if req.Website != "" {
		sess.TriggerHoneypot()
	}
	if len(req.Answers) > 0 {
		sess.RecordAnswers(req.Answers)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"duplicate": duplicate})
}

type navigationRequest struct {
	URL     string           `json:"url,omitempty"`
	Message json.RawMessage  `json:"message,omitempty"`
	Meta    monitor.Metadata `json:"meta"`
}

func (s *server) handleNavigation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The first navigation report after the gates marks survey entry and
	// arms the completion monitor.
	if sess.State() == challenge.StateSurvey {
		if err := sess.EnterSurvey(req.Meta); err != nil && !errors.Is(err, challenge.ErrWrongState) {
			writeError(w, http.StatusConflict, "survey not active")
			return
		}
	}

	if len(req.Message) > 0 {
		sess.HandleMessage(req.Message)
	}
	if req.URL != "" {
		sess.ReportNavigation(req.URL)
	}

	writeJSON(w, http.StatusOK, map[string]challenge.State{"state": sess.State()})
}

type resultResponse struct {
	State  challenge.State `json:"state"`
	Result *monitor.Result `json:"result,omitempty"`
	Record any             `json:"record,omitempty"`
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	resp := resultResponse{State: sess.State()}
	if res, ok := sess.CompletionResult(); ok {
		resp.Result = &res
	}
	if rec, ok := sess.Record(); ok {
		resp.Record = rec
	}
	writeJSON(w, http.StatusOK, resp)
}
