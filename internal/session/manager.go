package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/behavior"
	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/fingerprint"
	"github.com/surveygate/surveygate/internal/geo"
	"github.com/surveygate/surveygate/internal/monitor"
	"github.com/surveygate/surveygate/internal/quality"
	"github.com/surveygate/surveygate/internal/registry"
)

var (
	// ErrAccessDenied is returned when the registry rejects the link.
	ErrAccessDenied = errors.New("session: access validation rejected")
	// ErrUnknownToken marks a token with no live session behind it.
	ErrUnknownToken = errors.New("session: unknown or expired token")
)

// StartInput carries the request-scoped signals available at session start.
type StartInput struct {
	IP             string
	Referrer       string
	UserAgent      string
	ClientTimezone string
	IPTimezone     string
}

// Manager owns the live session table and the shared per-process stores.
type Manager struct {
	secret   []byte
	reg      registry.Registry
	writer   *registry.AsyncWriter
	fps      *fingerprint.Store
	analyzer *geo.Analyzer
	log      zerolog.Logger

	// monOpts lets tests shrink the monitor's polling schedule.
	monOpts monitor.Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(secret string, reg registry.Registry, log zerolog.Logger) *Manager {
	return &Manager{
		secret:   []byte(secret),
		reg:      reg,
		writer:   registry.NewAsyncWriter(reg, log),
		fps:      fingerprint.NewStore(),
		analyzer: geo.NewAnalyzer(),
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// SetGeoResolver swaps the reverse-DNS resolver, for tests.
func (m *Manager) SetGeoResolver(r geo.Resolver) {
	m.analyzer = geo.NewAnalyzerWithResolver(r)
}

// SetMonitorOptions overrides the polling schedule applied to new sessions.
func (m *Manager) SetMonitorOptions(opts monitor.Options) {
	m.monOpts = opts
}

// Start validates the link, assembles the pipeline, and returns the live
// session. Validation rejection is session-fatal; a failed trap-question
// fetch is absorbed and surfaces later through the machine's ERROR state if
// the gate turns out to be required.
func (m *Manager) Start(ctx context.Context, projectID, uid string, cfg config.Config, in StartInput) (*Session, error) {
	res, err := m.reg.ValidateSession(ctx, projectID, uid)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, ErrAccessDenied
	}

	var traps []challenge.TrapQuestion
	if cfg.EnableTrapQuestions {
		traps, err = m.reg.FetchTrapQuestions(ctx, projectID)
		if err != nil {
			m.log.Warn().Err(err).Str("projectId", projectID).Msg("trap question fetch failed")
			traps = nil
		}
	}

	sig := m.analyzer.Analyze(ctx, geo.Input{
		IP:             in.IP,
		Referrer:       in.Referrer,
		UserAgent:      in.UserAgent,
		ClientTimezone: in.ClientTimezone,
		IPTimezone:     in.IPTimezone,
		Blacklist:      cfg.BlacklistedDomains,
		VPNDetection:   cfg.EnableVPNDetection,
	})

	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Token:     m.signToken(projectID, uid, id, in.IP),
		ProjectID: projectID,
		UID:       uid,
		SurveyURL: res.SurveyURL,
		cfg:       cfg,
		log:       m.log.With().Str("sessionId", id).Logger(),
		engine:    quality.NewEngine(cfg, m.log),
		writer:    m.writer,
		fps:       m.fps,
		geoSig:    &sig,
		startedAt: time.Now(),
	}

	notify := func(gate challenge.Gate, meta map[string]string) {
		m.writer.RecordChallengeFailure(projectID, uid, gate, meta)
	}
	s.machine = challenge.NewMachine(cfg, traps, notify, s.log)

	s.collector = behavior.NewCollector(behavior.Options{})
	s.collector.Start(func(snap behavior.Snapshot) {
		s.mu.Lock()
		s.lastSnap = &snap
		s.mu.Unlock()
	})

	opts := m.monOpts
	if opts.CompletionHost == "" {
		opts.CompletionHost = cfg.CompletionHost
	}
	s.relay = monitor.NewRelayProbe()
	s.mon = monitor.New(s.relay, opts, s.handleResult)
	s.mon.SetLogger(s.log)

	m.mu.Lock()
	m.sessions[s.Token] = s
	m.mu.Unlock()

	m.log.Info().
		Str("projectId", projectID).
		Str("uid", uid).
		Str("sessionId", id).
		Bool("vpn", sig.VPN).
		Msg("session started")
	return s, nil
}

// Get resolves a token to its live session, verifying the signature first so
// a forged token never reaches the map.
func (m *Manager) Get(token string) (*Session, error) {
	if !m.verifyToken(token) {
		return nil, ErrUnknownToken
	}
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	return s, nil
}

// Remove finalizes and drops the session. Safe to call for already-finalized
// sessions.
func (m *Manager) Remove(token string) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	delete(m.sessions, token)
	m.mu.Unlock()
	if ok {
		s.Finalize()
	}
}

// Shutdown finalizes every live session and waits for pending registry
// writes to settle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.Finalize()
	}
	m.writer.Wait()
}

// Tokens older than this are rejected even when the signature checks out.
const tokenTTL = 2 * time.Hour

type tokenPayload struct {
	ProjectID string `json:"projectId"`
	UID       string `json:"uid"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	IPHash    string `json:"ipHash"`
	Sig       string `json:"sig,omitempty"`
}

func (m *Manager) signToken(projectID, uid, sessionID, ip string) string {
	ipHash := sha256.Sum256([]byte(ip))
	p := tokenPayload{
		ProjectID: projectID,
		UID:       uid,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		IPHash:    hex.EncodeToString(ipHash[:4]),
	}

	payload, _ := json.Marshal(p)
	p.Sig = m.computeSignature(payload)

	signed, _ := json.Marshal(p)
	return base64.URLEncoding.EncodeToString(signed)
}

func (m *Manager) verifyToken(token string) bool {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	sig := p.Sig
	p.Sig = ""
	payload, _ := json.Marshal(p)
	if !hmac.Equal([]byte(sig), []byte(m.computeSignature(payload))) {
		return false
	}
	return time.Since(time.Unix(p.Timestamp, 0)) <= tokenTTL
}

func (m *Manager) computeSignature(payload []byte) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
