package registry

import (
	"context"
	"sync"
	"time"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/quality"
)

type sessionRecord struct {
	link     Link
	terminal bool
	failures []challenge.Gate
	quality  *quality.Record
	evidence Evidence
	// statusWrites counts accepted transitions, repeats excluded.
	statusWrites int
}

// Memory is an in-process Registry used in tests and as the fallback backend
// when no store is configured.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
	traps    map[string][]challenge.TrapQuestion
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*sessionRecord),
		traps:    make(map[string][]challenge.TrapQuestion),
	}
}

func key(projectID, uid string) string { return projectID + ":" + uid }

// AddLink registers an issued survey link.
func (m *Memory) AddLink(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	l.Status = "STARTED"
	m.sessions[key(l.ProjectID, l.UID)] = &sessionRecord{link: l}
}

// SetTrapQuestions installs the project's attention-check bank.
func (m *Memory) SetTrapQuestions(projectID string, qs []challenge.TrapQuestion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traps[projectID] = qs
}

func (m *Memory) ValidateSession(ctx context.Context, projectID, uid string) (ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[key(projectID, uid)]
	if !ok {
		return ValidationResult{}, ErrUnknownLink
	}
	if rec.terminal {
		return ValidationResult{Allowed: false}, ErrLinkConsumed
	}
	return ValidationResult{Allowed: true, SurveyURL: rec.link.SurveyURL}, nil
}

func (m *Memory) RecordChallengeFailure(ctx context.Context, projectID, uid string, gate challenge.Gate, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[key(projectID, uid)]
	if !ok {
		return ErrUnknownLink
	}
	rec.failures = append(rec.failures, gate)
	return nil
}

func (m *Memory) UpdateSessionStatus(ctx context.Context, projectID, uid, status string, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[key(projectID, uid)]
	if !ok {
		return ErrUnknownLink
	}
	// Repeated submission of the latched status is a no-op, and a
	// different terminal status after latching is suppressed.
	if rec.terminal {
		return nil
	}
	rec.link.Status = status
	rec.link.UpdatedAt = time.Now()
	rec.statusWrites++
	if status != "STARTED" {
		rec.terminal = true
	}
	return nil
}

func (m *Memory) SubmitQualityRecord(ctx context.Context, projectID, uid string, q quality.Record, raw Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[key(projectID, uid)]
	if !ok {
		return ErrUnknownLink
	}
	rec.quality = &q
	rec.evidence = raw
	return nil
}

func (m *Memory) FetchTrapQuestions(ctx context.Context, projectID string) ([]challenge.TrapQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]challenge.TrapQuestion(nil), m.traps[projectID]...), nil
}

// Link returns the stored link state, for inspection in tests.
func (m *Memory) Link(projectID, uid string) (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[key(projectID, uid)]
	if !ok {
		return Link{}, false
	}
	return rec.link, true
}

// StatusWrites reports how many status transitions were accepted for the
// session, repeats excluded.
func (m *Memory) StatusWrites(projectID, uid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[key(projectID, uid)]; ok {
		return rec.statusWrites
	}
	return 0
}

// Failures returns the recorded gate failures for the session.
func (m *Memory) Failures(projectID, uid string) []challenge.Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[key(projectID, uid)]; ok {
		return append([]challenge.Gate(nil), rec.failures...)
	}
	return nil
}

// QualityRecord returns the persisted quality verdict, if any.
func (m *Memory) QualityRecord(projectID, uid string) (quality.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[key(projectID, uid)]; ok && rec.quality != nil {
		return *rec.quality, true
	}
	return quality.Record{}, false
}
