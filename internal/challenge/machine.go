// Package challenge sequences a respondent through the verification gauntlet:
// captcha, then an optional trap question, then the embedded survey. Gate
// outcomes are appended in order and never rewritten; a failed trap question
// flags the session but never blocks progression.
package challenge

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/monitor"
)

// State of the machine.
type State string

const (
	StateCaptcha      State = "CAPTCHA"
	StateTrapQuestion State = "TRAP_QUESTION"
	StateSurvey       State = "SURVEY"
	StateCompleted    State = "COMPLETED"
	StateDisqualified State = "DISQUALIFIED"
	StateQuotaFull    State = "QUOTA_FULL"
	StateError        State = "ERROR"
)

// Gate identifies which verification step produced an outcome.
type Gate string

const (
	GateCaptcha      Gate = "CAPTCHA"
	GateTrapQuestion Gate = "TRAP_QUESTION"
)

// Outcome is the result of one gate. Each gate produces exactly one outcome
// per session; the captcha may retry internally before producing its.
type Outcome struct {
	Gate         Gate      `json:"gate"`
	Passed       bool      `json:"passed"`
	AttemptCount int       `json:"attemptCount"`
	Answer       string    `json:"answer,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

var (
	// ErrWrongState is returned for a gate submission that does not match
	// the machine's current state.
	ErrWrongState = errors.New("challenge: operation not valid in current state")
	// ErrNoTrapQuestions is session-fatal: trap questions are required by
	// configuration but the project's bank is empty.
	ErrNoTrapQuestions = errors.New("challenge: trap questions enabled but none configured")
	// ErrSurveyTimeout marks a session whose survey never reached a
	// recognizable outcome within the monitor's watch ceiling.
	ErrSurveyTimeout = errors.New("challenge: survey watch ceiling elapsed")
)

// FailureNotifier receives fire-and-forget gate-failure notifications. A slow
// or failing notifier must never block a transition, so the machine invokes
// it on a separate goroutine.
type FailureNotifier func(gate Gate, meta map[string]string)

// Machine drives one session through its gates. Methods are safe for
// concurrent use by transport handlers.
type Machine struct {
	mu  sync.Mutex
	cfg config.Config
	log zerolog.Logger

	state           State
	captcha         *Captcha
	captchaAttempts int // consecutive failures against the current challenge
	totalAttempts   int
	traps           []TrapQuestion
	trap            *TrapQuestion
	outcomes        []Outcome
	notify          FailureNotifier
	lastErr         error
}

// NewMachine builds a machine in the CAPTCHA state. traps is the project's
// question bank (may be empty when the trap gate is disabled); notify may be
// nil.
func NewMachine(cfg config.Config, traps []TrapQuestion, notify FailureNotifier, log zerolog.Logger) *Machine {
	m := &Machine{
		cfg:    cfg,
		log:    log,
		state:  StateCaptcha,
		traps:  traps,
		notify: notify,
	}
	m.captcha = generateCaptcha(cfg.Difficulty)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcomes returns the ordered gate outcomes recorded so far.
func (m *Machine) Outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

// Captcha returns the current challenge for the widget.
func (m *Machine) Captcha() (Captcha, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCaptcha || m.captcha == nil {
		return Captcha{}, ErrWrongState
	}
	return *m.captcha, nil
}

// SubmitCaptcha verifies a captcha answer. After maxCaptchaAttempts
// consecutive failures the current challenge is discarded and a fresh one
// generated, so the same target cannot be brute-forced. On success the
// machine advances to the trap gate (or straight to SURVEY when no trap
// questions apply) and records the gate outcome.
func (m *Machine) SubmitCaptcha(a Answer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCaptcha || m.captcha == nil {
		return false, ErrWrongState
	}

	m.totalAttempts++
	if !m.captcha.Verify(a) {
		m.captchaAttempts++
		if m.captchaAttempts >= maxCaptchaAttempts {
			m.captcha = generateCaptcha(m.cfg.Difficulty)
			m.captchaAttempts = 0
			m.log.Debug().Str("kind", string(m.captcha.Kind)).Msg("captcha regenerated after repeated failures")
		}
		return false, nil
	}

	m.outcomes = append(m.outcomes, Outcome{
		Gate:         GateCaptcha,
		Passed:       true,
		AttemptCount: m.totalAttempts,
		Timestamp:    time.Now(),
	})

	return true, m.advanceFromCaptchaLocked()
}

func (m *Machine) advanceFromCaptchaLocked() error {
	if !m.cfg.EnableTrapQuestions {
		m.state = StateSurvey
		return nil
	}
	if len(m.traps) == 0 {
		// Required but unavailable: session-fatal configuration gap.
		m.state = StateError
		m.lastErr = ErrNoTrapQuestions
		return ErrNoTrapQuestions
	}
	m.trap = &m.traps[randomInt(len(m.traps))]
	m.state = StateTrapQuestion
	return nil
}

// TrapQuestion returns the selected attention check.
func (m *Machine) TrapQuestion() (TrapQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTrapQuestion || m.trap == nil {
		return TrapQuestion{}, ErrWrongState
	}
	return *m.trap, nil
}

// SubmitTrap records the trap-question outcome and advances to SURVEY
// regardless of correctness. A wrong answer is a quality flag, not a wall:
// the respondent proceeds while the failure is reported asynchronously.
func (m *Machine) SubmitTrap(answer string) (Outcome, error) {
	m.mu.Lock()
	if m.state != StateTrapQuestion || m.trap == nil {
		m.mu.Unlock()
		return Outcome{}, ErrWrongState
	}

	passed := m.trap.CheckAnswer(answer)
	outcome := Outcome{
		Gate:         GateTrapQuestion,
		Passed:       passed,
		AttemptCount: 1,
		Answer:       answer,
		Timestamp:    time.Now(),
	}
	m.outcomes = append(m.outcomes, outcome)
	m.state = StateSurvey

	notify := m.notify
	questionID := m.trap.ID
	m.mu.Unlock()

	if !passed && notify != nil {
		go notify(GateTrapQuestion, map[string]string{
			"questionId": questionID,
			"answer":     answer,
		})
	}

	return outcome, nil
}

// Complete maps a terminal monitor status onto the machine. Only valid while
// the survey is in progress; repeat calls after a terminal state are ignored.
func (m *Machine) Complete(status monitor.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSurvey {
		return
	}
	switch status {
	case monitor.StatusCompleted:
		m.state = StateCompleted
	case monitor.StatusDisqualified:
		m.state = StateDisqualified
	case monitor.StatusQuotaFull:
		m.state = StateQuotaFull
	case monitor.StatusTimeout:
		// No outcome screen exists for a silent timeout; the respondent
		// gets the generic error screen with its retry affordance.
		m.state = StateError
		m.lastErr = ErrSurveyTimeout
	}
}

// Fail transitions to ERROR with the given cause (access validation failure,
// missing configuration).
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateError
	m.lastErr = err
}

// Err returns the cause of the ERROR state, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Retry offers the ERROR-state recovery affordance: back to a fresh captcha.
func (m *Machine) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return
	}
	m.state = StateCaptcha
	m.captcha = generateCaptcha(m.cfg.Difficulty)
	m.captchaAttempts = 0
	m.lastErr = nil
}
