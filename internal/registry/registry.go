// Package registry is the persistence boundary for survey links, session
// status, and quality records. The session pipeline talks only to the
// Registry interface; memory, Redis, and SQLite backends implement it.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/quality"
)

var (
	// ErrUnknownLink marks a projectId/uid pair with no issued link.
	ErrUnknownLink = errors.New("registry: unknown survey link")
	// ErrLinkConsumed marks a link whose session already reached a
	// terminal status.
	ErrLinkConsumed = errors.New("registry: link already consumed")
)

// ValidationResult answers a session-start access check.
type ValidationResult struct {
	Allowed  bool   `json:"allowed"`
	Redirect string `json:"redirect,omitempty"`
	// SurveyURL is the vendor survey the respondent is forwarded into
	// once the gates pass.
	SurveyURL string `json:"surveyUrl,omitempty"`
}

// Evidence bundles the raw per-session signals persisted alongside the
// aggregated quality record for later auditing.
type Evidence struct {
	Behavior    any `json:"behavior,omitempty"`
	Fingerprint any `json:"fingerprint,omitempty"`
	Security    any `json:"security,omitempty"`
	Geo         any `json:"geo,omitempty"`
}

// Link is a single issued survey link and its lifecycle state.
type Link struct {
	ProjectID string    `json:"projectId"`
	UID       string    `json:"uid"`
	SurveyURL string    `json:"surveyUrl"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry is the write/read surface the pipeline depends on. Each write is
// independent; implementations are expected to be idempotent for repeated
// status submissions.
type Registry interface {
	// ValidateSession is called once at session start.
	ValidateSession(ctx context.Context, projectID, uid string) (ValidationResult, error)

	// RecordChallengeFailure is a fire-and-forget gate-failure notification.
	RecordChallengeFailure(ctx context.Context, projectID, uid string, gate challenge.Gate, meta map[string]string) error

	// UpdateSessionStatus is invoked on every status transition.
	UpdateSessionStatus(ctx context.Context, projectID, uid, status string, meta map[string]string) error

	// SubmitQualityRecord persists the terminal quality verdict plus raw
	// signal evidence. Called once per session.
	SubmitQualityRecord(ctx context.Context, projectID, uid string, rec quality.Record, raw Evidence) error

	// FetchTrapQuestions returns the project's attention-check bank.
	FetchTrapQuestions(ctx context.Context, projectID string) ([]challenge.TrapQuestion, error)
}
