package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/quality"
)

// linkRow is the persisted survey link.
type linkRow struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"index:idx_link,unique"`
	UID       string `gorm:"index:idx_link,unique"`
	SurveyURL string
	Status    string
	Terminal  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// failureRow records one gate failure notification.
type failureRow struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"index"`
	UID       string `gorm:"index"`
	Gate      string
	Meta      string // JSON
	CreatedAt time.Time
}

// qualityRow holds the terminal quality record plus raw evidence, both as
// JSON blobs. The dashboard reads these; the pipeline only writes.
type qualityRow struct {
	ID           uint   `gorm:"primaryKey"`
	ProjectID    string `gorm:"index:idx_quality,unique"`
	UID          string `gorm:"index:idx_quality,unique"`
	Score        int
	SecurityRisk string
	Flags        string // JSON array of FlagReason
	Evidence     string // JSON
	CreatedAt    time.Time
}

// trapRow is one attention-check question in a project's bank.
type trapRow struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"index"`
	Key       string
	Type      string
	Prompt    string
	Options   string // JSON array
	Answer    string
}

// SQLite is a Registry backed by an embedded SQLite database.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at dsn and migrates the schema.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&linkRow{}, &failureRow{}, &qualityRow{}, &trapRow{}); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// AddLink registers an issued survey link.
func (s *SQLite) AddLink(l Link) error {
	row := linkRow{
		ProjectID: l.ProjectID,
		UID:       l.UID,
		SurveyURL: l.SurveyURL,
		Status:    "STARTED",
	}
	return s.db.Create(&row).Error
}

// AddTrapQuestion appends a question to the project's bank.
func (s *SQLite) AddTrapQuestion(projectID string, q challenge.TrapQuestion) error {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	row := trapRow{
		ProjectID: projectID,
		Key:       q.ID,
		Type:      string(q.Type),
		Prompt:    q.Prompt,
		Options:   string(opts),
		Answer:    q.Answer,
	}
	return s.db.Create(&row).Error
}

func (s *SQLite) ValidateSession(ctx context.Context, projectID, uid string) (ValidationResult, error) {
	var row linkRow
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND uid = ?", projectID, uid).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ValidationResult{}, ErrUnknownLink
	}
	if err != nil {
		return ValidationResult{}, err
	}
	if row.Terminal {
		return ValidationResult{Allowed: false}, ErrLinkConsumed
	}
	return ValidationResult{Allowed: true, SurveyURL: row.SurveyURL}, nil
}

func (s *SQLite) RecordChallengeFailure(ctx context.Context, projectID, uid string, gate challenge.Gate, meta map[string]string) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&failureRow{
		ProjectID: projectID,
		UID:       uid,
		Gate:      string(gate),
		Meta:      string(blob),
	}).Error
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, projectID, uid, status string, meta map[string]string) error {
	// Status is monotonic: a latched terminal row is never rewritten.
	res := s.db.WithContext(ctx).Model(&linkRow{}).
		Where("project_id = ? AND uid = ? AND terminal = ?", projectID, uid, false).
		Updates(map[string]any{
			"status":   status,
			"terminal": status != "STARTED",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&linkRow{}).
			Where("project_id = ? AND uid = ?", projectID, uid).
			Count(&count)
		if count == 0 {
			return ErrUnknownLink
		}
		// Already terminal: idempotent no-op.
	}
	return nil
}

func (s *SQLite) SubmitQualityRecord(ctx context.Context, projectID, uid string, rec quality.Record, raw Evidence) error {
	flags, err := json.Marshal(rec.Flags)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&qualityRow{
		ProjectID:    projectID,
		UID:          uid,
		Score:        rec.DataQualityScore,
		SecurityRisk: string(rec.SecurityRisk),
		Flags:        string(flags),
		Evidence:     string(evidence),
	}).Error
}

func (s *SQLite) FetchTrapQuestions(ctx context.Context, projectID string) ([]challenge.TrapQuestion, error) {
	var rows []trapRow
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return nil, err
	}
	qs := make([]challenge.TrapQuestion, 0, len(rows))
	for _, row := range rows {
		var opts []string
		if row.Options != "" {
			if err := json.Unmarshal([]byte(row.Options), &opts); err != nil {
				return nil, err
			}
		}
		qs = append(qs, challenge.TrapQuestion{
			ID:      row.Key,
			Type:    challenge.QuestionType(row.Type),
			Prompt:  row.Prompt,
			Options: opts,
			Answer:  row.Answer,
		})
	}
	return qs, nil
}
