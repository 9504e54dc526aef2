package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/quality"
)

const (
	linkKeyPrefix    = "sg:link:"
	trapKeyPrefix    = "sg:traps:"
	failureKeyPrefix = "sg:failures:"
	qualityKeyPrefix = "sg:quality:"

	// Session artifacts expire eventually; links themselves do not.
	evidenceTTL = 90 * 24 * time.Hour
)

// monotonicStatus rewrites the link hash only while it is non-terminal, so a
// latched terminal status can never be replaced. KEYS[1] link hash, ARGV[1]
// new status, ARGV[2] "1" when the new status is terminal.
var monotonicStatus = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "terminal") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "terminal", ARGV[2], "updatedAt", ARGV[3])
return 1
`)

// Redis is a Registry backed by a shared Redis instance, for deployments
// where several gateway processes serve the same projects.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

// AddLink registers an issued survey link.
func (r *Redis) AddLink(ctx context.Context, l Link) error {
	return r.client.HSet(ctx, linkKeyPrefix+key(l.ProjectID, l.UID), map[string]any{
		"surveyUrl": l.SurveyURL,
		"status":    "STARTED",
		"terminal":  "0",
		"createdAt": time.Now().Format(time.RFC3339),
	}).Err()
}

// storedTrap carries the answer, which TrapQuestion deliberately omits from
// its own JSON form.
type storedTrap struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Answer  string   `json:"answer"`
}

// SetTrapQuestions replaces the project's attention-check bank.
func (r *Redis) SetTrapQuestions(ctx context.Context, projectID string, qs []challenge.TrapQuestion) error {
	stored := make([]storedTrap, 0, len(qs))
	for _, q := range qs {
		stored = append(stored, storedTrap{
			ID:      q.ID,
			Type:    string(q.Type),
			Prompt:  q.Prompt,
			Options: q.Options,
			Answer:  q.Answer,
		})
	}
	blob, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, trapKeyPrefix+projectID, blob, 0).Err()
}

func (r *Redis) ValidateSession(ctx context.Context, projectID, uid string) (ValidationResult, error) {
	fields, err := r.client.HGetAll(ctx, linkKeyPrefix+key(projectID, uid)).Result()
	if err != nil {
		return ValidationResult{}, err
	}
	if len(fields) == 0 {
		return ValidationResult{}, ErrUnknownLink
	}
	if fields["terminal"] == "1" {
		return ValidationResult{Allowed: false}, ErrLinkConsumed
	}
	return ValidationResult{Allowed: true, SurveyURL: fields["surveyUrl"]}, nil
}

func (r *Redis) RecordChallengeFailure(ctx context.Context, projectID, uid string, gate challenge.Gate, meta map[string]string) error {
	entry, err := json.Marshal(map[string]any{
		"gate": gate,
		"meta": meta,
		"at":   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	k := failureKeyPrefix + key(projectID, uid)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, k, entry)
	pipe.Expire(ctx, k, evidenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) UpdateSessionStatus(ctx context.Context, projectID, uid, status string, meta map[string]string) error {
	terminal := "1"
	if status == "STARTED" {
		terminal = "0"
	}
	res, err := monotonicStatus.Run(ctx, r.client,
		[]string{linkKeyPrefix + key(projectID, uid)},
		status, terminal, time.Now().Format(time.RFC3339),
	).Int()
	if err != nil {
		return err
	}
	if res == -1 {
		return ErrUnknownLink
	}
	return nil
}

func (r *Redis) SubmitQualityRecord(ctx context.Context, projectID, uid string, rec quality.Record, raw Evidence) error {
	blob, err := json.Marshal(struct {
		Record   quality.Record `json:"record"`
		Evidence Evidence       `json:"evidence"`
	}{rec, raw})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, qualityKeyPrefix+key(projectID, uid), blob, evidenceTTL).Err()
}

func (r *Redis) FetchTrapQuestions(ctx context.Context, projectID string) ([]challenge.TrapQuestion, error) {
	blob, err := r.client.Get(ctx, trapKeyPrefix+projectID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored []storedTrap
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, err
	}
	qs := make([]challenge.TrapQuestion, 0, len(stored))
	for _, s := range stored {
		qs = append(qs, challenge.TrapQuestion{
			ID:      s.ID,
			Type:    challenge.QuestionType(s.Type),
			Prompt:  s.Prompt,
			Options: s.Options,
			Answer:  s.Answer,
		})
	}
	return qs, nil
}
