package challenge

import "strings"

// QuestionType classifies a trap question's answer widget.
type QuestionType string

const (
	QuestionFreeText       QuestionType = "free_text"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionCountry        QuestionType = "country"
)

// TrapQuestion is an attention check with a known correct answer, drawn from
// the project's question bank.
type TrapQuestion struct {
	ID      string       `json:"id"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Options []string     `json:"options,omitempty"`
	Answer  string       `json:"-"` // never serialized to the widget
}

// CheckAnswer compares a respondent's answer against the expected one.
// Free text (and the country selector) compares case-insensitively after
// trimming whitespace; multiple choice requires the exact option value.
func (q TrapQuestion) CheckAnswer(answer string) bool {
	switch q.Type {
	case QuestionMultipleChoice:
		return answer == q.Answer
	default:
		return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.Answer))
	}
}
