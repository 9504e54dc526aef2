package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/surveygate/surveygate/internal/config"
)

// Kind is a captcha modality.
type Kind string

const (
	KindArithmetic Kind = "arithmetic"
	KindDragOrder  Kind = "drag_order"
	KindHold       Kind = "hold"
)

// DefaultHoldDuration is the continuous hold required to pass the
// hold-to-confirm modality.
const DefaultHoldDuration = 3 * time.Second

// maxCaptchaAttempts is the consecutive-failure budget before a fresh
// challenge replaces the current one.
const maxCaptchaAttempts = 3

// Captcha is one generated challenge. The expected answer stays unexported;
// only the prompt material is serialized to the widget.
type Captcha struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Prompt       string        `json:"prompt"`
	Items        []string      `json:"items,omitempty"` // drag_order only, shuffled
	HoldDuration time.Duration `json:"holdDuration,omitempty"`
	IssuedAt     time.Time     `json:"issuedAt"`

	answer string
}

// Answer is the widget's response to a captcha.
type Answer struct {
	Value  string   `json:"value,omitempty"`  // arithmetic
	Order  []string `json:"order,omitempty"`  // drag_order: items in submitted order
	HeldMs int64    `json:"heldMs,omitempty"` // hold
}

// Verify checks the answer by exact match against the precomputed target.
func (c *Captcha) Verify(a Answer) bool {
	switch c.Kind {
	case KindArithmetic:
		return strings.TrimSpace(a.Value) == c.answer
	case KindDragOrder:
		return strings.Join(a.Order, "|") == c.answer
	case KindHold:
		return time.Duration(a.HeldMs)*time.Millisecond >= c.HoldDuration
	}
	return false
}

var dragItemSets = [][]string{
	{"one", "two", "three", "four"},
	{"spring", "summer", "autumn", "winter"},
	{"north", "east", "south", "west"},
	{"red", "orange", "yellow", "green"},
}

// generateCaptcha picks a modality by difficulty: easy is arithmetic only,
// medium randomly alternates arithmetic and drag-to-order, hard is
// hold-to-confirm.
func generateCaptcha(difficulty config.Difficulty) *Captcha {
	switch difficulty {
	case config.DifficultyHard:
		return newHoldCaptcha()
	case config.DifficultyMedium:
		if randomInt(2) == 0 {
			return newArithmeticCaptcha()
		}
		return newDragCaptcha()
	default:
		return newArithmeticCaptcha()
	}
}

func newArithmeticCaptcha() *Captcha {
	num1 := randomInt(20) + 1
	num2 := randomInt(20) + 1
	return &Captcha{
		ID:       newChallengeID(),
		Kind:     KindArithmetic,
		Prompt:   fmt.Sprintf("What is %d + %d?", num1, num2),
		IssuedAt: time.Now(),
		answer:   fmt.Sprintf("%d", num1+num2),
	}
}

func newDragCaptcha() *Captcha {
	ordered := dragItemSets[randomInt(len(dragItemSets))]
	target := strings.Join(ordered, "|")

	shuffled := append([]string(nil), ordered...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return &Captcha{
		ID:       newChallengeID(),
		Kind:     KindDragOrder,
		Prompt:   "Drag the items into their natural order",
		Items:    shuffled,
		IssuedAt: time.Now(),
		answer:   target,
	}
}

func newHoldCaptcha() *Captcha {
	return &Captcha{
		ID:           newChallengeID(),
		Kind:         KindHold,
		Prompt:       "Press and hold the button until the bar fills",
		HoldDuration: DefaultHoldDuration,
		IssuedAt:     time.Now(),
	}
}

func newChallengeID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
