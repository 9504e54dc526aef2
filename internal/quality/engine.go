package quality

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/behavior"
	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/fingerprint"
	"github.com/surveygate/surveygate/internal/geo"
	"github.com/surveygate/surveygate/internal/monitor"
)

const (
	baselineScore = 100

	// Per-signal deductions, applied independently and clamped at the end.
	penaltyVPN         = 30
	penaltyBlacklisted = 50
	penaltySuspicious  = 40
	penaltyBot         = 80
	penaltyDuplicate   = 50
	penaltyCaptcha     = 20
	penaltyTrap        = 10
	penaltySpeed       = 25
	penaltyFlatLine    = 25

	// Captcha attempts tolerated before a pass still counts as a failure
	// signal.
	captchaAttemptBudget = 3

	// Minimum answers before the flat-line check has anything to say.
	flatLineMinAnswers = 5
	// Population variance of range-normalized answers under this value
	// marks a degenerate response pattern.
	flatLineVariance = 0.01

	// Cross-IP fingerprint spread. A device hash sighted from this many
	// distinct IPs counts as a duplicate signal even without a uid
	// collision; one IP producing this many distinct device hashes counts
	// toward the bot check.
	deviceIPSpread = 3
	ipDeviceSpread = 3

	defaultLowScoreFloor = 50
)

// Inputs bundles every upstream signal the engine consumes. Any field may be
// nil or zero; missing signals leave their flag conditions unevaluated.
type Inputs struct {
	Behavior             *behavior.Snapshot
	Fingerprint          *fingerprint.Fingerprint
	DuplicateFingerprint bool
	// Cross-IP spread from the fingerprint store: distinct IPs this device
	// hash was sighted from, and distinct device hashes the session's IP
	// has produced.
	DeviceIPCount int
	IPDeviceCount int

	Geo        *geo.Signals
	Outcomes   []challenge.Outcome
	Completion *monitor.Result
	Answers    []float64

	HoneypotTriggered bool
	// TotalTime is the time spent on the survey itself when the session
	// reached it, otherwise the whole session duration.
	TotalTime time.Duration
}

// Record is the final aggregated quality verdict for a session.
type Record struct {
	DataQualityScore int          `json:"dataQualityScore"`
	SecurityRisk     Severity     `json:"securityRisk"`
	Flags            []FlagReason `json:"flags"`
	ComputedAt       time.Time    `json:"computedAt"`
}

// HasFlag reports whether the record carries the given flag.
func (r Record) HasFlag(f FlagReason) bool {
	for _, v := range r.Flags {
		if v == f {
			return true
		}
	}
	return false
}

// Engine derives quality records from session signals. It holds only
// configuration; evaluation is a pure function of its inputs.
type Engine struct {
	cfg           config.Config
	lowScoreFloor int
	log           zerolog.Logger
}

func NewEngine(cfg config.Config, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, lowScoreFloor: defaultLowScoreFloor, log: log}
}

// Finalize computes the terminal quality record for a session. It expects a
// completion result; a missing one indicates a wiring bug upstream and is
// logged, but evaluation still proceeds from whatever signals exist.
func (e *Engine) Finalize(in Inputs) Record {
	if in.Completion == nil {
		e.log.Error().Msg("quality record finalized without a completion result")
	}
	return e.Evaluate(in)
}

// Evaluate derives score and flags from the given signals. It never fails:
// absent signals simply leave their conditions untriggered.
func (e *Engine) Evaluate(in Inputs) Record {
	score := baselineScore
	var flags []FlagReason

	add := func(f FlagReason, penalty int) {
		flags = append(flags, f)
		score -= penalty
	}

	if in.Geo != nil {
		if in.Geo.VPN {
			add(FlagVPNDetected, penaltyVPN)
		}
		if in.Geo.BlacklistedReferrer {
			add(FlagBlacklistedDomain, penaltyBlacklisted)
		}
	}

	if in.DuplicateFingerprint || in.DeviceIPCount >= deviceIPSpread {
		add(FlagDuplicateFingerprint, penaltyDuplicate)
	}

	// Suspicious behavior lowers the score without a flag of its own; the
	// flag vocabulary reserves behavioral signals for the combined bot check.
	if in.Behavior != nil && suspiciousBehavior(in.Behavior) {
		score -= penaltySuspicious
	}

	if e.botIndicated(in) {
		add(FlagBotCheck, penaltyBot)
	}

	if captchaFailed(in.Outcomes) {
		add(FlagCaptchaFailure, penaltyCaptcha)
	}
	if trapFailed(in.Outcomes) {
		add(FlagTrapQuestionFailed, penaltyTrap)
	}

	if e.speedViolation(in) {
		add(FlagSpeedViolation, penaltySpeed)
	}

	if flatLine(in.Answers) {
		add(FlagFlatLineResponse, penaltyFlatLine)
	}

	if score < 0 {
		score = 0
	} else if score > baselineScore {
		score = baselineScore
	}

	if score < e.lowScoreFloor {
		flags = append(flags, FlagLowQualityScore)
	}

	return Record{
		DataQualityScore: score,
		SecurityRisk:     riskFor(score),
		Flags:            flags,
		ComputedAt:       time.Now(),
	}
}

func riskFor(score int) Severity {
	switch {
	case score < 50:
		return SeverityHigh
	case score < 80:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// suspiciousBehavior treats zero movement as decisive on its own; softer
// tags need corroboration from a second pattern.
func suspiciousBehavior(s *behavior.Snapshot) bool {
	for _, tag := range s.SuspiciousPatterns {
		if tag == behavior.TagZeroMovement {
			return true
		}
	}
	return len(s.SuspiciousPatterns) >= 2
}

// botIndicated requires at least two independent automation indicators:
// origin mismatch (timezone, bot UA, or datacenter IP), a tripped honeypot,
// automated pointer behavior, and one IP cycling through device hashes each
// count once. The honeypot contributes only when the project enables it.
func (e *Engine) botIndicated(in Inputs) bool {
	indicators := 0
	if in.Geo != nil && (in.Geo.TimezoneMismatch || in.Geo.BotUserAgent || in.Geo.Datacenter) {
		indicators++
	}
	if in.HoneypotTriggered && e.cfg.EnableHoneypot {
		indicators++
	}
	if in.IPDeviceCount >= ipDeviceSpread {
		indicators++
	}
	if in.Behavior != nil {
		for _, tag := range in.Behavior.SuspiciousPatterns {
			if tag == behavior.TagZeroMovement || tag == behavior.TagFastMouse {
				indicators++
				break
			}
		}
	}
	return indicators >= 2
}

func captchaFailed(outcomes []challenge.Outcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	passed := false
	for _, o := range outcomes {
		if o.Gate != challenge.GateCaptcha {
			continue
		}
		if o.Passed {
			passed = true
			if o.AttemptCount > captchaAttemptBudget {
				return true
			}
		}
	}
	return !passed
}

func trapFailed(outcomes []challenge.Outcome) bool {
	for _, o := range outcomes {
		if o.Gate == challenge.GateTrapQuestion && !o.Passed {
			return true
		}
	}
	return false
}

// speedViolation checks the total time on survey against the configured
// minimum, or against a fraction of the expected maximum when no minimum is
// set. Unknown durations are not evaluated.
func (e *Engine) speedViolation(in Inputs) bool {
	if !e.cfg.EnableSpeedChecks {
		return false
	}
	total := in.TotalTime
	if total <= 0 && in.Behavior != nil {
		total = time.Duration(in.Behavior.TotalTimeMs) * time.Millisecond
	}
	if total <= 0 {
		return false
	}
	if e.cfg.MinCompletionTime > 0 {
		return total < e.cfg.MinCompletionTime
	}
	if e.cfg.MaxCompletionTime > 0 {
		return total < e.cfg.MaxCompletionTime/5
	}
	return false
}

// flatLine detects degenerate answer patterns: enough answers that variation
// is expected, yet range-normalized population variance below the threshold.
func flatLine(answers []float64) bool {
	if len(answers) < flatLineMinAnswers {
		return false
	}

	lo, hi := answers[0], answers[0]
	for _, v := range answers[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := math.Max(math.Abs(lo), math.Abs(hi))
	if scale == 0 {
		return true // every answer is zero
	}

	var mean float64
	for _, v := range answers {
		mean += v / scale
	}
	mean /= float64(len(answers))

	var variance float64
	for _, v := range answers {
		d := v/scale - mean
		variance += d * d
	}
	variance /= float64(len(answers))

	return variance < flatLineVariance
}
