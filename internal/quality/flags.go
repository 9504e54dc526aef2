package quality

// FlagReason is a closed enumeration of the quality and fraud flags a
// session can carry. Flags are independent; a record may hold zero or many.
type FlagReason string

const (
	FlagBlacklistedDomain    FlagReason = "BLACKLISTED_DOMAIN"
	FlagVPNDetected          FlagReason = "VPN_DETECTED"
	FlagDuplicateFingerprint FlagReason = "DUPLICATE_FINGERPRINT"
	FlagCaptchaFailure       FlagReason = "CAPTCHA_FAILURE"
	FlagTrapQuestionFailed   FlagReason = "TRAP_QUESTION_FAILED"
	FlagSpeedViolation       FlagReason = "SPEED_VIOLATION"
	FlagBotCheck             FlagReason = "BOT_CHECK_FLAG"
	FlagFlatLineResponse     FlagReason = "FLAT_LINE_RESPONSE"
	FlagLowQualityScore      FlagReason = "LOW_QUALITY_SCORE"
)

// Severity ranks how strongly a flag implicates fraud rather than mere
// inattention.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var flagSeverities = map[FlagReason]Severity{
	FlagBlacklistedDomain:    SeverityHigh,
	FlagVPNDetected:          SeverityHigh,
	FlagDuplicateFingerprint: SeverityHigh,
	FlagBotCheck:             SeverityHigh,
	FlagCaptchaFailure:       SeverityMedium,
	FlagSpeedViolation:       SeverityMedium,
	FlagFlatLineResponse:     SeverityMedium,
	FlagLowQualityScore:      SeverityMedium,
	FlagTrapQuestionFailed:   SeverityLow,
}

// SeverityOf returns the severity associated with a flag. Unknown flags
// report low.
func SeverityOf(f FlagReason) Severity {
	if s, ok := flagSeverities[f]; ok {
		return s
	}
	return SeverityLow
}
