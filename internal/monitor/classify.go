package monitor

import (
	"net/url"
	"strings"
)

// Outcome URL patterns, matched case-insensitively against the path and full
// URL. Quota and disqualification are checked before completion so that a
// URL carrying both kinds of marker resolves to the more specific outcome.
var (
	quotaPatterns = []string{
		"quota-full", "quotafull", "overquota", "over-quota", "/quota",
	}
	disqualifiedPatterns = []string{
		"disqualif", "screenout", "screen-out", "screened", "terminate", "not-qualified",
	}
	completedPatterns = []string{
		"thank-you-completed", "survey-complete", "thank-you", "thankyou",
		"/complete", "completed", "finished",
	}
)

// Query parameter values recognized on status= and reason= parameters.
var (
	quotaParamValues        = map[string]bool{"quota": true, "q": true, "full": true, "overquota": true, "3": true}
	disqualifiedParamValues = map[string]bool{"disqualified": true, "dq": true, "term": true, "terminate": true, "screenout": true, "s": true, "2": true}
	completedParamValues    = map[string]bool{"complete": true, "completed": true, "c": true, "success": true, "1": true}
)

// Classify maps an observed frame URL to a terminal status. completionHost,
// when non-empty, is the monitor's own domain: reaching it without any
// specific pattern match defaults to a completed survey, since the partner
// only redirects back on exit.
func Classify(rawURL, completionHost string) (Status, bool) {
	if rawURL == "" {
		return StatusStarted, false
	}

	lower := strings.ToLower(rawURL)
	u, err := url.Parse(rawURL)

	haystacks := []string{lower}
	if err == nil && u.Path != "" {
		haystacks = append(haystacks, strings.ToLower(u.Path))
	}

	if err == nil {
		q := u.Query()
		for _, key := range []string{"status", "reason"} {
			v := strings.ToLower(q.Get(key))
			if v == "" {
				continue
			}
			switch {
			case quotaParamValues[v]:
				return StatusQuotaFull, true
			case disqualifiedParamValues[v]:
				return StatusDisqualified, true
			case completedParamValues[v]:
				return StatusCompleted, true
			}
		}
	}

	for _, h := range haystacks {
		for _, p := range quotaPatterns {
			if strings.Contains(h, p) {
				return StatusQuotaFull, true
			}
		}
	}
	for _, h := range haystacks {
		for _, p := range disqualifiedPatterns {
			if strings.Contains(h, p) {
				return StatusDisqualified, true
			}
		}
	}
	for _, h := range haystacks {
		for _, p := range completedPatterns {
			if strings.Contains(h, p) {
				return StatusCompleted, true
			}
		}
	}

	// Back on our own domain with no recognizable marker: the survey exited
	// through the default return redirect.
	if completionHost != "" && err == nil &&
		strings.EqualFold(strings.TrimPrefix(u.Hostname(), "www."), strings.TrimPrefix(strings.ToLower(completionHost), "www.")) {
		return StatusCompleted, true
	}

	return StatusStarted, false
}
