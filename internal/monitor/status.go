package monitor

// Status is the observed state of a session's embedded survey.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompleted    Status = "COMPLETED"
	StatusDisqualified Status = "DISQUALIFIED"
	StatusQuotaFull    Status = "QUOTA_FULL"
	StatusTimeout      Status = "TIMEOUT"
)

// Terminal reports whether a status ends the session. STARTED is the only
// non-terminal value.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDisqualified, StatusQuotaFull, StatusTimeout:
		return true
	}
	return false
}
