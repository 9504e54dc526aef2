// Package session wires the per-respondent pipeline together: behavioral
// collection, fingerprinting, the challenge gauntlet, survey monitoring, and
// the terminal quality verdict, with all registry writes going through the
// async writer.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/behavior"
	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/fingerprint"
	"github.com/surveygate/surveygate/internal/geo"
	"github.com/surveygate/surveygate/internal/monitor"
	"github.com/surveygate/surveygate/internal/quality"
	"github.com/surveygate/surveygate/internal/registry"
)

// Session is one respondent's pass through the gauntlet. All methods are safe
// for concurrent use; handlers for the same token may race.
type Session struct {
	ID        string
	Token     string
	ProjectID string
	UID       string
	SurveyURL string

	cfg    config.Config
	log    zerolog.Logger
	engine *quality.Engine
	writer *registry.AsyncWriter
	fps    *fingerprint.Store

	collector *behavior.Collector
	machine   *challenge.Machine
	relay     *monitor.RelayProbe
	mon       *monitor.Monitor

	mu        sync.Mutex
	geoSig    *geo.Signals
	fp        *fingerprint.Fingerprint
	clientIP  string
	duplicate bool
	honeypot  bool
	answers   []float64
	startedAt time.Time
	surveyAt  time.Time
	lastSnap  *behavior.Snapshot
	record    *quality.Record
	finalized bool
}

// Machine exposes the challenge state machine to the transport layer.
func (s *Session) Machine() *challenge.Machine { return s.machine }

// State is the current gauntlet state.
func (s *Session) State() challenge.State { return s.machine.State() }

// TrackEvents feeds a batch of widget events into the behavioral collector.
func (s *Session) TrackEvents(events []behavior.Event) {
	s.collector.TrackBatch(events)
}

// SetFingerprint computes and stores the device fingerprint. It reports
// whether the device was already seen under a different uid in this project.
// Fingerprinting failure upstream just means this is never called; the
// session continues without the signal.
func (s *Session) SetFingerprint(raw fingerprint.RawSignals, ip string) bool {
	fp := fingerprint.New(raw)
	dup := s.fps.Record(s.ProjectID, s.UID, fp.DeviceID, ip)

	s.mu.Lock()
	s.fp = &fp
	s.clientIP = ip
	s.duplicate = dup
	s.mu.Unlock()

	if dup {
		s.log.Info().Str("deviceId", fp.DeviceID).Msg("duplicate device fingerprint")
	}
	return dup
}

// TriggerHoneypot marks the hidden-field trap as tripped. Real browsers
// never submit the field.
func (s *Session) TriggerHoneypot() {
	s.mu.Lock()
	s.honeypot = true
	s.mu.Unlock()
}

// RecordAnswers appends normalized survey answers used for flat-line
// detection.
func (s *Session) RecordAnswers(values []float64) {
	s.mu.Lock()
	s.answers = append(s.answers, values...)
	s.mu.Unlock()
}

// EnterSurvey starts watching the survey frame. Valid only once the machine
// has reached the SURVEY state.
func (s *Session) EnterSurvey(meta monitor.Metadata) error {
	if s.machine.State() != challenge.StateSurvey {
		return challenge.ErrWrongState
	}

	s.mu.Lock()
	if !s.surveyAt.IsZero() {
		s.mu.Unlock()
		return nil // already watching
	}
	s.surveyAt = time.Now()
	s.mu.Unlock()

	s.mon.SetMetadata(meta)
	s.mon.Start()
	return nil
}

// ReportNavigation feeds a frame location observed by the widget into the
// monitor's probe.
func (s *Session) ReportNavigation(url string) {
	s.relay.Report(url)
}

// HandleMessage forwards a postMessage payload from the survey frame.
func (s *Session) HandleMessage(payload []byte) bool {
	return s.mon.HandleMessage(payload)
}

// CompletionResult returns the monitor's latched terminal detection.
func (s *Session) CompletionResult() (monitor.Result, bool) {
	return s.mon.Result()
}

// Record returns the final quality record once the session is finalized.
func (s *Session) Record() (quality.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return quality.Record{}, false
	}
	return *s.record, true
}

// handleResult receives the monitor's terminal detection. The monitor has
// already latched, so this fires exactly once per session.
func (s *Session) handleResult(res monitor.Result) {
	s.machine.Complete(res.Status)

	s.writer.UpdateSessionStatus(s.ProjectID, s.UID, string(res.Status), map[string]string{
		"detectionMethod": res.DetectionMethod,
		"completionUrl":   res.CompletionURL,
	})

	s.finalize(&res)
}

// Finalize tears the session down and computes the quality record without a
// completion result, for teardown paths where the monitor never latched
// (explicit navigation away, server shutdown).
func (s *Session) Finalize() quality.Record {
	if res, ok := s.mon.Result(); ok {
		s.finalize(&res)
	} else {
		s.finalize(nil)
	}
	rec, _ := s.Record()
	return rec
}

func (s *Session) finalize(res *monitor.Result) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	s.mon.Stop()
	snap := s.collector.Stop()

	s.mu.Lock()
	s.lastSnap = &snap
	// Prefer time on the survey itself; gauntlet time must not pad a
	// speeder over the minimum.
	started := s.startedAt
	if !s.surveyAt.IsZero() {
		started = s.surveyAt
	}
	in := quality.Inputs{
		Behavior:             &snap,
		Fingerprint:          s.fp,
		DuplicateFingerprint: s.duplicate,
		Geo:                  s.geoSig,
		Outcomes:             s.machine.Outcomes(),
		Completion:           res,
		Answers:              append([]float64(nil), s.answers...),
		HoneypotTriggered:    s.honeypot,
		TotalTime:            time.Since(started),
	}
	if s.fp != nil {
		in.DeviceIPCount = s.fps.DeviceIPCount(s.ProjectID, s.fp.DeviceID)
	}
	if s.clientIP != "" {
		in.IPDeviceCount = s.fps.IPDeviceCount(s.clientIP)
	}
	s.mu.Unlock()

	rec := s.engine.Finalize(in)

	s.mu.Lock()
	s.record = &rec
	s.mu.Unlock()

	s.writer.SubmitQualityRecord(s.ProjectID, s.UID, rec, registry.Evidence{
		Behavior:    snap,
		Fingerprint: in.Fingerprint,
		Security:    in.Outcomes,
		Geo:         in.Geo,
	})

	s.log.Info().
		Str("projectId", s.ProjectID).
		Str("uid", s.UID).
		Int("score", rec.DataQualityScore).
		Str("risk", string(rec.SecurityRisk)).
		Msg("session finalized")
}
