package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/surveygate/surveygate/internal/challenge"
	"github.com/surveygate/surveygate/internal/quality"
)

const (
	asyncWriteTimeout = 5 * time.Second
	asyncMaxTries     = 3
)

// AsyncWriter wraps a Registry with fire-and-forget write semantics: every
// write runs on its own goroutine, raced against a timeout and retried with
// exponential backoff. Callers never block on the network and never see the
// error; a write that exhausts its retries is logged and dropped, because the
// session proceeds on locally-known truth either way.
type AsyncWriter struct {
	reg Registry
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewAsyncWriter(reg Registry, log zerolog.Logger) *AsyncWriter {
	return &AsyncWriter{reg: reg, log: log}
}

// Wait blocks until all in-flight writes settle. Used at shutdown and in
// tests; the request path never calls it.
func (w *AsyncWriter) Wait() { w.wg.Wait() }

func (w *AsyncWriter) RecordChallengeFailure(projectID, uid string, gate challenge.Gate, meta map[string]string) {
	w.submit("challenge failure", projectID, uid, func(ctx context.Context) error {
		return w.reg.RecordChallengeFailure(ctx, projectID, uid, gate, meta)
	})
}

func (w *AsyncWriter) UpdateSessionStatus(projectID, uid, status string, meta map[string]string) {
	w.submit("status update", projectID, uid, func(ctx context.Context) error {
		return w.reg.UpdateSessionStatus(ctx, projectID, uid, status, meta)
	})
}

func (w *AsyncWriter) SubmitQualityRecord(projectID, uid string, rec quality.Record, raw Evidence) {
	w.submit("quality record", projectID, uid, func(ctx context.Context) error {
		return w.reg.SubmitQualityRecord(ctx, projectID, uid, rec, raw)
	})
}

func (w *AsyncWriter) submit(what, projectID, uid string, op func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		defer cancel()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := op(ctx)
			if errors.Is(err, ErrUnknownLink) || errors.Is(err, ErrLinkConsumed) {
				// Retrying cannot make an unknown or consumed link valid.
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(asyncMaxTries),
		)
		if err != nil {
			w.log.Warn().Err(err).
				Str("write", what).
				Str("projectId", projectID).
				Str("uid", uid).
				Msg("registry write dropped after retries")
		}
	}()
}
