package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// LocalDispatcher runs jobs synchronously in-process for development. It
// delivers to the same worker handler the real bus would, with a marker
// header instead of a signature, so the dev path exercises the production
// code end to end. There is no retry machinery in this mode.
type LocalDispatcher struct {
	handler http.Handler
	path    string
	logger  *slog.Logger
}

// NewLocalDispatcher builds a dev dispatcher that posts to path on handler.
func NewLocalDispatcher(handler http.Handler, path string, logger *slog.Logger) *LocalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDispatcher{handler: handler, path: path, logger: logger}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, env JobEnvelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build local request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderLocalDev, "true")

	rec := &responseSink{status: http.StatusOK}
	d.handler.ServeHTTP(rec, req)

	// A 5xx means the worker asked for a retry; local mode has no bus to
	// honor it, the job was still delivered.
	if rec.status >= 500 {
		d.logger.Warn("local job requested retry, none available",
			"job_id", env.JobID, "status", rec.status)
	} else {
		d.logger.Debug("local job completed", "job_id", env.JobID, "status", rec.status)
	}
	return nil
}

type responseSink struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseSink) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *responseSink) WriteHeader(status int) { r.status = status }

func (r *responseSink) Write(p []byte) (int, error) { return r.body.Write(p) }
