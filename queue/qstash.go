package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// QStashDispatcher publishes jobs through a remote QStash-compatible bus.
// The bus signs the body itself and drives retries against the worker URL.
type QStashDispatcher struct {
	client    *http.Client
	baseURL   string
	token     string
	targetURL string
	logger    *slog.Logger
}

// NewQStashDispatcher builds a remote dispatcher. targetURL is the full
// worker ingress URL the bus will deliver to.
func NewQStashDispatcher(baseURL, token, targetURL string, logger *slog.Logger) *QStashDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QStashDispatcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		targetURL: targetURL,
		logger:    logger,
	}
}

func (d *QStashDispatcher) Dispatch(ctx context.Context, env JobEnvelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	url := d.baseURL + "/v2/publish/" + d.targetURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRetries, strconv.Itoa(RetriesForLane(env.Lane)))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish job %s: %w", env.JobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish job %s: bus returned %d: %s", env.JobID, resp.StatusCode, snippet)
	}

	d.logger.Debug("job published",
		"job_id", env.JobID,
		"generation_id", env.GenerationID,
		"lane", env.Lane)
	return nil
}
