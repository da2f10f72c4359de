package obs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}))

	logger.Info("provider call",
		"api_key", "sk-live-abc123",
		"Authorization", "Bearer xyz",
		"prompt", "user supplied text",
		"upstash_signature", "v1=a.b",
		"generation_id", "g1")

	out := buf.String()
	assert.NotContains(t, out, "sk-live-abc123")
	assert.NotContains(t, out, "Bearer xyz")
	assert.NotContains(t, out, "user supplied text")
	assert.NotContains(t, out, "v1=a.b")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "g1")
}

func TestRequestIDPropagation(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFrom(ctx))

	ctx = WithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", RequestIDFrom(ctx))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	LoggerWithRequestID(ctx, logger).Info("hello")
	assert.Contains(t, buf.String(), "req-42")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LimitRejections.WithLabelValues(RejectMonthly).Inc()
	m.LimitRejections.WithLabelValues(RejectMonthly).Inc()
	m.JobLifecycle.WithLabelValues(StageQueued).Inc()
	m.ObserveJob(true, 7*time.Second)
	m.ObserveJob(false, 2*time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.LimitRejections.WithLabelValues(RejectMonthly)), 0.01)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsCompleted.WithLabelValues("success")), 0.01)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobsCompleted.WithLabelValues("failed")), 0.01)

	count, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, count)
}
