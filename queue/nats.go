package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream layout for the self-hosted bus variant.
const (
	StreamName    = "GENERATION_JOBS"
	subjectPrefix = "jobs.generation."
)

// NATSBus is the self-hosted bus: admission publishes envelopes to a
// JetStream stream and a relay consumer drives the worker handler with
// bus-side retries (NakWithDelay backoff, MaxDeliver per lane).
type NATSBus struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATSBus wraps an established NATS connection.
func NewNATSBus(nc *nats.Conn, logger *slog.Logger) (*NATSBus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{js: js, logger: logger}, nil
}

// EnsureStream creates or updates the job stream.
func (b *NATSBus) EnsureStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Dispatch publishes the envelope onto the lane subject.
func (b *NATSBus) Dispatch(ctx context.Context, env JobEnvelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = b.js.Publish(ctx, subjectPrefix+env.Lane, body,
		jetstream.WithMsgID(env.JobID))
	if err != nil {
		return fmt.Errorf("publish job %s: %w", env.JobID, err)
	}
	b.logger.Debug("job published",
		"job_id", env.JobID,
		"generation_id", env.GenerationID,
		"lane", env.Lane)
	return nil
}

// StartRelay creates a durable consumer per lane and pumps jobs into handler
// until ctx is cancelled. Attempt counts come from delivery metadata, so the
// envelope's retryCount reflects bus-side redeliveries.
func (b *NATSBus) StartRelay(ctx context.Context, handler Handler) error {
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	for _, lane := range []string{LaneInteractive, LaneBatch} {
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       "relay-" + lane,
			FilterSubject: subjectPrefix + lane,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       2 * time.Minute,
			MaxDeliver:    RetriesForLane(lane),
		})
		if err != nil {
			return fmt.Errorf("create consumer for lane %s: %w", lane, err)
		}
		go b.consumeLoop(ctx, consumer, lane, handler)
	}
	return nil
}

func (b *NATSBus) consumeLoop(ctx context.Context, consumer jetstream.Consumer, lane string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "lane", lane, "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			b.handleDelivery(ctx, msg, handler)
		}
		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			b.logger.Warn("message fetch error", "lane", lane, "error", msgs.Error())
		}
	}
}

func (b *NATSBus) handleDelivery(ctx context.Context, msg jetstream.Msg, handler Handler) {
	env, err := DecodeEnvelope(msg.Data())
	if err != nil {
		b.logger.Error("undeliverable envelope", "error", err)
		msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		env.RetryCount = int(meta.NumDelivered) - 1
	}

	res, err := handler(ctx, env)
	if err != nil {
		b.logger.Warn("job handler failed",
			"job_id", env.JobID, "retry_count", env.RetryCount, "error", err)
		msg.NakWithDelay(retryDelay(env.RetryCount, 0))
		return
	}
	if res.ShouldRetry {
		b.logger.Info("job retry requested",
			"job_id", env.JobID, "retry_count", env.RetryCount, "retry_after", res.RetryAfter)
		msg.NakWithDelay(retryDelay(env.RetryCount, res.RetryAfter))
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("ack failed", "job_id", env.JobID, "error", err)
	}
}

// retryDelay is exponential from a 2s base with ±25% jitter; an explicit
// retryAfter hint from the worker takes precedence.
func retryDelay(attempt, retryAfterSecs int) time.Duration {
	if retryAfterSecs > 0 {
		return time.Duration(retryAfterSecs) * time.Second
	}
	base := 2 * time.Second
	delay := base << uint(attempt)
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
