// Package queue carries generation jobs from admission to the worker. The
// envelope is the canonical wire contract; dispatchers differ only in how
// the bytes travel (QStash push, JetStream relay, or in-process for dev).
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeGeneration is the only job type on the bus today.
const TypeGeneration = "generation"

// Lanes separate interactive traffic from batch work; retry policy and
// provider concurrency pools are keyed by lane.
const (
	LaneInteractive = "interactive"
	LaneBatch       = "batch"
)

// JobEnvelope is the signed body delivered to the worker endpoint.
type JobEnvelope struct {
	Type               string    `json:"type"`
	JobID              string    `json:"jobId"`
	RequestID          string    `json:"requestId"`
	UserID             string    `json:"userId"`
	DraftID            string    `json:"draftId"`
	GenerationID       string    `json:"generationId"`
	Lane               string    `json:"lane"`
	VariantCount       int       `json:"variantCount"`
	Prompt             string    `json:"prompt"`
	Platform           string    `json:"platform"`
	IsRegen            bool      `json:"isRegen"`
	ParentGenerationID string    `json:"parentGenerationId,omitempty"`
	RegenType          string    `json:"regenType,omitempty"`
	RegenChanges       string    `json:"regenChanges,omitempty"`
	UserLeaseID        string    `json:"userLeaseId"`
	ProviderLeaseID    string    `json:"providerLeaseId"`
	// Provider and Model name the pool providerLeaseId was drawn from, so
	// release targets that pool even if entitlements change before execution.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	RetryCount         int       `json:"retryCount"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Validate checks the fields the worker depends on before any side effect.
func (e JobEnvelope) Validate() error {
	if e.Type != TypeGeneration {
		return fmt.Errorf("unknown job type %q", e.Type)
	}
	if e.JobID == "" || e.UserID == "" || e.DraftID == "" || e.GenerationID == "" {
		return fmt.Errorf("envelope missing identifiers")
	}
	if e.Lane != LaneInteractive && e.Lane != LaneBatch {
		return fmt.Errorf("unknown lane %q", e.Lane)
	}
	if e.VariantCount < 1 || e.VariantCount > 5 {
		return fmt.Errorf("variantCount %d out of range", e.VariantCount)
	}
	if e.Prompt == "" {
		return fmt.Errorf("envelope missing prompt")
	}
	return nil
}

// Marshal serializes the envelope for signing and delivery.
func (e JobEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a delivered body.
func DecodeEnvelope(data []byte) (JobEnvelope, error) {
	var e JobEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return JobEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return JobEnvelope{}, err
	}
	return e, nil
}

// RetriesForLane is the bus-side attempt budget: interactive jobs get three
// attempts, batch jobs one.
func RetriesForLane(lane string) int {
	if lane == LaneBatch {
		return 1
	}
	return 3
}
