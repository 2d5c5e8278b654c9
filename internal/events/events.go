// Package events publishes pipeline lifecycle notifications.
package events

import (
	"context"
	"time"
)

// StageEvent announces a stage transition for a code run.
type StageEvent struct {
	JobID      string    `json:"job_id,omitempty"`
	Code       string    `json:"code"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Sections   int       `json:"sections,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NoOp drops every event. Used when eventing is disabled.
type NoOp struct{}

// Publish discards the payload and returns an empty message id.
func (NoOp) Publish(_ context.Context, _ any) (string, error) {
	return "", nil
}
