package streaming

import (
	"context"
	"time"
)

// Event reports what the dispatcher did with one job attempt.
type Event struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Settlement string    `json:"settlement"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive. Empty fields match all.
type EventFilter struct {
	JobTypes    []string `json:"job_types,omitempty"`
	Settlements []string `json:"settlements,omitempty"`
}

// EventHub provides pub/sub for job settlement events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
