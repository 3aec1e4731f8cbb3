// Package history exports engine lifecycle events to external stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of engine lifecycle event.
type EventType string

const (
	EventLaunched     EventType = "launched"
	EventReady        EventType = "ready"
	EventProbeFailed  EventType = "probe_failed"
	EventLaunchFailed EventType = "launch_failed"
	EventStale        EventType = "stale"
	EventReaped       EventType = "reaped"
	EventExited       EventType = "exited"
)

// Event is one engine lifecycle transition.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	InstanceID string    `json:"instance_id,omitempty"`
	Engine     string    `json:"engine"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Version    string    `json:"version,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
