// Package history appends supervisor lifecycle and restart outcomes to
// pluggable sinks. Recording failures are the caller's to log; they never
// affect control flow.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventCrashed          EventType = "crashed"
	EventRestartCompleted EventType = "restart_completed"
	EventRestartFailed    EventType = "restart_failed"
)

// Event is one record to export.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Trigger    string    `json:"trigger,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
	Close() error
}

// Fanout records to every sink, collecting errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
