// Package journal defines the audit trail for trading activity.
package journal

import (
	"context"
	"time"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // "order", "signal", "halt", "error", ...
	Description string
	Data        map[string]any
}

// Journaler records and queries events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
