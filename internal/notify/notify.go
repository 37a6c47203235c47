// Package notify publishes device power transitions to other systems.
package notify

import (
	"context"
	"time"
)

// Power states as published.
const (
	StateOn  = "on"
	StateOff = "off"
)

// Transition is one observed change of the device's power state.
type Transition struct {
	State     string    `json:"state"`
	Reachable bool      `json:"reachable"`
	At        time.Time `json:"at"`
	EventID   string    `json:"event_id,omitempty"`
}

// Publisher delivers transitions. Implementations must be safe to call from
// the detector goroutine while Close runs during shutdown.
type Publisher interface {
	Publish(ctx context.Context, tr Transition) error
}

// Nop discards every transition.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Transition) error { return nil }

var _ Publisher = Nop{}
