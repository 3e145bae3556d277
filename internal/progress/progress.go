// Package progress carries structured run-progress events from engines to
// subscribers. Delivery is best-effort: a misbehaving subscriber never fails
// the producing engine.
package progress

import (
	"memloop/internal/logging"
)

// Status describes where a run is in its lifecycle.
type Status string

// Run statuses.
const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ItemError describes a failure on a single file within a run.
type ItemError struct {
	File     string `json:"file"`
	Pipeline string `json:"pipeline,omitempty"`
	Message  string `json:"message"`
}

// Event is a snapshot of run progress. Subscribers must not mutate it;
// Errors is cloned before delivery so retained events stay stable.
type Event struct {
	Status      Status      `json:"status"`
	Current     int         `json:"current"`
	Total       int         `json:"total"`
	CurrentItem string      `json:"currentItem,omitempty"`
	Errors      []ItemError `json:"errors"`
}

// Reporter receives progress events.
type Reporter interface {
	Report(Event)
}

// Func adapts a function to the Reporter interface.
type Func func(Event)

// Report calls f.
func (f Func) Report(event Event) {
	f(event)
}

// Emit delivers event to reporter, cloning the error slice and swallowing
// subscriber panics. A nil reporter is a no-op, so engines can emit
// unconditionally.
func Emit(reporter Reporter, event Event) {
	if reporter == nil {
		return
	}

	if event.Errors != nil {
		cloned := make([]ItemError, len(event.Errors))
		copy(cloned, event.Errors)
		event.Errors = cloned
	}

	defer func() {
		recovered := recover()
		if recovered != nil {
			log := logging.With("progress")
			log.Warn().Any("panic", recovered).Msg("subscriber panicked")
		}
	}()

	reporter.Report(event)
}
