// Package progress reports artifact transfer progress.
//
// A [Reporter] feeds two channels from the same event stream. The state
// channel is a queryable table of active and recently finished transfers; it
// is the system of record and serves late observers. The push channel
// delivers every event synchronously to registered listeners, and through
// [Reporter.Watch] to buffered Go channels, while the transfer is still
// running.
//
// Per task, events obey a fixed contract: one start, then progress events
// with non-decreasing percent, then exactly one complete or error. Nothing
// follows the terminal event.
package progress

import (
	"time"
)

// Phase is the lifecycle position of an event.
type Phase string

// Event phases.
const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Terminal reports whether p ends a task.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Batch places a task inside a multi-key request.
type Batch struct {
	// Index is the 1-based position of the task.
	Index int `json:"index"`
	// Count is the number of keys in the request.
	Count int `json:"count"`
	// Percent is the overall progress of the request.
	Percent float64 `json:"percent"`
}

// Event is one progress notification.
type Event struct {
	TaskID      string    `json:"task_id"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Backend     string    `json:"backend,omitempty"`
	Phase       Phase     `json:"phase"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message,omitempty"`
	BytesDone   int64     `json:"bytes_done"`
	BytesTotal  int64     `json:"bytes_total"` // -1 when unknown
	Batch       *Batch    `json:"batch,omitempty"`
	Time        time.Time `json:"time"`
}

// State is the lifecycle state of a transfer.
type State string

// Transfer states.
const (
	StatePending  State = "pending"
	StateInFlight State = "in-flight"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Transfer is the state-channel record of one task.
type Transfer struct {
	ID               string    `json:"id"`
	Key              string    `json:"key"`
	DisplayName      string    `json:"display_name"`
	Backend          string    `json:"backend,omitempty"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitzero"`
	BytesTotal       int64     `json:"bytes_total"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Percent          float64   `json:"percent"`
	Subscribers      int       `json:"subscribers"`
	Message          string    `json:"message,omitempty"`
	Batch            *Batch    `json:"batch,omitempty"`
}

// Finished reports whether the transfer reached a terminal state.
func (t Transfer) Finished() bool {
	return t.State == StateDone || t.State == StateFailed
}
