package progress

import (
	"sort"
	"sync"
	"time"
)

// Action is the presentation-side name of an event phase.
type Action string

// Message actions.
const (
	ActionStart    Action = "start"
	ActionUpdate   Action = "update"
	ActionComplete Action = "complete"
	ActionError    Action = "error"
)

// Message is the push-channel payload sent to presentation clients.
// Replaying any message is safe: see [Board].
type Message struct {
	Action    Action    `json:"action"`
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Percent   *float64  `json:"percent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	BatchIndex   int      `json:"batch_index,omitempty"`
	BatchCount   int      `json:"batch_count,omitempty"`
	BatchPercent *float64 `json:"batch_percent,omitempty"`
}

// NewMessage converts an event to its wire form.
func NewMessage(e Event) Message {
	m := Message{
		ID:        e.TaskID,
		Filename:  e.DisplayName,
		Message:   e.Message,
		Timestamp: e.Time,
	}
	if m.Filename == "" {
		m.Filename = e.Key
	}
	switch e.Phase {
	case PhaseStart:
		m.Action = ActionStart
	case PhaseComplete:
		m.Action = ActionComplete
	case PhaseError:
		m.Action = ActionError
	default:
		m.Action = ActionUpdate
	}
	pct := e.Percent
	m.Percent = &pct
	if e.Batch != nil {
		bp := e.Batch.Percent
		m.BatchIndex = e.Batch.Index
		m.BatchCount = e.Batch.Count
		m.BatchPercent = &bp
	}
	return m
}

// TransferMessage renders a state-channel record as the message a client
// that missed every event should apply to catch up.
func TransferMessage(t Transfer) Message {
	e := Event{
		TaskID:      t.ID,
		Key:         t.Key,
		DisplayName: t.DisplayName,
		Percent:     t.Percent,
		Message:     t.Message,
		Batch:       t.Batch,
		Time:        t.StartedAt,
	}
	switch t.State {
	case StateDone:
		e.Phase, e.Time = PhaseComplete, t.FinishedAt
	case StateFailed:
		e.Phase, e.Time = PhaseError, t.FinishedAt
	default:
		e.Phase = PhaseProgress
	}
	return NewMessage(e)
}

// Status is the presentation state of a board entry.
type Status string

// Board entry statuses.
const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// BoardEntry is what a presentation layer shows for one transfer.
type BoardEntry struct {
	ID       string
	Filename string
	Status   Status
	Percent  float64
	Message  string
	Updated  time.Time
}

// Board reduces push-channel messages into presentation state.
//
// Apply is idempotent: duplicate start or update messages never corrupt an
// entry, the last received percent wins, and a terminal entry stays
// terminal. A board that never saw a start message creates the entry from
// whatever message arrives first.
type Board struct {
	mu      sync.Mutex
	entries map[string]*BoardEntry
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{entries: make(map[string]*BoardEntry)}
}

// Apply folds m into the board.
func (b *Board) Apply(m Message) {
	if m.ID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[m.ID]
	if !ok {
		e = &BoardEntry{ID: m.ID, Status: StatusRunning}
		b.entries[m.ID] = e
	}
	if m.Filename != "" {
		e.Filename = m.Filename
	}
	if m.Timestamp.After(e.Updated) {
		e.Updated = m.Timestamp
	}
	if e.Status != StatusRunning {
		return
	}

	switch m.Action {
	case ActionComplete:
		e.Status = StatusComplete
		e.Percent = 100
	case ActionError:
		e.Status = StatusError
		if m.Percent != nil {
			e.Percent = clampPercent(*m.Percent)
		}
	default:
		if m.Percent != nil && (m.Action == ActionUpdate || *m.Percent > 0) {
			e.Percent = clampPercent(*m.Percent)
		}
	}
	if m.Message != "" {
		e.Message = m.Message
	}
}

// Get returns the entry for id.
func (b *Board) Get(id string) (BoardEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return BoardEntry{}, false
	}
	return *e, true
}

// Entries returns all entries ordered by id.
func (b *Board) Entries() []BoardEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BoardEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget removes id from the board.
func (b *Board) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
