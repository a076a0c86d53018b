package progress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(v float64) *float64 { return &v }

func TestNewMessage(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMessage(Event{
		TaskID:      "t1",
		Key:         "C.1/v1/base.Rdata",
		DisplayName: "base.Rdata",
		Phase:       PhaseProgress,
		Percent:     42,
		Batch:       &Batch{Index: 1, Count: 2, Percent: 21},
		Time:        ts,
	})
	assert.Equal(t, ActionUpdate, m.Action)
	assert.Equal(t, "base.Rdata", m.Filename)
	require.NotNil(t, m.Percent)
	assert.InDelta(t, 42, *m.Percent, 0.001)
	assert.Equal(t, 1, m.BatchIndex)
	assert.Equal(t, 2, m.BatchCount)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "update", wire["action"])
	assert.Equal(t, "t1", wire["id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", wire["timestamp"])
	assert.NotContains(t, wire, "message")

	noName := NewMessage(Event{TaskID: "t2", Key: "C.1/v1/x.Rdata", Phase: PhaseError, Message: "gone"})
	assert.Equal(t, ActionError, noName.Action)
	assert.Equal(t, "C.1/v1/x.Rdata", noName.Filename)
	assert.Equal(t, "gone", noName.Message)
}

func TestTransferMessage(t *testing.T) {
	t.Parallel()

	done := TransferMessage(Transfer{ID: "a", Key: "k", State: StateDone, Percent: 100})
	assert.Equal(t, ActionComplete, done.Action)
	running := TransferMessage(Transfer{ID: "b", Key: "k", State: StateInFlight, Percent: 30})
	assert.Equal(t, ActionUpdate, running.Action)
	failed := TransferMessage(Transfer{ID: "c", Key: "k", State: StateFailed, Message: "sign in again"})
	assert.Equal(t, ActionError, failed.Action)
	assert.Equal(t, "sign in again", failed.Message)
}

func TestBoardSynthesizesStart(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Apply(Message{Action: ActionUpdate, ID: "late", Filename: "f.Rdata", Percent: pct(40)})

	e, ok := b.Get("late")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, e.Status)
	assert.InDelta(t, 40, e.Percent, 0.001)
	assert.Equal(t, "f.Rdata", e.Filename)

	b.Apply(Message{Action: ActionComplete, ID: "only-complete"})
	e, ok = b.Get("only-complete")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, e.Status)
	assert.InDelta(t, 100, e.Percent, 0.001)
}

func TestBoardReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	stream := []Message{
		{Action: ActionStart, ID: "t", Filename: "f", Percent: pct(0)},
		{Action: ActionUpdate, ID: "t", Percent: pct(25)},
		{Action: ActionUpdate, ID: "t", Percent: pct(60)},
	}
	once, twice := NewBoard(), NewBoard()
	for _, m := range stream {
		once.Apply(m)
	}
	for _, m := range append(stream, stream...) {
		twice.Apply(m)
	}
	// A duplicate start does not reset progress; the last update wins.
	twice.Apply(stream[0])
	twice.Apply(stream[2])
	assert.Equal(t, once.Entries(), twice.Entries())
}

func TestBoardTerminalIsSticky(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Apply(Message{Action: ActionStart, ID: "t", Filename: "f"})
	b.Apply(Message{Action: ActionError, ID: "t", Percent: pct(30), Message: "could not reach storage"})
	b.Apply(Message{Action: ActionUpdate, ID: "t", Percent: pct(90)})
	b.Apply(Message{Action: ActionComplete, ID: "t"})
	b.Apply(Message{Action: ActionStart, ID: "t"})

	e, ok := b.Get("t")
	require.True(t, ok)
	assert.Equal(t, StatusError, e.Status)
	assert.InDelta(t, 30, e.Percent, 0.001)
	assert.Equal(t, "could not reach storage", e.Message)

	b.Apply(Message{Action: ActionUpdate})
	assert.Len(t, b.Entries(), 1, "messages without an id are ignored")
	b.Forget("t")
	assert.Empty(t, b.Entries())
}

func TestBoardFollowsReporter(t *testing.T) {
	t.Parallel()

	r := NewReporter()
	b := NewBoard()
	require.NoError(t, r.Listen(func(e Event) { b.Apply(NewMessage(e)) }))

	r.Start(Task{ID: "t", Key: "k", DisplayName: "k.Rdata", BytesTotal: 8})
	r.Update("t", 4, 8)
	e, _ := b.Get("t")
	assert.InDelta(t, 50, e.Percent, 0.001)

	r.Complete("t", "")
	e, _ = b.Get("t")
	assert.Equal(t, StatusComplete, e.Status)
}
