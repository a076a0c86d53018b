package progress

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Topic is the bus topic every event is published on.
const Topic = "artifactcache:progress"

const (
	// DefaultRetain is the number of finished transfers kept for late observers.
	DefaultRetain = 10

	// DefaultRetainFor bounds how long a finished transfer is kept.
	DefaultRetainFor = 10 * time.Minute

	// unknownTotalStep is how many bytes must arrive between progress events
	// when the total size is unknown.
	unknownTotalStep = 1 << 20
)

// BatchPosition places a task within a multi-key request. Offset and Share
// are percentages of the whole request: the task covers the range
// [Offset, Offset+Share].
type BatchPosition struct {
	Index  int
	Count  int
	Offset float64
	Share  float64
}

// Task describes a transfer being started.
type Task struct {
	ID          string
	Key         string
	DisplayName string
	// BytesTotal is the expected size, or -1 when unknown.
	BytesTotal int64
	Batch      *BatchPosition
}

type record struct {
	Transfer
	step  int64
	batch *BatchPosition
}

// Reporter records transfer state and pushes events to listeners.
// It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	active    map[string]*record
	finished  []Transfer // oldest first
	retain    int
	retainFor time.Duration
	now       func() time.Time
	bus       evbus.Bus
	logger    *slog.Logger

	watchMu  sync.Mutex
	watchers map[*Watcher]struct{}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRetention sets how many finished transfers are kept and for how long.
// A zero duration disables the time bound.
func WithRetention(count int, d time.Duration) Option {
	return func(r *Reporter) {
		r.retain = count
		r.retainFor = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// NewReporter creates a Reporter.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{
		active:    make(map[string]*record),
		retain:    DefaultRetain,
		retainFor: DefaultRetainFor,
		now:       time.Now,
		bus:       evbus.New(),
		watchers:  make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retain < 0 {
		r.retain = 0
	}
	// fanout is a valid handler, so Subscribe cannot fail.
	_ = r.bus.Subscribe(Topic, r.fanout)
	return r
}

func (r *Reporter) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Listen registers fn on the push channel. fn runs synchronously on the
// goroutine reporting the event, before the reporting call returns, so it
// must be fast and must not block. Listeners live as long as the Reporter;
// use Watch for a subscription that can be closed.
func (r *Reporter) Listen(fn func(Event)) error {
	return r.bus.Subscribe(Topic, fn)
}

// Bus exposes the underlying event bus for components that subscribe to
// Topic directly.
func (r *Reporter) Bus() evbus.BusSubscriber {
	return r.bus
}

// Start opens a task and emits its start event. It reports false, emitting
// nothing, if id is already known.
func (r *Reporter) Start(t Task) bool {
	r.mu.Lock()
	if _, ok := r.active[t.ID]; ok || r.finishedLocked(t.ID) {
		r.mu.Unlock()
		r.log().Debug("duplicate progress start dropped", "task", t.ID)
		return false
	}
	total := t.BytesTotal
	if total < 0 {
		total = -1
	}
	rec := &record{
		Transfer: Transfer{
			ID:          t.ID,
			Key:         t.Key,
			DisplayName: t.DisplayName,
			State:       StatePending,
			StartedAt:   r.now(),
			BytesTotal:  total,
		},
		batch: t.Batch,
	}
	rec.Batch = rec.batchState()
	r.active[t.ID] = rec
	e := r.eventLocked(rec, PhaseStart, "")
	r.mu.Unlock()

	r.publish(e)
	return true
}

// Attempt records that backend is now serving task id. It changes the
// state table only.
func (r *Reporter) Attempt(id, backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[id]; ok {
		rec.Backend = backend
		rec.State = StateInFlight
	}
}

// Subscribe counts an additional waiter on task id. It reports false if the
// task is not active.
func (r *Reporter) Subscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	if ok {
		rec.Subscribers++
	}
	return ok
}

// Update records done of total bytes for task id. A progress event is
// emitted only when the percentage increases, or, with an unknown total
// (negative), each time another MiB has arrived.
func (r *Reporter) Update(id string, done, total int64) {
	r.mu.Lock()
	rec, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.State == StatePending {
		rec.State = StateInFlight
	}
	rec.BytesTransferred = done
	if total >= 0 {
		rec.BytesTotal = total
	}

	emit := false
	if total > 0 {
		if pct := clampPercent(float64(done) * 100 / float64(total)); pct > rec.Percent {
			rec.Percent = pct
			emit = true
		}
	} else if step := done / unknownTotalStep; step > rec.step {
		rec.step = step
		emit = true
	}
	if !emit {
		r.mu.Unlock()
		return
	}
	rec.Batch = rec.batchState()
	e := r.eventLocked(rec, PhaseProgress, "")
	r.mu.Unlock()

	r.publish(e)
}

// Complete finishes task id successfully.
func (r *Reporter) Complete(id, message string) {
	r.finish(id, PhaseComplete, message)
}

// Fail finishes task id with an error message.
func (r *Reporter) Fail(id, message string) {
	r.finish(id, PhaseError, message)
}

func (r *Reporter) finish(id string, phase Phase, message string) {
	r.mu.Lock()
	rec, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		r.log().Debug("progress event after terminal dropped", "task", id, "phase", string(phase))
		return
	}
	delete(r.active, id)

	now := r.now()
	rec.FinishedAt = now
	rec.Message = message
	if phase == PhaseComplete {
		rec.State = StateDone
		rec.Percent = 100
		if rec.BytesTotal < 0 {
			rec.BytesTotal = rec.BytesTransferred
		}
	} else {
		rec.State = StateFailed
	}
	rec.Batch = rec.batchState()
	e := r.eventLocked(rec, phase, message)

	r.finished = append(r.finished, rec.Transfer)
	r.pruneLocked(now)
	r.mu.Unlock()

	r.publish(e)
}

// Snapshot returns active transfers ordered by start time, followed by
// retained finished transfers, most recent first.
func (r *Reporter) Snapshot() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())

	out := make([]Transfer, 0, len(r.active)+len(r.finished))
	for _, rec := range r.active {
		out = append(out, rec.Transfer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	for i := len(r.finished) - 1; i >= 0; i-- {
		out = append(out, r.finished[i])
	}
	return out
}

// Lookup returns the transfer with id.
func (r *Reporter) Lookup(id string) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[id]; ok {
		return rec.Transfer, true
	}
	r.pruneLocked(r.now())
	for i := len(r.finished) - 1; i >= 0; i-- {
		if r.finished[i].ID == id {
			return r.finished[i], true
		}
	}
	return Transfer{}, false
}

// LookupKey returns the active transfer for key, or else the most recent
// retained one.
func (r *Reporter) LookupKey(key string) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.active {
		if rec.Key == key {
			return rec.Transfer, true
		}
	}
	r.pruneLocked(r.now())
	for i := len(r.finished) - 1; i >= 0; i-- {
		if r.finished[i].Key == key {
			return r.finished[i], true
		}
	}
	return Transfer{}, false
}

// Active returns the number of transfers that have not finished.
func (r *Reporter) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Reporter) finishedLocked(id string) bool {
	for _, t := range r.finished {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (r *Reporter) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(r.finished) {
		over := len(r.finished)-drop > r.retain
		expired := r.retainFor > 0 && now.Sub(r.finished[drop].FinishedAt) > r.retainFor
		if !over && !expired {
			break
		}
		drop++
	}
	if drop > 0 {
		r.finished = append(r.finished[:0:0], r.finished[drop:]...)
	}
}

func (r *Reporter) eventLocked(rec *record, phase Phase, message string) Event {
	e := Event{
		TaskID:      rec.ID,
		Key:         rec.Key,
		DisplayName: rec.DisplayName,
		Backend:     rec.Backend,
		Phase:       phase,
		Percent:     rec.Percent,
		Message:     message,
		BytesDone:   rec.BytesTransferred,
		BytesTotal:  rec.BytesTotal,
		Time:        r.now(),
	}
	if rec.Batch != nil {
		b := *rec.Batch
		e.Batch = &b
	}
	return e
}

func (rec *record) batchState() *Batch {
	if rec.batch == nil {
		return nil
	}
	return &Batch{
		Index:   rec.batch.Index,
		Count:   rec.batch.Count,
		Percent: clampPercent(rec.batch.Offset + rec.batch.Share*rec.Percent/100),
	}
}

func (r *Reporter) publish(e Event) {
	r.bus.Publish(Topic, e)
}

// Watcher is a buffered subscription to the push channel. Events that do
// not fit in the buffer are dropped and counted rather than blocking the
// transfer.
type Watcher struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Int64
	r       *Reporter
	once    sync.Once
}

// Watch returns a Watcher with the given buffer size (minimum 1).
func (r *Reporter) Watch(buffer int) *Watcher {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	w := &Watcher{C: ch, ch: ch, r: r}
	r.watchMu.Lock()
	r.watchers[w] = struct{}{}
	r.watchMu.Unlock()
	return w
}

// Dropped returns how many events did not fit in the buffer.
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops delivery and closes C.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.r.watchMu.Lock()
		delete(w.r.watchers, w)
		close(w.ch)
		w.r.watchMu.Unlock()
	})
}

func (r *Reporter) fanout(e Event) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for w := range r.watchers {
		select {
		case w.ch <- e:
		default:
			w.dropped.Add(1)
		}
	}
}
