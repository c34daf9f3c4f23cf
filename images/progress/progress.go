// Package progress reports the advancement of long-running image tasks to
// observers, without letting the observers slow the task down.
package progress

import (
	"math"
	"sync"
	"time"
)

// Interval is the minimum time between two notifications of the same kind.
const Interval = time.Second / 60

type Task int

const (
	NoTask Task = iota
	Optimize
	Compact
	Copy
)

func (t Task) String() string {
	switch t {
	case Optimize:
		return "optimize"
	case Compact:
		return "compact"
	case Copy:
		return "copy"
	default:
		return "none"
	}
}

// Progress is a snapshot of a running or completed task.
type Progress struct {
	Task  Task
	Start time.Time
	// Value is between 0 and 1.
	Value float32
	Done  bool
}

// Idle is the progress reported when no task is running.
func Idle() Progress {
	return Progress{Task: NoTask, Value: 1, Done: true}
}

// Event is what observers receive: either a Progress or a snapshot of the
// observed object's state, whose type is up to the object.
type Event any

type Observer interface {
	OnUpdate(source any, event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(source any, event Event)

func (f ObserverFunc) OnUpdate(source any, event Event) {
	f(source, event)
}

type subscriber struct {
	observer  Observer
	wantsView bool
}

// Broadcaster keeps the observers of one object. Progress goes to every
// observer; state snapshots only to those that asked for them. The most recently
// added observer is notified first.
type Broadcaster struct {
	lock        sync.Mutex
	subscribers []*subscriber
}

// Subscribe adds an observer and returns a function removing it.
func (b *Broadcaster) Subscribe(observer Observer, wantsView bool) func() {
	entry := &subscriber{observer: observer, wantsView: wantsView}

	b.lock.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.lock.Unlock()

	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		for i, other := range b.subscribers {
			if other == entry {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// targets returns the observers to notify, newest first.
func (b *Broadcaster) targets(view bool) []Observer {
	b.lock.Lock()
	defer b.lock.Unlock()

	observers := make([]Observer, 0, len(b.subscribers))
	for i := len(b.subscribers) - 1; i >= 0; i-- {
		if !view || b.subscribers[i].wantsView {
			observers = append(observers, b.subscribers[i].observer)
		}
	}
	return observers
}

func (b *Broadcaster) HasObservers() bool {
	return len(b.targets(false)) > 0
}

func (b *Broadcaster) HasViewObservers() bool {
	return len(b.targets(true)) > 0
}

func (b *Broadcaster) NotifyProgress(source any, progress Progress) {
	for _, observer := range b.targets(false) {
		observer.OnUpdate(source, progress)
	}
}

func (b *Broadcaster) NotifyView(source any, view Event) {
	for _, observer := range b.targets(true) {
		observer.OnUpdate(source, view)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Tracker follows one run of a task. Progress and view notifications are each
// sent at most once per Interval, except that reaching the maximum always
// notifies, and End always does.
type Tracker struct {
	// OnStep, if set, is called with the completed fraction every time progress is
	// reported.
	OnStep func(fraction float32)

	broadcaster *Broadcaster
	source      any
	task        Task
	maximum     int64
	value       int64
	start       time.Time
	lastValue   time.Time
	lastView    time.Time
	now         func() time.Time
}

// Track starts following a task whose work adds up to `maximum` steps. `now` is
// the clock to use; nil means [time.Now].
func (b *Broadcaster) Track(source any, task Task, maximum int64, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		broadcaster: b,
		source:      source,
		task:        task,
		maximum:     maximum,
		start:       now(),
		now:         now,
	}
}

// Step records `n` more units of work done.
func (t *Tracker) Step(n int64) {
	t.value += n
	if t.maximum <= 0 || t.value < 0 || !t.broadcaster.HasObservers() {
		return
	}

	now := t.now()
	if now.Sub(t.lastValue) <= Interval && t.value != t.maximum {
		return
	}
	t.lastValue = now

	fraction := min(float32(1), float32(t.value)/float32(t.maximum))
	t.broadcaster.NotifyProgress(t.source, Progress{Task: t.task, Start: t.start, Value: fraction})
	if t.OnStep != nil {
		t.OnStep(fraction)
	}
}

// View sends a state snapshot to the observers that want one, if enough time has
// passed since the last one. `snapshot` is only called when needed.
func (t *Tracker) View(snapshot func() Event) {
	if !t.broadcaster.HasViewObservers() {
		return
	}
	now := t.now()
	if now.Sub(t.lastView) <= Interval {
		return
	}
	t.lastView = now
	t.broadcaster.NotifyView(t.source, snapshot())
}

// End reports the task as done.
func (t *Tracker) End() {
	t.broadcaster.NotifyProgress(
		t.source, Progress{Task: t.task, Start: t.start, Value: 1, Done: true})
}

// Extrapolate estimates how much of `initial` is left once `fraction` of a task
// that consumes it evenly has run.
func Extrapolate(initial int, fraction float32) int {
	return int(math.Round(float64(initial) * float64(1-fraction)))
}
