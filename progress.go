package rkflash

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the coarse step of an operation.
type Phase string

const (
	PhaseDetecting         Phase = "detecting"
	PhaseConnecting        Phase = "connecting"
	PhaseLoadingBootloader Phase = "loading_bootloader"
	PhaseWriting           Phase = "writing"
	PhaseVerifying         Phase = "verifying"
	PhaseCompleted         Phase = "completed"
	PhaseFailed            Phase = "failed"
)

func (p Phase) terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// Event is a progress report of one operation.
type Event struct {
	OperationID  uuid.UUID
	Phase        Phase
	Percent      int // 0-100, non-decreasing within a phase
	Message      string
	BytesWritten int64
	TotalBytes   int64
	Elapsed      time.Duration

	// Err and Kind are set on PhaseFailed events.
	Err  error
	Kind string
}

// ProgressFunc receives progress events.
type ProgressFunc func(Event)

// Operation is the state of one in-flight flash operation. It is owned by the
// goroutine running the operation; listeners only see Event copies.
type Operation struct {
	ID uuid.UUID

	phase        Phase
	percent      int
	message      string
	bytesWritten int64
	totalBytes   int64
	start        time.Time
	sink         ProgressFunc
}

func newOperation(sink ProgressFunc) *Operation {
	return &Operation{
		ID:    uuid.New(),
		start: time.Now(),
		sink:  sink,
	}
}

// Phase returns the current phase.
func (o *Operation) Phase() Phase { return o.phase }

// Snapshot returns the current state as an event.
func (o *Operation) Snapshot() Event {
	return Event{
		OperationID:  o.ID,
		Phase:        o.phase,
		Percent:      o.percent,
		Message:      o.message,
		BytesWritten: o.bytesWritten,
		TotalBytes:   o.totalBytes,
		Elapsed:      time.Since(o.start),
	}
}

func (o *Operation) emit(e Event) {
	if o.sink != nil {
		o.sink(e)
	}
}

// enter switches to phase and resets the percentage.
func (o *Operation) enter(phase Phase, msg string) {
	if o.phase.terminal() {
		return
	}
	o.phase = phase
	o.percent = 0
	o.message = msg
	o.bytesWritten = 0
	o.totalBytes = 0
	o.emit(o.Snapshot())
}

// update reports percent within the current phase. Values below the last
// reported one are raised to it.
func (o *Operation) update(percent int, msg string) {
	if o.phase.terminal() {
		return
	}
	percent = min(max(percent, o.percent), 100)
	o.percent = percent
	if msg != "" {
		o.message = msg
	}
	o.emit(o.Snapshot())
}

// transferred reports byte progress; the percentage is linear in bytes.
func (o *Operation) transferred(written, total int64, msg string) {
	o.transferredSpan(written, total, 0, 100, msg)
}

// transferredSpan is transferred with the bytes mapped onto [from, to]
// percent, leaving the rest of the phase to other steps.
func (o *Operation) transferredSpan(written, total int64, from, to int, msg string) {
	if o.phase.terminal() {
		return
	}
	o.bytesWritten = written
	o.totalBytes = total
	pct := to
	if total > 0 {
		pct = from + int(written*int64(to-from)/total)
	}
	o.update(pct, msg)
}

func (o *Operation) complete(msg string) {
	if o.phase.terminal() {
		return
	}
	o.phase = PhaseCompleted
	o.percent = 100
	o.message = msg
	o.emit(o.Snapshot())
}

func (o *Operation) fail(err error) {
	if o.phase.terminal() {
		return
	}
	o.phase = PhaseFailed
	o.message = err.Error()
	e := o.Snapshot()
	e.Err = err
	e.Kind = Kind(err)
	o.emit(e)
}

// Broadcaster fans the events of an operation out to several listeners.
// Publish never blocks: a listener whose buffer is full misses events.
//
// Example:
//
//	b := rkflash.NewBroadcaster()
//	events, cancel := b.Subscribe(64)
//	defer cancel()
//	go render(events)
//	err := rkflash.WriteImage(ctx, dev, kind, img, rkflash.WithProgress(b.Publish))
//	b.Close()
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned function unsubscribes it and
// closes its channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every listener. It has the ProgressFunc signature.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every listener channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
