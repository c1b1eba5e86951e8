// Package eventbus fans job lifecycle events out to in-process observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types.
const (
	JobScheduled    = "job.scheduled"
	JobRunStarted   = "job.run.started"
	JobRunCompleted = "job.run.completed"
	JobRetry        = "job.retry"
	JobAbandoned    = "job.abandoned"
	JobRearmed      = "job.rearmed"
	ClockSkew       = "clock.skew"
)

// Event is one lifecycle signal. Data is a small JSON-friendly value.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus delivers without blocking the publisher: a full subscriber misses the
// event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &memBus{} }

type memBus struct {
	// mu is read-held for the whole fanout, so unsubscribe (write) can never
	// close a channel that is being sent on.
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == ch {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// Dropped reports deliveries skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, at time.Time, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: at, Data: data})
}
