package job

import (
	"sync"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// Publisher receives lifecycle transition events at the point of transition.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ev Event)

// Publish implements the Publisher interface.
func (f PublisherFunc) Publish(ev Event) {
	if f == nil {
		return
	}
	f(ev)
}

// Bus fans transition events out to per-job-type subscribers. Delivery is
// non-blocking: a subscriber that is not keeping up drops events rather
// than stalling the publishing worker.
type Bus struct {
	mu   sync.Mutex
	subs map[model.JobType]map[chan Event]struct{}
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[model.JobType]map[chan Event]struct{}),
	}
}

// Subscribe registers for transition events of the given job type. It
// returns an unsubscribe function and the receiving channel.
func (b *Bus) Subscribe(jobType model.JobType) (func(), <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 16)
	if b.subs[jobType] == nil {
		b.subs[jobType] = make(map[chan Event]struct{})
	}
	b.subs[jobType][ch] = struct{}{}

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.subs[jobType]
		if subscribers == nil {
			return
		}
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			delete(b.subs, jobType)
		}
	}

	return unsub, ch
}

// Publish delivers the event to every subscriber of its job type.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.JobType] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for jobType, subscribers := range b.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(b.subs, jobType)
	}
}

// drainAndClose removes any buffered events before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan Event) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Publisher = (*Bus)(nil)
