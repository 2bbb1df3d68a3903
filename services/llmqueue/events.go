package llmqueue

import (
	"sync"
	"time"
)

// EventType names a request state transition.
type EventType string

const (
	EventEnqueued   EventType = "enqueued"
	EventProcessing EventType = "processing"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventRetried    EventType = "retried"
	EventRequeued   EventType = "requeued"
)

// Event describes one transition of one request.
type Event struct {
	Type         EventType `json:"type"`
	RequestID    string    `json:"request_id"`
	Task         Task      `json:"task"`
	Priority     Priority  `json:"priority"`
	State        State     `json:"state"`
	Scope        Scope     `json:"scope"`
	Attempts     int       `json:"attempts"`
	UsedProvider string    `json:"used_provider,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetriedAs    string    `json:"retried_as,omitempty"`
	At           time.Time `json:"at"`
}

func newEvent(t EventType, r *Request, at time.Time) Event {
	e := Event{
		Type:      t,
		RequestID: r.ID,
		Task:      r.Task,
		Priority:  r.Priority,
		State:     r.State,
		Scope:     r.Scope,
		Attempts:  r.Attempts,
		ErrorKind: r.LastErrorKind,
		Error:     r.LastError,
		RetriedAs: r.RetriedAs,
		At:        at,
	}
	if r.Result != nil {
		e.UsedProvider = r.Result.UsedProvider
	}
	return e
}

// EventPublisher receives transition events. Publish must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MultiPublisher fans events out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

const defaultSubscriberBuffer = 100

// Broadcaster delivers every event to every subscriber. A subscriber whose
// buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultSubscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

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

var (
	_ EventPublisher = (*Broadcaster)(nil)
	_ EventPublisher = (*MemoryPublisher)(nil)
	_ EventPublisher = MultiPublisher(nil)
)
