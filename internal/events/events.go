// Package events records wrapper and coordinator events in publish order.
// Subscribers receive every event after it is appended to the log.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/vrf_direct_funding/internal/app/domain/vrf"
)

// EventType classifies an event.
type EventType string

const (
	EventRequestSent          EventType = "RequestSent"
	EventRequestFulfilled     EventType = "RequestFulfilled"
	EventRandomWordsRequested EventType = "RandomWordsRequested"
	EventRandomWordsFulfilled EventType = "RandomWordsFulfilled"
)

// Event is one observable state change.
type Event struct {
	Seq         uint64         `json:"seq"`
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	RequestID   uint64         `json:"request_id"`
	NumWords    uint32         `json:"num_words,omitempty"`
	Paid        *uint256.Int   `json:"-"`
	RandomWords []*uint256.Int `json:"-"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MarshalJSON renders amounts as decimal strings.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := struct {
		alias
		Paid        string   `json:"paid,omitempty"`
		RandomWords []string `json:"random_words,omitempty"`
	}{alias: alias(e)}
	if e.Paid != nil {
		out.Paid = e.Paid.Dec()
	}
	if len(e.RandomWords) > 0 {
		out.RandomWords = vrf.DecAll(e.RandomWords)
	}
	return json.Marshal(out)
}

// Sink accepts published events.
type Sink interface {
	Publish(event Event) Event
}

// Handler processes events as they are published. Handlers must not publish.
type Handler func(Event)

// Filter decides whether an event reaches a handler.
type Filter func(Event) bool

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// Log is a bounded, thread-safe event log. Older events are overwritten once
// capacity is reached; sequence numbers keep increasing.
type Log struct {
	publishMu sync.Mutex

	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	seq      uint64
	handlers []handlerEntry
	nextID   int64
}

var _ Sink = (*Log)(nil)

// NewLog creates a log holding up to size events.
func NewLog(size int) *Log {
	if size <= 0 {
		size = 1000
	}
	return &Log{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish appends the event, assigns Seq, ID and Timestamp, and notifies
// subscribers in order.
func (l *Log) Publish(event Event) Event {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.events[l.head] = event
	l.head = (l.head + 1) % l.size
	if l.count < l.size {
		l.count++
	}

	handlers := make([]handlerEntry, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
	return event
}

// Subscribe registers a handler for all events and returns its cancel func.
func (l *Log) Subscribe(handler Handler) func() {
	return l.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (l *Log) SubscribeFiltered(filter Filter, handler Handler) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers = append(l.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, h := range l.handlers {
			if h.id == id {
				l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
				return
			}
		}
	}
}

// Since returns retained events with Seq greater than seq, oldest first.
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := l.count - 1; i >= 0; i-- {
		ev := l.events[(l.head-1-i+l.size)%l.size]
		if ev.Seq > seq {
			result = append(result, ev)
		}
	}
	return result
}

// Recent returns up to n most recent events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || l.count == 0 {
		return nil
	}
	if n > l.count {
		n = l.count
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = l.events[(l.head-1-i+l.size)%l.size]
	}
	return result
}

// ByRequest returns retained events for a request id, oldest first.
func (l *Log) ByRequest(requestID uint64) []Event {
	var result []Event
	for _, ev := range l.Since(0) {
		if ev.RequestID == requestID {
			result = append(result, ev)
		}
	}
	return result
}

// LastSeq returns the sequence number of the latest event.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Count returns the number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
