// Package events carries probe lifecycle notifications from the client to any
// number of consumers.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"lukechampine.com/uint128"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_events_published_total",
		Help: "Probe events published to the bus",
	}, []string{"kind"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_events_dropped_total",
		Help: "Probe events dropped because a subscriber was full",
	}, []string{"kind"})
)

type Kind int

const (
	Sent Kind = iota
	Received
)

func (k Kind) String() string {
	switch k {
	case Sent:
		return "sent"
	case Received:
		return "received"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a value copy of one probe transition. Time is the send time for
// Sent and the local receive time for Received, both in epoch milliseconds.
type Event struct {
	Kind  Kind
	Index uint64
	Time  uint128.Uint128
}

func NewSent(index uint64, sentTime uint128.Uint128) Event {
	return Event{Kind: Sent, Index: index, Time: sentTime}
}

func NewReceived(index uint64, receivedTime uint128.Uint128) Event {
	return Event{Kind: Received, Index: index, Time: receivedTime}
}

// Publisher accepts events from the client. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Bus fans events out to subscribers. Each subscriber owns a buffered channel;
// a full subscriber loses the event instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool

	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer with the given channel capacity. The channel
// is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	eventsPublished.WithLabelValues(e.Kind.String()).Inc()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			eventsDropped.WithLabelValues(e.Kind.String()).Inc()
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries lost to full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
