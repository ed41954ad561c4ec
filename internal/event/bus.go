// Package event provides the pub/sub bus that fans server, connection, and
// status notifications out to their listeners, built on watermill.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	// ConnectionReady fires once both preview services are up; carries a
	// connection.ConnectionInfo.
	ConnectionReady EventType = "connection.ready"
	// HostReset fires when the configured host is reset to the default;
	// carries the new host string.
	HostReset EventType = "host.reset"
	// ServerStarted fires on the serving transition; carries the HTTP port.
	ServerStarted EventType = "server.started"
	// ServerStopped fires when the server is closed.
	ServerStopped EventType = "server.stopped"
	// StatusMessage carries a transient user-visible status string.
	StatusMessage EventType = "status.message"
)

// busTopic is the single gochannel topic all events travel over.
const busTopic = "previewd.events"

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// envelope pairs a routed message with its typed payload and target
// subscribers. Payloads carry arbitrary Go values, so they ride alongside
// the watermill message keyed by its UUID instead of being serialized into
// it.
type envelope struct {
	event Event
	subs  []Subscriber
	async bool
	done  chan struct{}
}

// Bus is a per-grouping event bus. Delivery is routed through watermill's
// gochannel: Publish hands the event to the gochannel, and a single
// dispatch loop drains the subscription and fans the event out to the
// typed subscriber registry. Each workspace grouping owns its own instance
// and closes it on teardown.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry
	inflight    map[string]*envelope

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// NewBus creates a new event bus and starts its dispatch loop.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[EventType][]subscriberEntry),
		inflight:     make(map[string]*envelope),
		closedCtx:    ctx,
		closedCancel: cancel,
	}

	msgs, err := b.pubsub.Subscribe(ctx, busTopic)
	if err != nil {
		// gochannel only errors once closed; a fresh instance cannot be.
		panic(err)
	}
	go b.dispatch(msgs)

	return b
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

// unsubscribe removes a subscriber for a specific event type.
func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// unsubscribeGlobal removes a global subscriber.
func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// collect gathers the subscribers for an event under the read lock.
func (b *Bus) collect(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// route publishes an event onto the gochannel and returns the envelope's
// done channel, or nil when the bus is closed.
func (b *Bus) route(ev Event, subs []Subscriber, async bool) chan struct{} {
	msg := message.NewMessage(watermill.NewUUID(), []byte(ev.Type))
	env := &envelope{event: ev, subs: subs, async: async, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.inflight[msg.UUID] = env
	b.mu.Unlock()

	if err := b.pubsub.Publish(busTopic, msg); err != nil {
		b.mu.Lock()
		delete(b.inflight, msg.UUID)
		b.mu.Unlock()
		return nil
	}
	return env.done
}

// dispatch drains the gochannel subscription and fans each event out to
// its subscribers. Events are delivered in publish order; the loop exits
// when Close cancels the subscription.
func (b *Bus) dispatch(msgs <-chan *message.Message) {
	for msg := range msgs {
		b.mu.Lock()
		env := b.inflight[msg.UUID]
		delete(b.inflight, msg.UUID)
		b.mu.Unlock()

		if env != nil {
			if env.async {
				for _, sub := range env.subs {
					go sub(env.event)
				}
			} else {
				for _, sub := range env.subs {
					sub(env.event)
				}
			}
			close(env.done)
		}
		msg.Ack()
	}
}

// Publish delivers an event to all subscribers and returns once every one
// of them has observed it. State transitions in this server happen on
// notification boundaries, so delivery-then-continue ordering is part of
// the contract. A subscriber that wants to emit a follow-up event must use
// PublishAsync; publishing synchronously from inside a handler would wait
// on the dispatch loop that is running it.
func (b *Bus) Publish(event Event) {
	done := b.route(event, b.collect(event.Type), false)
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-b.closedCtx.Done():
	}
}

// PublishAsync delivers an event with each subscriber in its own goroutine
// and without waiting. Used for fire-and-forget notifications where
// listeners must not be able to stall the publisher.
func (b *Bus) PublishAsync(event Event) {
	b.route(event, b.collect(event.Type), true)
}

// Close closes the bus and drops all subscribers. Further Publish and
// Subscribe calls are no-ops; publishers blocked in Publish are released.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.inflight = make(map[string]*envelope)
	b.mu.Unlock()

	return b.pubsub.Close()
}
