package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventServerLaunched       EventType = "server.launched"
	EventServerLaunchFailed   EventType = "server.launch_failed"
	EventServerAdded          EventType = "server.added"
	EventServerDisabled       EventType = "server.disabled"
	EventHostRemoved          EventType = "host.removed"
	EventDeployStarted        EventType = "deploy.started"
	EventDeployPhaseCompleted EventType = "deploy.phase_completed"
	EventDeployPhaseFailed    EventType = "deploy.phase_failed"
	EventDeployCompleted      EventType = "deploy.completed"
	EventBuildPublished       EventType = "build.published"
)

// DefaultHistorySize is how many events Recent can return
const DefaultHistorySize = 256

// Event is a progress notification from rotation or deploy
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers and keeps a bounded history.
// A nil *Broker accepts and drops every event.
type Broker struct {
	subscribers map[Subscriber]bool
	history     []*Event
	historySize int
	mu          sync.RWMutex
	eventCh     chan *Event
	flushCh     chan chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		historySize: DefaultHistorySize,
		eventCh:     make(chan *Event, 100),
		flushCh:     make(chan chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Flush waits until every event published before the call has been handed
// to subscribers. The broker must be started.
func (b *Broker) Flush() {
	if b == nil {
		return
	}
	done := make(chan struct{})
	select {
	case b.flushCh <- done:
	case <-b.stopCh:
		return
	}
	select {
	case <-done:
	case <-b.stopCh:
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish records an event and queues it for subscribers. It never blocks;
// when the queue is full the event is only kept in history.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.mu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// Emit is shorthand for publishing an event built from its parts
func (b *Broker) Emit(t EventType, message string, metadata map[string]string) {
	b.Publish(&Event{Type: t, Message: message, Metadata: metadata})
}

// Recent returns up to n of the latest events, oldest first
func (b *Broker) Recent(n int) []*Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]*Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case done := <-b.flushCh:
			b.drain()
			close(done)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) drain() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		default:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
