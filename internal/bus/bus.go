package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Work-queue event topics.
const (
	TopicWorkQueued     = "work.queued"
	TopicWorkDispatched = "work.dispatched"
	TopicWorkPiped      = "work.piped"
	TopicWorkRetrying   = "work.retrying"
	TopicWorkDropped    = "work.dropped"
)

// Worker lifecycle event topics.
const (
	TopicWorkerStarted    = "worker.started"
	TopicWorkerResult     = "worker.result"
	TopicWorkerCompleted  = "worker.completed"
	TopicWorkerTimeout    = "worker.timeout"
	TopicWorkerFrameError = "worker.frame_error"
)

// IPC and delivery event topics.
const (
	TopicIPCEnvelope    = "ipc.envelope"
	TopicIPCQuarantined = "ipc.quarantined"
	TopicIPCRejected    = "ipc.rejected"
	TopicDeliverySent   = "delivery.sent"
	TopicDeliveryFailed = "delivery.failed"
)

// WorkEvent is published on queue transitions.
type WorkEvent struct {
	GroupID string // Destination group
	Kind    string // "message" or "task"
	Attempt int    // Retry attempt, 0 for first dispatch
}

// WorkerEvent is published on worker lifecycle transitions.
type WorkerEvent struct {
	GroupID string // Owning group
	RunID   string // Worker run ID
	Outcome string // Terminal outcome, empty for started/result events
}

// EnvelopeEvent is published when the IPC watcher accepts, rejects,
// or quarantines an envelope.
type EnvelopeEvent struct {
	GroupID string // Issuing group (by directory attribution)
	Type    string // Envelope type, e.g. "message", "schedule_task"
	Reason  string // Rejection/quarantine reason, empty on accept
}

// DeliveryEvent is published when an outbound message is sent or fails.
type DeliveryEvent struct {
	DestinationID string
	Error         string // empty on success
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
