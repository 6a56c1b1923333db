package gateway

import (
	"sync"
	"time"
)

// maxQueuedEvents caps how many unacked events a single device queue holds
// before the oldest are dropped; a device that never polls shouldn't grow
// the gateway's memory without bound.
const maxQueuedEvents = 1000

// GatewayEvent is one entry in a device's event queue: a tool result,
// assistant message, or status update the device polls for.
type GatewayEvent struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type eventQueue struct {
	mu      sync.Mutex
	events  []GatewayEvent
	nextSeq int64
}

func (q *eventQueue) push(eventType string, payload any) GatewayEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	event := GatewayEvent{
		Seq:       q.nextSeq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	q.events = append(q.events, event)
	if len(q.events) > maxQueuedEvents {
		q.events = q.events[len(q.events)-maxQueuedEvents:]
	}
	return event
}

func (q *eventQueue) poll(since int64, limit int) []GatewayEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []GatewayEvent
	for _, e := range q.events {
		if e.Seq <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ack drops every event up to and including seq: the caller has durably
// recorded them and will never poll with a cursor at or before seq again.
func (q *eventQueue) ack(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.events[:0]
	for _, e := range q.events {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	q.events = kept
}

// EventBroker routes gateway events to per-device poll queues.
type EventBroker struct {
	mu     sync.Mutex
	queues map[string]*eventQueue // deviceID -> queue
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{queues: make(map[string]*eventQueue)}
}

func (b *EventBroker) queueFor(deviceID string) *eventQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[deviceID]
	if !ok {
		q = &eventQueue{}
		b.queues[deviceID] = q
	}
	return q
}

// Publish enqueues an event of eventType/payload for deviceID.
func (b *EventBroker) Publish(deviceID, eventType string, payload any) GatewayEvent {
	return b.queueFor(deviceID).push(eventType, payload)
}

// Poll returns deviceID's events with Seq > since, capped at limit (0 = no cap).
func (b *EventBroker) Poll(deviceID string, since int64, limit int) []GatewayEvent {
	return b.queueFor(deviceID).poll(since, limit)
}

// Ack acknowledges deviceID's events up to and including seq.
func (b *EventBroker) Ack(deviceID string, seq int64) {
	b.queueFor(deviceID).ack(seq)
}
