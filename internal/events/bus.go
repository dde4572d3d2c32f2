package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderSubmitted       EventType = "ORDER_SUBMITTED"
	EventOrderStatusChanged   EventType = "ORDER_STATUS_CHANGED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventOrderModified        EventType = "ORDER_MODIFIED"
	EventBracketStatusChanged EventType = "BRACKET_STATUS_CHANGED"
	EventConnectionLost       EventType = "CONNECTION_LOST"
	EventConnectionRestored   EventType = "CONNECTION_RESTORED"
	EventReconcileCompleted   EventType = "RECONCILE_COMPLETED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines and must not assume ordering between events.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderSubmitted publishes an order submitted event
func (eb *EventBus) PublishOrderSubmitted(orderID int64, symbol, action, orderType string, quantity float64, status string) {
	eb.Publish(Event{
		Type: EventOrderSubmitted,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"action":     action,
			"order_type": orderType,
			"quantity":   quantity,
			"status":     status,
		},
	})
}

// PublishOrderStatusChanged publishes a status transition. resolution is empty
// when the gateway reported the status directly.
func (eb *EventBus) PublishOrderStatusChanged(orderID int64, symbol, from, to, resolution string) {
	eb.Publish(Event{
		Type: EventOrderStatusChanged,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"from":       from,
			"to":         to,
			"resolution": resolution,
		},
	})
}

// PublishOrderFilled publishes an order filled event
func (eb *EventBus) PublishOrderFilled(orderID int64, symbol string, quantity, avgPrice float64, resolution string) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"quantity":   quantity,
			"avg_price":  avgPrice,
			"resolution": resolution,
		},
	})
}

// PublishOrderCancelled publishes an order cancelled event
func (eb *EventBus) PublishOrderCancelled(orderID int64, symbol, resolution string) {
	eb.Publish(Event{
		Type: EventOrderCancelled,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"resolution": resolution,
		},
	})
}

// PublishOrderModified publishes an order modified event
func (eb *EventBus) PublishOrderModified(orderID int64, symbol string, changes map[string]interface{}) {
	eb.Publish(Event{
		Type: EventOrderModified,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"changes":  changes,
		},
	})
}

// PublishBracketStatusChanged publishes a bracket status change
func (eb *EventBus) PublishBracketStatusChanged(ocaGroup, from, to string) {
	eb.Publish(Event{
		Type: EventBracketStatusChanged,
		Data: map[string]interface{}{
			"oca_group": ocaGroup,
			"from":      from,
			"to":        to,
		},
	})
}

// PublishConnectionLost publishes a gateway link loss
func (eb *EventBus) PublishConnectionLost(slot, clientID int, reason string) {
	eb.Publish(Event{
		Type: EventConnectionLost,
		Data: map[string]interface{}{
			"slot":      slot,
			"client_id": clientID,
			"reason":    reason,
		},
	})
}

// PublishConnectionRestored publishes a gateway link (re)establishment
func (eb *EventBus) PublishConnectionRestored(slot, clientID int, sessionID string) {
	eb.Publish(Event{
		Type: EventConnectionRestored,
		Data: map[string]interface{}{
			"slot":       slot,
			"client_id":  clientID,
			"session_id": sessionID,
		},
	})
}

// PublishReconcileCompleted publishes the summary of a reconciliation pass
func (eb *EventBus) PublishReconcileCompleted(live, updated, resolved int) {
	eb.Publish(Event{
		Type: EventReconcileCompleted,
		Data: map[string]interface{}{
			"live":     live,
			"updated":  updated,
			"resolved": resolved,
		},
	})
}
