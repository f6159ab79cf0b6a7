// Package events is the swarm's publish/subscribe layer: broadcast messages
// fan out to typed subscribers, direct messages reach one recipient (queued
// durably while they are offline), and acknowledgment-required messages stay
// pending until confirmed.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes a message. Handlers run synchronously on the publisher's
// goroutine; a panicking handler is captured and logged without affecting
// delivery to other subscribers.
type Handler func(Message)

// MessageStore persists direct and ack-required messages. Implemented by the
// durable store; nil disables persistence (broadcast-only buses in tests).
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	PendingMessages(ctx context.Context, recipient string) ([]*Message, error)
	MarkDelivered(ctx context.Context, messageID string) error
	AcknowledgeMessage(ctx context.Context, messageID, agentID string) (bool, error)
}

type subscription struct {
	id      int
	owner   string // Agent ID for agent-owned subscriptions, empty otherwise
	msgType string // Empty for subscribe-all
	handler Handler
}

// Bus routes messages between the coordinator and agents.
type Bus struct {
	mu       sync.RWMutex
	store    MessageStore
	nextID   int
	subs     map[string][]subscription // type -> subscribers
	allSubs  []subscription
	attached map[string]Handler // recipient agent ID -> direct handler
	closed   bool
}

// NewBus creates a bus. store may be nil, in which case offline direct
// messages are dropped instead of queued.
func NewBus(store MessageStore) *Bus {
	return &Bus{
		store:    store,
		subs:     make(map[string][]subscription),
		attached: make(map[string]Handler),
	}
}

// Subscribe registers a handler for one message type. Returns a subscription
// ID for Unsubscribe.
func (b *Bus) Subscribe(msgType string, handler Handler) int {
	return b.SubscribeAs("", msgType, handler)
}

// SubscribeAs registers a handler owned by an agent. Broadcasts published by
// that same agent skip its own subscriptions.
func (b *Bus) SubscribeAs(owner, msgType string, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[msgType] = append(b.subs[msgType], subscription{id: b.nextID, owner: owner, msgType: msgType, handler: handler})
	return b.nextID
}

// SubscribeAll registers a handler for every message type.
func (b *Bus) SubscribeAll(handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.allSubs = append(b.allSubs, subscription{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for msgType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[msgType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, sub := range b.allSubs {
		if sub.id == id {
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			return
		}
	}
}

// Publish broadcasts a message to all subscribers of its type (and all-type
// subscribers) except subscriptions owned by the sender. Handler panics are
// isolated per subscriber.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]subscription, 0, len(b.subs[msg.Type])+len(b.allSubs))
	handlers = append(handlers, b.subs[msg.Type]...)
	handlers = append(handlers, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range handlers {
		if sub.owner != "" && sub.owner == msg.Sender {
			continue
		}
		b.deliver(sub.handler, msg)
	}
}

// SendTo delivers a message directly to one agent. Online recipients get it
// immediately; offline recipients get it queued durably and drained on
// Attach. Ack-required messages are always persisted so the ack can be
// recorded.
func (b *Bus) SendTo(ctx context.Context, recipient string, msg Message) error {
	if recipient == "" {
		return fmt.Errorf("direct message requires a recipient")
	}
	msg.Recipient = recipient

	b.mu.RLock()
	handler, online := b.attached[recipient]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("bus is closed")
	}

	if b.store != nil && (msg.RequiresAck || !online) {
		if err := b.store.SaveMessage(ctx, &msg); err != nil {
			return err
		}
	}

	if !online {
		if b.store == nil {
			return fmt.Errorf("recipient %s is offline and no message store is configured", recipient)
		}
		return nil // queued for later
	}

	b.deliver(handler, msg)
	if b.store != nil && !msg.RequiresAck {
		// Ack-required messages are marked delivered only on acknowledge.
		if err := b.store.MarkDelivered(ctx, msg.ID); err != nil {
			slog.Warn("failed to mark message delivered", "message_id", msg.ID, "err", err)
		}
	}
	return nil
}

// Attach registers an agent's direct-message handler and drains any messages
// queued while it was offline.
func (b *Bus) Attach(ctx context.Context, agentID string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.attached[agentID] = handler
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}

	pending, err := b.store.PendingMessages(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load queued messages for %s: %w", agentID, err)
	}
	for _, msg := range pending {
		if msg.Expired() {
			continue
		}
		b.deliver(handler, *msg)
		if !msg.RequiresAck {
			if err := b.store.MarkDelivered(ctx, msg.ID); err != nil {
				slog.Warn("failed to mark queued message delivered", "message_id", msg.ID, "err", err)
			}
		}
	}
	return nil
}

// Detach removes an agent's direct-message handler. Subsequent SendTo calls
// queue instead.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attached, agentID)
}

// Acknowledge records the recipient's confirmation of an ack-required
// message. Returns false if the message is unknown, already acknowledged, or
// addressed to someone else.
func (b *Bus) Acknowledge(ctx context.Context, messageID, agentID string) (bool, error) {
	if b.store == nil {
		return false, fmt.Errorf("acknowledgment requires a message store")
	}
	return b.store.AcknowledgeMessage(ctx, messageID, agentID)
}

// Close stops all delivery. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]subscription)
	b.allSubs = nil
	b.attached = make(map[string]Handler)
}

// deliver invokes one handler with panic isolation so a failing observer
// cannot break delivery to others.
func (b *Bus) deliver(handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "type", msg.Type, "message_id", msg.ID, "panic", r)
		}
	}()
	handler(msg)
}
