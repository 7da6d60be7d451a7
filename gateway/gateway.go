package gateway

import (
	"sync"

	"github.com/golang/glog"

	"minichat/metrics"
)

// Event is one server-to-client notice addressed to a topic.
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"data,omitempty"`
}

// Subscriber receives events for a subscription. Deliver must not block:
// implementations queue or drop. Deliver returns false when the event was
// dropped.
type Subscriber interface {
	Deliver(evt Event) bool
}

// Tap receives a copy of every event that passes through the broker,
// regardless of whether any subscriber was reachable. Used for event export.
type Tap interface {
	Event(user string, evt Event)
}

// Subscription binds a subscriber to one user topic.
type Subscription struct {
	id   uint64
	user string
	sub  Subscriber
}

// User returns the topic this subscription is bound to.
func (s *Subscription) User() string { return s.user }

// Broker delivers events to every live subscription of a per-user topic.
// Delivery is fire-and-forget: no subscription at call time means the event
// is lost, by contract.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*Subscription
	tap    Tap
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[uint64]*Subscription),
	}
}

// SetTap installs the event tap. Must be called before the broker is shared.
func (b *Broker) SetTap(tap Tap) { b.tap = tap }

// Subscribe binds sub to user's topic and returns the subscription handle.
func (b *Broker) Subscribe(user string, sub Subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, user: user, sub: sub}
	t, ok := b.topics[user]
	if !ok {
		t = make(map[uint64]*Subscription)
		b.topics[user] = t
	}
	t[s.id] = s
	return s
}

// Unsubscribe removes the subscription. Events published after return are
// never delivered to it. Safe to call more than once.
func (b *Broker) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[s.user]; ok {
		delete(t, s.id)
		if len(t) == 0 {
			delete(b.topics, s.user)
		}
	}
}

// Publish delivers the event to every subscriber of user's topic. Events
// published sequentially to one topic reach each subscriber in publish order.
func (b *Broker) Publish(user, name string, payload interface{}) {
	evt := Event{Name: name, Payload: payload}

	b.mu.RLock()
	for _, s := range b.topics[user] {
		if !s.sub.Deliver(evt) {
			metrics.EventsDropped.Inc()
			glog.V(5).Infof("gateway: dropped %s for user %s: subscriber queue full", name, user)
		}
	}
	b.mu.RUnlock()

	if b.tap != nil {
		b.tap.Event(user, evt)
	}
}

// Broadcast delivers the event to every live subscription on every topic.
// Used for presence notices addressed to all connected users.
func (b *Broker) Broadcast(name string, payload interface{}) {
	evt := Event{Name: name, Payload: payload}

	b.mu.RLock()
	for user, t := range b.topics {
		for _, s := range t {
			if !s.sub.Deliver(evt) {
				metrics.EventsDropped.Inc()
				glog.V(5).Infof("gateway: dropped broadcast %s for user %s", name, user)
			}
		}
	}
	b.mu.RUnlock()

	if b.tap != nil {
		b.tap.Event("", evt)
	}
}
