package chat

import (
	"minichat/gateway"
	"minichat/metrics"
	"minichat/presence"
	"minichat/protocol"
)

// TypingKind is the direction of a typing signal.
type TypingKind string

const (
	TypingStart TypingKind = protocol.EventTypingStart
	TypingStop  TypingKind = protocol.EventTypingStop
)

// TypingRelay forwards start/stop signals to the receiver's topic. Nothing
// is stored and there is no auto-stop: a start with no following stop
// leaves the receiving client showing "typing" until told otherwise.
type TypingRelay struct {
	registry *presence.Registry
	broker   *gateway.Broker
}

func NewTypingRelay(registry *presence.Registry, broker *gateway.Broker) *TypingRelay {
	return &TypingRelay{
		registry: registry,
		broker:   broker,
	}
}

// Notify relays the signal when `to` is currently online; an offline
// receiver is a silent drop, never an error.
func (r *TypingRelay) Notify(from, to string, kind TypingKind) {
	if kind != TypingStart && kind != TypingStop {
		return
	}
	if !r.registry.IsOnline(to) {
		return
	}
	r.broker.Publish(to, string(kind), &protocol.TypingNotice{From: from})
	metrics.TypingRelayed.Inc()
}
