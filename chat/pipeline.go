// Package chat advances messages through the delivery lifecycle
// (sent -> delivered -> read) and relays ephemeral typing signals.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"minichat/gateway"
	"minichat/metrics"
	"minichat/presence"
	"minichat/protocol"
	"minichat/store"
)

// ErrInvalidPayload rejects a send with empty text or receiver. Nothing is
// persisted in that case.
var ErrInvalidPayload = errors.New("chat: invalid payload")

// Pipeline creates message records, decides fan-out and advances status.
// It holds no message state beyond one call; the store is system of record.
type Pipeline struct {
	store    store.MessageStore
	registry *presence.Registry
	broker   *gateway.Broker
}

func NewPipeline(ms store.MessageStore, registry *presence.Registry, broker *gateway.Broker) *Pipeline {
	return &Pipeline{
		store:    ms,
		registry: registry,
		broker:   broker,
	}
}

// Send persists a new message at status sent, echoes it to the sender and,
// when the receiver is currently reachable, pushes it at status delivered.
//
// The sender echo is authoritative: it carries the server-assigned id and
// timestamp. Delivery status is a courtesy signal only; if the receiver
// disconnects between the presence check and the push, the push no-ops and
// the receiver recovers the message from history later.
func (p *Pipeline) Send(ctx context.Context, sender, receiver, text string) (*store.Message, error) {
	if receiver == "" || strings.TrimSpace(text) == "" {
		return nil, ErrInvalidPayload
	}

	msg := &store.Message{
		Sender:   sender,
		Receiver: receiver,
		Text:     text,
		Status:   store.StatusSent,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		metrics.StoreErrors.Inc()
		return nil, fmt.Errorf("create message: %w", err)
	}
	metrics.MessagesSent.Inc()

	// Always echo to the sender first, at status sent.
	p.broker.Publish(sender, protocol.EventMessageNew, msg)

	// Presence is consulted strictly after the persistence call; no registry
	// lock is held while the store call is in flight.
	if !p.registry.IsOnline(receiver) {
		return msg, nil
	}

	delivered := *msg
	delivered.Status = store.StatusDelivered
	p.broker.Publish(receiver, protocol.EventMessageNew, &delivered)
	metrics.MessagesDelivered.Inc()

	if _, err := p.store.AdvanceStatus(ctx, msg.ID, store.StatusDelivered); err != nil {
		// The message is already committed at sent; the delivered upgrade is
		// a courtesy. Skip the status notice rather than failing the send.
		metrics.StoreErrors.Inc()
		glog.Errorf("advance %s to delivered err: %v", msg.ID, err)
		return msg, nil
	}

	p.broker.Publish(sender, protocol.EventMessageStatus, &protocol.StatusNotice{
		ID:     msg.ID,
		Status: store.StatusDelivered,
	})
	return msg, nil
}

// MarkRead advances the message to status read and broadcasts the updated
// message to both parties. Idempotent: re-marking an already-read message
// is not an error and produces the identical broadcast.
//
// The requester must be the message's sender or receiver; anyone else gets
// ErrNotFound so message ids do not leak existence.
func (p *Pipeline) MarkRead(ctx context.Context, msgID, requester string) (*store.Message, error) {
	msg, err := p.store.GetMessage(ctx, msgID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.StoreErrors.Inc()
		}
		return nil, err
	}

	if requester != msg.Sender && requester != msg.Receiver {
		glog.V(5).Infof("mark read: %s is not a party of message %s", requester, msgID)
		return nil, store.ErrNotFound
	}

	alreadyRead := msg.Status == store.StatusRead

	updated, err := p.store.AdvanceStatus(ctx, msgID, store.StatusRead)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.StoreErrors.Inc()
		}
		return nil, err
	}
	if !alreadyRead {
		metrics.MessagesRead.Inc()
	}

	p.broker.Publish(updated.Sender, protocol.EventMessageRead, updated)
	p.broker.Publish(updated.Receiver, protocol.EventMessageRead, updated)
	return updated, nil
}
