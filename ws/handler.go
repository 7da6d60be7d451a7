package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"minichat/chat"
	"minichat/gateway"
	"minichat/protocol"
	"minichat/store"
)

type closeCause int

const (
	readError closeCause = iota + 1
	writeError
	pingError
	badRequest
	serverStop
	kickedOff
	closedByPeer
)

// Session lifecycle states. A session is created Connecting, moves through
// Authenticated to Active when it is wired into presence and the broker,
// and ends Closed. Closed is terminal: a reconnect is a new session.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

// Handler manages one active connection to an end user.
// Every new websocket connection creates a new session.
type Handler struct {
	mu sync.Mutex

	hub     *Hub
	session *Session
	state   int32 // sessionState
	conn    *websocket.Conn
	sub     *gateway.Subscription

	dataChan chan *sessionData
	closing  bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	cause closeCause
	frame *gateway.Event
	kick  bool
}

// Handler is the registry's connection handle.
func (h *Handler) SID() string          { return h.session.SID }
func (h *Handler) Identity() string     { return h.session.Identity }
func (h *Handler) CreatedAt() time.Time { return h.session.CreateTime }

func (h *Handler) setState(s sessionState) { atomic.StoreInt32(&h.state, int32(s)) }
func (h *Handler) State() sessionState     { return sessionState(atomic.LoadInt32(&h.state)) }

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

// Deliver implements gateway.Subscriber: queue the event for the send loop
// without blocking the publisher. A full queue drops the event, per the
// broker's fire-and-forget contract.
func (h *Handler) Deliver(evt gateway.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return true
	}
	select {
	case h.dataChan <- &sessionData{frame: &evt}:
		return true
	default:
		return false
	}
}

func (h *Handler) appendDataChan(v *sessionData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

// kick tells a superseded handler to shut down. The subscription is removed
// first so no further events addressed to the identity reach it.
func (h *Handler) kick() {
	h.hub.broker.Unsubscribe(h.sub)
	glog.V(5).Infof("kickoff session: %s", h)
	h.appendDataChan(&sessionData{
		frame: &gateway.Event{Name: protocol.EventKickoff},
		kick:  true,
	})
}

func (h *Handler) close(cause closeCause) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)
	h.mu.Unlock()

	h.setState(stateClosed)

	if cause != serverStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// drop takes the broker and registry locks; never call it while
		// holding h.mu or a publish may deadlock against us.
		h.hub.drop(h)
	}
}

// eventHandlers is the dispatch table for inbound client frames, keyed by
// event name. Handlers return a client-visible error or nil; emissions go
// through the broker.
var eventHandlers = map[string]func(h *Handler, data json.RawMessage) *protocol.Error{
	protocol.EventMessageSend: (*Handler).onMessageSend,
	protocol.EventMessageRead: (*Handler).onMessageRead,
	protocol.EventTypingStart: (*Handler).onTypingStart,
	protocol.EventTypingStop:  (*Handler).onTypingStop,
}

func (h *Handler) onMessageSend(data json.RawMessage) *protocol.Error {
	var req protocol.SendReq
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.NewInvalidArgumentError("message:send: malformed payload")
	}

	_, err := h.hub.pipeline.Send(context.Background(), h.session.Identity, req.Receiver, req.Text)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidPayload) {
			return protocol.NewInvalidArgumentError("message:send: empty receiver or text")
		}
		glog.Errorf("onMessageSend(): %v, session: %s", err, h)
		return protocol.NewInternalError()
	}
	return nil
}

func (h *Handler) onMessageRead(data json.RawMessage) *protocol.Error {
	var req protocol.ReadReq
	if err := json.Unmarshal(data, &req); err != nil || req.MsgID == "" {
		return protocol.NewInvalidArgumentError("message:read: malformed payload")
	}

	_, err := h.hub.pipeline.MarkRead(context.Background(), req.MsgID, h.session.Identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NewNotFoundError("message:read: unknown message")
		}
		glog.Errorf("onMessageRead(): %v, session: %s", err, h)
		return protocol.NewInternalError()
	}
	return nil
}

func (h *Handler) onTypingStart(data json.RawMessage) *protocol.Error {
	return h.relayTyping(data, chat.TypingStart)
}

func (h *Handler) onTypingStop(data json.RawMessage) *protocol.Error {
	return h.relayTyping(data, chat.TypingStop)
}

// Typing is best-effort by contract: malformed or undeliverable signals are
// silently dropped, never errors.
func (h *Handler) relayTyping(data json.RawMessage, kind chat.TypingKind) *protocol.Error {
	var req protocol.TypingReq
	if err := json.Unmarshal(data, &req); err != nil || req.Receiver == "" {
		return nil
	}
	h.hub.typing.Notify(h.session.Identity, req.Receiver, kind)
	return nil
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&sessionData{cause: readError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			h.appendDataChan(&sessionData{frame: errorFrame(
				protocol.NewInvalidArgumentError("websocket only supports TextMessage"))})
			h.appendDataChan(&sessionData{cause: badRequest})
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			glog.Errorf("recvLoop(): frame error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&sessionData{frame: errorFrame(
				protocol.NewInvalidArgumentError("malformed frame"))})
			h.appendDataChan(&sessionData{cause: badRequest})
			return
		}

		fn, ok := eventHandlers[frame.Event]
		if !ok {
			glog.Errorf("recvLoop(): unsupported event: %q", frame.Event)
			h.appendDataChan(&sessionData{frame: errorFrame(
				protocol.NewInvalidArgumentError("unsupported event: " + frame.Event))})
			h.appendDataChan(&sessionData{cause: badRequest})
			return
		}

		// A failing operation answers with an error frame and keeps the
		// session alive; only protocol-level garbage closes it.
		if perr := fn(h, frame.Data); perr != nil {
			h.appendDataChan(&sessionData{frame: errorFrame(perr)})
		}
	}
}

func errorFrame(perr *protocol.Error) *gateway.Event {
	return &gateway.Event{Name: protocol.EventError, Payload: perr}
}

func sendFrame(conn *websocket.Conn, frame *gateway.Event) error {
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				return
			}

			if v.cause > 0 {
				h.close(v.cause)
				return
			}

			if err := sendFrame(h.conn, v.frame); err != nil {
				glog.Errorf("sendLoop(): error write frame, session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{cause: writeError})
				return
			}
			if v.kick {
				h.close(kickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping, session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{cause: pingError})
				return
			}
		}
	}
}
