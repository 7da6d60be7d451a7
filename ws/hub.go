package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"minichat/auth"
	"minichat/chat"
	"minichat/gateway"
	"minichat/metrics"
	"minichat/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The node is expected to sit behind a reverse proxy that enforces the
	// allowed origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is the explicit per-connection record: who owns the connection
// and when it was created. One websocket connection, one session; a
// reconnect creates a new session.
type Session struct {
	Identity   string    `json:"identity"`
	SID        string    `json:"sid"`
	IP         string    `json:"ip,omitempty"`
	CreateTime time.Time `json:"createTime"`
}

// Hub accepts websocket upgrades and manages the live handlers. It wires
// each authenticated connection into the presence registry, the broadcast
// broker and the delivery pipeline.
type Hub struct {
	authClient auth.Client
	registry   *presence.Registry
	broker     *gateway.Broker
	pipeline   *chat.Pipeline
	typing     *chat.TypingRelay
	hstore     *HandlerStore
}

func NewHub(authClient auth.Client, registry *presence.Registry, broker *gateway.Broker,
	pipeline *chat.Pipeline, typing *chat.TypingRelay) *Hub {
	return &Hub{
		authClient: authClient,
		registry:   registry,
		broker:     broker,
		pipeline:   pipeline,
		typing:     typing,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// ServeHTTP handles websocket requests from the peer. Authentication
// happens once, before the upgrade; a bad credential never reaches the
// websocket layer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Identity:   identity,
		SID:        strings.ReplaceAll(uuid.New(), "-", ""),
		IP:         getRemoteIP(r),
		CreateTime: time.Now(),
	}

	// If the upgrade fails, Upgrade replies to the client with an HTTP
	// error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, identity: %s, err: %v", identity, err)
		return
	}

	handler := &Handler{
		hub:      h,
		session:  sess,
		conn:     conn,
		dataChan: make(chan *sessionData, 16),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		handler.close(closedByPeer)
		return nil
	})

	handler.setState(stateAuthenticated)
	h.activate(handler)
	metrics.ConnectionsTotal.Inc()

	go handler.recvLoop()
	go handler.sendLoop()
}

// activate moves the session to Active: subscribe to the identity's topic,
// register presence and kick off any superseded connection.
func (h *Hub) activate(handler *Handler) {
	h.hstore.add(handler)
	handler.sub = h.broker.Subscribe(handler.session.Identity, handler)

	prev := h.registry.Register(handler.session.Identity, handler)
	if prev != nil {
		if old, ok := prev.(*Handler); ok {
			old.kick()
		}
	}
	handler.setState(stateActive)
}

// drop tears down a closing handler: deregister presence (conn-matched, so
// a superseded handler cannot evict its successor), unsubscribe, forget.
func (h *Hub) drop(handler *Handler) {
	h.broker.Unsubscribe(handler.sub)
	h.registry.Deregister(handler.session.Identity, handler)
	h.hstore.del(handler.session.SID)
}

// CloseAll terminates every live session. Called on server shutdown.
func (h *Hub) CloseAll() {
	h.hstore.closeAll()
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
