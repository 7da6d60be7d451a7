// Package rest exposes the listing endpoints a client uses to reconstruct
// state on (re)connect: conversation history and the user directory.
package rest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang/glog"

	"minichat/auth"
	"minichat/presence"
	"minichat/store"
)

// UserView is a user record annotated with a point-in-time presence
// snapshot.
type UserView struct {
	store.User
	IsOnline bool `json:"isOnline"`
}

// API serves GET /users and GET /conversations/{peerId}/messages.
type API struct {
	authClient auth.Client
	users      store.UserStore
	messages   store.MessageStore
	registry   *presence.Registry
}

func NewAPI(authClient auth.Client, users store.UserStore, messages store.MessageStore,
	registry *presence.Registry) *API {
	return &API{
		authClient: authClient,
		users:      users,
		messages:   messages,
		registry:   registry,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/users", a.handleUsers)
	mux.HandleFunc("/conversations/", a.handleConversation)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := a.authClient.Auth(r)
	if err != nil {
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	users, err := a.users.ListUsers(r.Context())
	if err != nil {
		glog.Errorf("handleUsers(): list users err: %v", err)
		http.Error(w, "temp storage error", http.StatusInternalServerError)
		return
	}

	out := make([]*UserView, 0, len(users))
	for _, u := range users {
		if u.ID == caller {
			continue
		}
		out = append(out, &UserView{
			User:     *u,
			IsOnline: a.registry.IsOnline(u.ID),
		})
	}
	writeJSON(w, out)
}

// GET /conversations/{peerId}/messages
func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := a.authClient.Auth(r)
	if err != nil {
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	peer := parts[0]

	msgs, err := a.messages.Conversation(r.Context(), caller, peer)
	if err != nil {
		glog.Errorf("handleConversation(): query err: %v", err)
		http.Error(w, "temp storage error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, msgs)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("writeJSON(): encode err: %v", err)
	}
}
