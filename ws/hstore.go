package ws

import (
	"sync"
)

// memory handler store for live sessions, keyed by sid.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.SID] = handler
	hs.Unlock()
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) closeAll() {
	hs.RLock()
	slice := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		slice = append(slice, h)
	}
	hs.RUnlock()

	for _, h := range slice {
		h.close(serverStop)
	}
}
