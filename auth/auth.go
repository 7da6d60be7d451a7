package auth

import "net/http"

// Client authenticates the websocket upgrade / REST request and returns the
// stable identity of the account. Token issuance is an external concern.
type Client interface {
	// Auth authenticates the current user, returns the identity.
	Auth(r *http.Request) (string, error)
}
