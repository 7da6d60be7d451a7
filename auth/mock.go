package auth

import (
	"fmt"
	"net/http"
)

// MockClient trusts the x-uid cookie or header. Dev/demo only.
type MockClient struct{}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string

	if v, err := r.Cookie("x-uid"); err == nil {
		uid = v.Value
	}
	if uid == "" {
		uid = r.Header.Get("x-uid")
	}
	if uid == "" {
		uid = r.URL.Query().Get("x-uid")
	}

	if uid == "" {
		return "", fmt.Errorf("empty x-uid from cookie, header or query")
	}
	return uid, nil
}
