package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClient validates HS256 bearer tokens issued by the auth collaborator.
// The token subject is the account identity. Browser websocket clients
// cannot set headers, so a `token` query parameter is accepted too.
type JWTClient struct {
	secret []byte
}

func NewJWTClient(secret []byte) *JWTClient {
	return &JWTClient{secret: secret}
}

func (c *JWTClient) Auth(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", fmt.Errorf("missing credential")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if strings.HasPrefix(v, "Bearer ") {
			return strings.TrimPrefix(v, "Bearer ")
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
