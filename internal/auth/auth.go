// Package auth resolves the authenticated identity carried by the HTTP
// session that a WebSocket connection is upgraded from. Token issuance
// lives in the main application; this package only verifies.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when a request carries no resolvable user
// identity. Connections failing with it are refused at admission.
var ErrNoIdentity = errors.New("no authenticated identity")

// AnonymousName is used when a token carries no display name.
const AnonymousName = "Anonymous"

// Identity is the session-derived sender identity.
type Identity struct {
	UserID   int64
	Username string
}

// Resolver verifies HS256 session tokens.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// FromRequest extracts and verifies the session token from a request.
// Browsers cannot set headers on WebSocket upgrades, so the token is
// accepted from the Authorization header, the access_token cookie, or
// the token query parameter, in that order.
func (r *Resolver) FromRequest(req *http.Request) (Identity, error) {
	tok := tokenFromRequest(req)
	if tok == "" {
		return Identity{}, ErrNoIdentity
	}
	return r.Parse(tok)
}

func tokenFromRequest(req *http.Request) string {
	const bearer = "Bearer "
	if h := req.Header.Get("Authorization"); len(h) > len(bearer) && h[:len(bearer)] == bearer {
		return h[len(bearer):]
	}
	if c, err := req.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value
	}
	return req.URL.Query().Get("token")
}

// Parse verifies a token string and extracts the identity claims.
func (r *Resolver) Parse(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if !token.Valid {
		return Identity{}, ErrNoIdentity
	}

	id, ok := userIDFromClaims(claims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: token has no user id", ErrNoIdentity)
	}

	username := AnonymousName
	if name, ok := claims["username"].(string); ok && name != "" {
		username = name
	}

	return Identity{UserID: id, Username: username}, nil
}

func userIDFromClaims(claims jwt.MapClaims) (int64, bool) {
	switch v := claims["user_id"].(type) {
	case float64:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		if n, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
