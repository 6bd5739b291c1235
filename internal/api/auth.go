// Package api implements HTTP and WebSocket handlers for the courier
// live-tracking service.
package api

import (
	"errors"
	"net/http"
	"strings"

	"courierlive/internal/model"
	"courierlive/internal/store"
)

var errUnauthorized = errors.New("unknown access token")

// Principal identifies the caller. Capability tokens double as identity:
// a route access token makes you the courier of that route, an order token
// makes you the client of that delivery, the admin token makes you ops.
type Principal struct {
	Role     string
	Route    model.Route    // set for driver and client
	Delivery model.Delivery // set for client only
}

func (p Principal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// getPrincipal resolves the caller from the bearer token (or ?token= for
// WebSocket clients that cannot set headers).
func (s *Server) getPrincipal(r *http.Request) (Principal, error) {
	tok := bearerToken(r)
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return Principal{}, errUnauthorized
	}
	if s.AdminToken != "" && tok == s.AdminToken {
		return Principal{Role: model.RoleAdmin}, nil
	}
	if rt, err := s.Store.GetRouteByToken(r.Context(), tok); err == nil {
		return Principal{Role: model.RoleDriver, Route: rt}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Principal{}, err
	}
	if rt, d, err := s.Store.GetRouteByOrderToken(r.Context(), tok); err == nil {
		return Principal{Role: model.RoleClient, Route: rt, Delivery: d}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Principal{}, err
	}
	return Principal{}, errUnauthorized
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}
