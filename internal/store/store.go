package store

import (
	"context"
	"errors"

	"courierlive/internal/model"
)

// Store is the persistence interface used by the API server and the state
// machine. SaveRoute writes the full route document including deliveries.
type Store interface {
	// Routes
	SaveRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, id string) (model.Route, error)
	GetRouteByToken(ctx context.Context, token string) (model.Route, error)
	GetRouteByOrderToken(ctx context.Context, orderToken string) (model.Route, model.Delivery, error)
	ListActiveRoutes(ctx context.Context) ([]model.Route, error)

	// Locations (last known per route)
	SaveLocation(ctx context.Context, s model.LocationSample) error
	GetLocation(ctx context.Context, routeID string) (model.LocationSample, error)

	// Chat
	AppendChatMessage(ctx context.Context, m model.ChatMessage) error
	// ListChat returns order-scope history when deliveryID is set, otherwise
	// route-scope history for routeID. Newest last, capped at limit.
	ListChat(ctx context.Context, routeID, deliveryID string, limit int) ([]model.ChatMessage, error)

	Close() error
}

var ErrNotFound = errors.New("not found")
