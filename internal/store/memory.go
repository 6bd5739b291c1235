package store

import (
	"context"
	"sync"

	"courierlive/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	routes   map[string]model.Route // id -> route
	byToken  map[string]string      // access token -> route id
	byOrder  map[string]string      // order token -> route id
	locs     map[string]model.LocationSample
	chat     map[string][]model.ChatMessage // key: route:<id> or order:<deliveryId>
}

func NewMemory() *Memory {
	return &Memory{
		routes:  map[string]model.Route{},
		byToken: map[string]string{},
		byOrder: map[string]string{},
		locs:    map[string]model.LocationSample{},
		chat:    map[string][]model.ChatMessage{},
	}
}

func (m *Memory) SaveRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = cloneRoute(r)
	m.byToken[r.AccessToken] = r.ID
	for _, d := range r.Deliveries {
		m.byOrder[d.OrderToken] = r.ID
	}
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return cloneRoute(r), nil
}

func (m *Memory) GetRouteByToken(ctx context.Context, token string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[token]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return cloneRoute(m.routes[id]), nil
}

func (m *Memory) GetRouteByOrderToken(ctx context.Context, orderToken string) (model.Route, model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrder[orderToken]
	if !ok {
		return model.Route{}, model.Delivery{}, ErrNotFound
	}
	r := cloneRoute(m.routes[id])
	for _, d := range r.Deliveries {
		if d.OrderToken == orderToken {
			return r, d, nil
		}
	}
	return model.Route{}, model.Delivery{}, ErrNotFound
}

func (m *Memory) ListActiveRoutes(ctx context.Context) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes {
		if r.Status == model.RouteActive {
			out = append(out, cloneRoute(r))
		}
	}
	return out, nil
}

func (m *Memory) SaveLocation(ctx context.Context, s model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.locs[s.RouteID]; ok && s.TS.Before(prev.TS) {
		return nil
	}
	m.locs[s.RouteID] = s
	return nil
}

func (m *Memory) GetLocation(ctx context.Context, routeID string) (model.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.locs[routeID]
	if !ok {
		return model.LocationSample{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) AppendChatMessage(ctx context.Context, msg model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat[chatKey(msg.Scope, msg.RouteID, msg.DeliveryID)] = append(m.chat[chatKey(msg.Scope, msg.RouteID, msg.DeliveryID)], msg)
	return nil
}

func (m *Memory) ListChat(ctx context.Context, routeID, deliveryID string, limit int) ([]model.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chatKey(model.ScopeRoute, routeID, "")
	if deliveryID != "" {
		key = chatKey(model.ScopeOrder, routeID, deliveryID)
	}
	msgs := m.chat[key]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.ChatMessage(nil), msgs...), nil
}

func (m *Memory) Close() error { return nil }

func chatKey(scope, routeID, deliveryID string) string {
	if scope == model.ScopeOrder {
		return "order:" + deliveryID
	}
	return "route:" + routeID
}

func cloneRoute(r model.Route) model.Route {
	out := r
	out.Deliveries = append([]model.Delivery(nil), r.Deliveries...)
	return out
}
