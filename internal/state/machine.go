// Package state is the in-memory authority for route and delivery status
// transitions. Transitions are serialized per route; different routes
// proceed concurrently.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"courierlive/internal/model"
)

var (
	// ErrInvalidTransition reports a state machine rule violation. Returned
	// to the caller, never retried.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflictingInTransit reports another delivery on the same route is
	// already in transit; the caller must resolve it first.
	ErrConflictingInTransit = errors.New("another delivery is in transit")
	// ErrNotFound reports an unknown route or delivery id.
	ErrNotFound = errors.New("not found")
)

// RouteWriter persists the authoritative route after a transition. The write
// happens under the route lock so the repository never observes transitions
// out of arrival order.
type RouteWriter interface {
	SaveRoute(ctx context.Context, r model.Route) error
}

type routeEntry struct {
	mu    sync.Mutex
	route model.Route
}

// Machine tracks all live routes. Completed routes stay resident until
// evicted by the owner; the subsystem never deletes an active route.
type Machine struct {
	mu       sync.Mutex
	routes   map[string]*routeEntry
	byToken  map[string]string // access token -> route id
	delivery map[string]string // delivery id -> route id
	writer   RouteWriter
	log      *zap.Logger
}

func New(w RouteWriter, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		routes:   map[string]*routeEntry{},
		byToken:  map[string]string{},
		delivery: map[string]string{},
		writer:   w,
		log:      log,
	}
}

// Load seeds or replaces a route, typically at creation or warm start from
// the repository.
func (m *Machine) Load(r model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = &routeEntry{route: r}
	if r.AccessToken != "" {
		m.byToken[r.AccessToken] = r.ID
	}
	for _, d := range r.Deliveries {
		m.delivery[d.ID] = r.ID
	}
}

func (m *Machine) entry(routeID string) (*routeEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.routes[routeID]
	return e, ok
}

// Route returns a copy of the route.
func (m *Machine) Route(routeID string) (model.Route, error) {
	e, ok := m.entry(routeID)
	if !ok {
		return model.Route{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRoute(e.route), nil
}

// RouteByToken resolves a courier access token to its route.
func (m *Machine) RouteByToken(token string) (model.Route, error) {
	m.mu.Lock()
	id, ok := m.byToken[token]
	m.mu.Unlock()
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return m.Route(id)
}

// RouteForDelivery returns the route owning the delivery id.
func (m *Machine) RouteForDelivery(deliveryID string) (model.Route, error) {
	m.mu.Lock()
	rid, ok := m.delivery[deliveryID]
	m.mu.Unlock()
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return m.Route(rid)
}

// StartRoute transitions pending -> active.
func (m *Machine) StartRoute(ctx context.Context, routeID string) (model.Route, error) {
	e, ok := m.entry(routeID)
	if !ok {
		return model.Route{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.route.Status != model.RoutePending {
		return model.Route{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	e.route.Status = model.RouteActive
	e.route.StartedAt = &now
	if err := m.persist(ctx, e.route); err != nil {
		return model.Route{}, err
	}
	m.log.Info("route started", zap.String("routeId", routeID))
	return cloneRoute(e.route), nil
}

// MarkInTransit transitions a pending delivery to in_transit. Requires the
// route active and no other delivery on the route currently in transit; the
// previous in-transit delivery is never advanced implicitly.
func (m *Machine) MarkInTransit(ctx context.Context, deliveryID string) (model.Route, model.Delivery, error) {
	e, idx, err := m.lockDelivery(deliveryID)
	if err != nil {
		return model.Route{}, model.Delivery{}, err
	}
	defer e.mu.Unlock()
	if e.route.Status != model.RouteActive {
		return model.Route{}, model.Delivery{}, ErrInvalidTransition
	}
	d := &e.route.Deliveries[idx]
	if d.Status != model.DeliveryPending {
		return model.Route{}, model.Delivery{}, ErrInvalidTransition
	}
	for i := range e.route.Deliveries {
		if i != idx && e.route.Deliveries[i].Status == model.DeliveryInTransit {
			return model.Route{}, model.Delivery{}, ErrConflictingInTransit
		}
	}
	d.Status = model.DeliveryInTransit
	if err := m.persist(ctx, e.route); err != nil {
		return model.Route{}, model.Delivery{}, err
	}
	m.log.Info("delivery in transit", zap.String("routeId", d.RouteID), zap.String("deliveryId", d.ID))
	return cloneRoute(e.route), *d, nil
}

// ResolveDelivery sets a terminal outcome on an in-transit or pending
// delivery. When this was the route's last unresolved delivery the route is
// completed in the same critical section. The returned bool reports whether
// the route completed as a cascade of this call.
func (m *Machine) ResolveDelivery(ctx context.Context, deliveryID string, req model.ResolveRequest) (model.Route, model.Delivery, bool, error) {
	outcome := req.Outcome
	if outcome != model.DeliveryDelivered && outcome != model.DeliveryNotDelivered {
		return model.Route{}, model.Delivery{}, false, ErrInvalidTransition
	}
	e, idx, err := m.lockDelivery(deliveryID)
	if err != nil {
		return model.Route{}, model.Delivery{}, false, err
	}
	defer e.mu.Unlock()
	if e.route.Status != model.RouteActive {
		return model.Route{}, model.Delivery{}, false, ErrInvalidTransition
	}
	d := &e.route.Deliveries[idx]
	if d.Status != model.DeliveryInTransit && d.Status != model.DeliveryPending {
		return model.Route{}, model.Delivery{}, false, ErrInvalidTransition
	}
	now := time.Now().UTC()
	d.Status = outcome
	d.ResolvedAt = &now
	d.Resolution = &model.Resolution{Notes: req.Notes, FailureReason: req.FailureReason, EvidenceRefs: req.EvidenceRefs}

	completed := true
	for i := range e.route.Deliveries {
		if !e.route.Deliveries[i].Resolved() {
			completed = false
			break
		}
	}
	if completed {
		e.route.Status = model.RouteCompleted
	}
	if err := m.persist(ctx, e.route); err != nil {
		return model.Route{}, model.Delivery{}, false, err
	}
	m.log.Info("delivery resolved",
		zap.String("routeId", d.RouteID),
		zap.String("deliveryId", d.ID),
		zap.String("outcome", outcome),
		zap.Bool("routeCompleted", completed))
	return cloneRoute(e.route), *d, completed, nil
}

// CompleteRoute is system-invoked and idempotent: completing an already
// completed route is a no-op and the false return tells the caller to emit
// no duplicate event.
func (m *Machine) CompleteRoute(ctx context.Context, routeID string) (model.Route, bool, error) {
	e, ok := m.entry(routeID)
	if !ok {
		return model.Route{}, false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.route.Status == model.RouteCompleted {
		return cloneRoute(e.route), false, nil
	}
	if e.route.Status != model.RouteActive {
		return model.Route{}, false, ErrInvalidTransition
	}
	e.route.Status = model.RouteCompleted
	if err := m.persist(ctx, e.route); err != nil {
		return model.Route{}, false, err
	}
	m.log.Info("route completed", zap.String("routeId", routeID))
	return cloneRoute(e.route), true, nil
}

// SetDeliveryTarget fills a delivery's coordinate after late geocoding.
func (m *Machine) SetDeliveryTarget(ctx context.Context, deliveryID string, target model.GeoPoint) error {
	e, idx, err := m.lockDelivery(deliveryID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.route.Deliveries[idx].Target = &target
	return m.persist(ctx, e.route)
}

// lockDelivery locks the owning route and returns the entry plus the index
// of the delivery inside it. Caller unlocks e.mu.
func (m *Machine) lockDelivery(deliveryID string) (*routeEntry, int, error) {
	m.mu.Lock()
	rid, ok := m.delivery[deliveryID]
	if !ok {
		m.mu.Unlock()
		return nil, 0, ErrNotFound
	}
	e := m.routes[rid]
	m.mu.Unlock()
	e.mu.Lock()
	for i := range e.route.Deliveries {
		if e.route.Deliveries[i].ID == deliveryID {
			return e, i, nil
		}
	}
	e.mu.Unlock()
	return nil, 0, ErrNotFound
}

func (m *Machine) persist(ctx context.Context, r model.Route) error {
	if m.writer == nil {
		return nil
	}
	return m.writer.SaveRoute(ctx, cloneRoute(r))
}

func cloneRoute(r model.Route) model.Route {
	out := r
	out.Deliveries = append([]model.Delivery(nil), r.Deliveries...)
	return out
}
