// Package track derives queue position, distance-to-target, ETA and
// threshold-crossing events from the courier's location stream.
package track

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"courierlive/internal/geo"
	"courierlive/internal/model"
	"courierlive/internal/notify"
)

// ErrUnresolvedCoordinate marks a delivery excluded from proximity/ETA
// because geocoding has not resolved its target yet. Non-fatal, logged once.
var ErrUnresolvedCoordinate = errors.New("delivery coordinate unresolved")

// RoutingOracle is the external path/duration service. Failure degrades to
// "no ETA available", never fatal.
type RoutingOracle interface {
	Route(ctx context.Context, origin, destination model.GeoPoint) (durationSec int, distanceM float64, err error)
}

// Crossing reports the sample where distance-to-target transitioned from
// outside to inside the threshold for a (route, delivery) pair.
type Crossing struct {
	DeliveryID string
	DistanceM  float64
}

// SampleResult is everything one location sample produced.
type SampleResult struct {
	Sample    model.LocationSample
	InTransit *model.Delivery
	DistanceM float64
	ETA       *model.ETA
	Crossing  *Crossing
}

// Engine holds the ephemeral per-route tracking state. Only the latest
// sample per route is authoritative; older ones are discarded.
type Engine struct {
	mu             sync.Mutex
	latest         map[string]model.LocationSample // route id -> newest sample
	etas           map[string]model.ETA            // delivery id -> last estimate
	lastOracleCall map[string]time.Time            // delivery id -> last oracle invocation
	warned         map[string]struct{}             // delivery id -> unresolved-coordinate warning emitted

	oracle     RoutingOracle
	flags      notify.FlagStore
	thresholdM float64
	etaRefresh time.Duration
	log        *zap.Logger
}

func NewEngine(oracle RoutingOracle, flags notify.FlagStore, thresholdM float64, etaRefresh time.Duration, log *zap.Logger) *Engine {
	if thresholdM <= 0 {
		thresholdM = 500
	}
	if etaRefresh <= 0 {
		etaRefresh = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		latest:         map[string]model.LocationSample{},
		etas:           map[string]model.ETA{},
		lastOracleCall: map[string]time.Time{},
		warned:         map[string]struct{}{},
		oracle:         oracle,
		flags:          flags,
		thresholdM:     thresholdM,
		etaRefresh:     etaRefresh,
		log:            log,
	}
}

// QueuePosition returns the 1-based rank of the delivery among all
// unresolved deliveries on the route ordered by sort order, plus the count
// of unresolved deliveries strictly ahead of it. A resolved delivery has no
// queue position.
func QueuePosition(r model.Route, deliveryID string) (model.QueueInfo, error) {
	var target *model.Delivery
	for i := range r.Deliveries {
		if r.Deliveries[i].ID == deliveryID {
			target = &r.Deliveries[i]
			break
		}
	}
	if target == nil {
		return model.QueueInfo{}, errors.New("delivery not on route")
	}
	info := model.QueueInfo{DeliveryID: deliveryID}
	if target.Resolved() {
		return info, nil
	}
	ahead := 0
	for i := range r.Deliveries {
		d := &r.Deliveries[i]
		if d.ID != deliveryID && !d.Resolved() && d.SortOrder < target.SortOrder {
			ahead++
		}
	}
	info.Rank = ahead + 1
	info.DeliveriesAhead = ahead
	return info, nil
}

// Queue returns queue figures for every unresolved delivery, in sort order.
func Queue(r model.Route) []model.QueueInfo {
	ids := make([]string, 0, len(r.Deliveries))
	sorted := append([]model.Delivery(nil), r.Deliveries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SortOrder < sorted[j].SortOrder })
	for _, d := range sorted {
		if !d.Resolved() {
			ids = append(ids, d.ID)
		}
	}
	out := make([]model.QueueInfo, 0, len(ids))
	for _, id := range ids {
		qi, err := QueuePosition(r, id)
		if err == nil {
			out = append(out, qi)
		}
	}
	return out
}

// ProcessSample records the sample as the route's authoritative position and
// recomputes derived figures for the in-transit delivery, if any. The
// crossing is only a candidate: the dispatcher's atomic latch decides the
// single winner under concurrency.
func (e *Engine) ProcessSample(ctx context.Context, r model.Route, s model.LocationSample) SampleResult {
	e.mu.Lock()
	if prev, ok := e.latest[s.RouteID]; !ok || !s.TS.Before(prev.TS) {
		e.latest[s.RouteID] = s
	}
	e.mu.Unlock()

	res := SampleResult{Sample: s}
	var transit *model.Delivery
	for i := range r.Deliveries {
		if r.Deliveries[i].Status == model.DeliveryInTransit {
			transit = &r.Deliveries[i]
			break
		}
	}
	if transit == nil {
		return res
	}
	res.InTransit = transit
	if transit.Target == nil {
		e.warnUnresolvedOnce(transit.ID, r.ID)
		return res
	}

	within, dist := geo.CheckProximity(
		geo.Point{Lat: s.Position.Lat, Lng: s.Position.Lng},
		geo.Point{Lat: transit.Target.Lat, Lng: transit.Target.Lng},
		e.thresholdM,
	)
	res.DistanceM = dist
	if within {
		// peek only; the dispatcher performs the atomic set
		if set, err := e.flags.IsSet(ctx, transit.ID, notify.KindProximity); err == nil && !set {
			res.Crossing = &Crossing{DeliveryID: transit.ID, DistanceM: dist}
		}
	}
	res.ETA = e.refreshETA(ctx, transit.ID, s.Position, *transit.Target, false)
	return res
}

// OnInTransitEntry computes the first ETA for a delivery entering transit,
// using the route's latest known position.
func (e *Engine) OnInTransitEntry(ctx context.Context, d model.Delivery) *model.ETA {
	if d.Target == nil {
		e.warnUnresolvedOnce(d.ID, d.RouteID)
		return nil
	}
	e.mu.Lock()
	s, ok := e.latest[d.RouteID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.refreshETA(ctx, d.ID, s.Position, *d.Target, true)
}

// refreshETA invokes the oracle at most once per refresh interval per
// delivery and serves the cached estimate in between. Oracle failure serves
// the cached value when present, otherwise no ETA.
func (e *Engine) refreshETA(ctx context.Context, deliveryID string, origin, target model.GeoPoint, force bool) *model.ETA {
	now := time.Now()
	e.mu.Lock()
	cached, hasCached := e.etas[deliveryID]
	last, called := e.lastOracleCall[deliveryID]
	due := force || !called || now.Sub(last) >= e.etaRefresh
	if due {
		e.lastOracleCall[deliveryID] = now
	}
	e.mu.Unlock()

	if !due {
		if hasCached {
			return &cached
		}
		return nil
	}
	if e.oracle == nil {
		return nil
	}
	durSec, distM, err := e.oracle.Route(ctx, origin, target)
	if err != nil {
		e.log.Warn("routing oracle unavailable", zap.String("deliveryId", deliveryID), zap.Error(err))
		if hasCached {
			return &cached
		}
		return nil
	}
	eta := model.ETA{DeliveryID: deliveryID, DurationSeconds: durSec, DistanceMeters: distM, ComputedAt: now.UTC()}
	e.mu.Lock()
	e.etas[deliveryID] = eta
	e.mu.Unlock()
	return &eta
}

// Latest returns the newest sample for the route, if any.
func (e *Engine) Latest(routeID string) (model.LocationSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.latest[routeID]
	return s, ok
}

// LastETA returns the cached estimate for a delivery, if any.
func (e *Engine) LastETA(deliveryID string) (model.ETA, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	eta, ok := e.etas[deliveryID]
	return eta, ok
}

// Forget evicts all ephemeral state for a finished route.
func (e *Engine) Forget(r model.Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.latest, r.ID)
	for _, d := range r.Deliveries {
		delete(e.etas, d.ID)
		delete(e.lastOracleCall, d.ID)
		delete(e.warned, d.ID)
	}
}

func (e *Engine) warnUnresolvedOnce(deliveryID, routeID string) {
	e.mu.Lock()
	_, done := e.warned[deliveryID]
	if !done {
		e.warned[deliveryID] = struct{}{}
	}
	e.mu.Unlock()
	if !done {
		e.log.Warn("skipping proximity/eta for unresolved coordinate",
			zap.String("routeId", routeID), zap.String("deliveryId", deliveryID),
			zap.Error(ErrUnresolvedCoordinate))
	}
}
