package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courierlive/internal/broker"
	"courierlive/internal/model"
	"courierlive/internal/oracle"
	"courierlive/internal/store"
	"courierlive/internal/track"
)

// RoutesHandler handles POST /v1/routes (admin creates a route with its
// delivery queue).
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.getPrincipal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin token required", r.URL.Path)
		return
	}
	var req struct {
		CourierID  string `json:"courierId"`
		Deliveries []struct {
			Address string          `json:"address"`
			Target  *model.GeoPoint `json:"target,omitempty"`
		} `json:"deliveries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.CourierID == "" || len(req.Deliveries) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid route", "courierId and at least one delivery required", r.URL.Path)
		return
	}
	rt := model.Route{
		ID:          uuid.New().String(),
		AccessToken: uuid.New().String(),
		CourierID:   req.CourierID,
		Status:      model.RoutePending,
		CreatedAt:   time.Now().UTC(),
	}
	for i, din := range req.Deliveries {
		d := model.Delivery{
			ID:         uuid.New().String(),
			RouteID:    rt.ID,
			OrderToken: uuid.New().String(),
			SortOrder:  i + 1,
			Address:    din.Address,
			Target:     din.Target,
			Status:     model.DeliveryPending,
		}
		if d.Target == nil && s.Geocoder != nil {
			if pt, err := s.Geocoder.Geocode(r.Context(), din.Address); err == nil {
				d.Target = &pt
			} else if !errors.Is(err, oracle.ErrNoMatch) {
				s.log.Warn("geocoding failed", zap.String("address", din.Address), zap.Error(err))
			}
		}
		rt.Deliveries = append(rt.Deliveries, d)
	}
	if err := s.Store.SaveRoute(r.Context(), rt); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create route failed", err.Error(), r.URL.Path)
		return
	}
	s.Machine.Load(rt)
	writeJSON(w, http.StatusCreated, rt)
}

// RouteByTokenHandler handles POST /v1/routes/{token}/start.
func (s *Server) RouteByTokenHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "start" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := parts[0]
	rt, err := s.Store.GetRouteByToken(r.Context(), token)
	if err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	if err := s.ensureLoaded(r.Context(), rt.ID); err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	started, err := s.Machine.StartRoute(r.Context(), rt.ID)
	if err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	evt := broker.Event{Type: "route.started", Data: map[string]any{"routeId": started.ID, "status": started.Status, "startedAt": started.StartedAt}}
	s.publishRouteWide(started, evt)
	s.Dispatcher.OnRouteStarted(r.Context(), started)
	writeJSON(w, http.StatusOK, started)
}

// LocationHandler handles POST /v1/location (courier position samples).
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.getPrincipal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return
	}
	if p.Role != model.RoleDriver {
		writeProblem(w, http.StatusForbidden, "Forbidden", "route access token required", r.URL.Path)
		return
	}
	var req struct {
		Lat float64    `json:"lat"`
		Lng float64    `json:"lng"`
		TS  *time.Time `json:"ts,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !s.limiter(p.Route.ID).Allow() {
		writeProblem(w, http.StatusTooManyRequests, "Too many samples", "location ingest rate exceeded", r.URL.Path)
		return
	}
	ts := time.Now().UTC()
	if req.TS != nil {
		ts = req.TS.UTC()
	}
	sample := model.LocationSample{
		RouteID:   p.Route.ID,
		CourierID: p.Route.CourierID,
		Position:  model.GeoPoint{Lat: req.Lat, Lng: req.Lng},
		TS:        ts,
	}
	if err := s.Store.SaveLocation(r.Context(), sample); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save location failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.ensureLoaded(r.Context(), p.Route.ID); err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	rt, err := s.Machine.Route(p.Route.ID)
	if err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	res := s.Engine.ProcessSample(r.Context(), rt, sample)

	locEvt := broker.Event{Type: "location.updated", Data: map[string]any{
		"routeId": rt.ID, "lat": sample.Position.Lat, "lng": sample.Position.Lng, "ts": sample.TS,
	}}
	s.Broker.Publish(broker.RouteTopic(rt.AccessToken), locEvt)
	s.Broker.Publish(broker.TopicAdmin, locEvt)
	if res.InTransit != nil {
		data := map[string]any{"deliveryId": res.InTransit.ID, "distanceM": res.DistanceM}
		if res.ETA != nil {
			data["eta"] = res.ETA
		}
		s.Broker.Publish(broker.OrderTopic(res.InTransit.OrderToken), broker.Event{Type: "tracking.updated", Data: data})
	}
	if res.Crossing != nil {
		s.Dispatcher.OnProximity(r.Context(), res.Crossing.DeliveryID, res.Crossing.DistanceM)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "ts": sample.TS})
}

// DeliveriesHandler handles POST /v1/deliveries/{id}/transit and
// POST /v1/deliveries/{id}/resolve.
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, action := parts[0], parts[1]
	p, err := s.getPrincipal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return
	}
	rt, _, err := s.deliveryRoute(r.Context(), id)
	if err != nil {
		writeStateError(w, err, r.URL.Path)
		return
	}
	if !p.IsAdmin() && !(p.Role == model.RoleDriver && p.Route.ID == rt.ID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your route", r.URL.Path)
		return
	}

	switch action {
	case "transit":
		rt, d, err := s.Machine.MarkInTransit(r.Context(), id)
		if err != nil {
			writeStateError(w, err, r.URL.Path)
			return
		}
		eta := s.Engine.OnInTransitEntry(r.Context(), d)
		data := map[string]any{"deliveryId": d.ID, "status": d.Status}
		if eta != nil {
			data["eta"] = eta
		}
		evt := broker.Event{Type: "delivery.updated", Data: data}
		s.Broker.Publish(broker.RouteTopic(rt.AccessToken), evt)
		s.Broker.Publish(broker.OrderTopic(d.OrderToken), evt)
		s.Broker.Publish(broker.TopicAdmin, evt)
		s.Dispatcher.OnDeliveryTransition(r.Context(), d)
		writeJSON(w, http.StatusOK, d)
	case "resolve":
		var req model.ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		rt, d, completed, err := s.Machine.ResolveDelivery(r.Context(), id, req)
		if err != nil {
			writeStateError(w, err, r.URL.Path)
			return
		}
		evt := broker.Event{Type: "delivery.updated", Data: map[string]any{"deliveryId": d.ID, "status": d.Status}}
		s.Broker.Publish(broker.RouteTopic(rt.AccessToken), evt)
		s.Broker.Publish(broker.OrderTopic(d.OrderToken), evt)
		s.Broker.Publish(broker.TopicAdmin, evt)
		s.Dispatcher.OnDeliveryTransition(r.Context(), d)
		// everyone still waiting moved up one slot
		s.publishQueueUpdates(rt)
		if completed {
			cEvt := broker.Event{Type: "route.completed", Data: map[string]any{"routeId": rt.ID, "status": rt.Status}}
			s.publishRouteWide(rt, cEvt)
			s.Dispatcher.OnRouteCompleted(r.Context(), rt)
			s.Engine.Forget(rt)
			s.forgetLimiter(rt.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"delivery": d, "routeCompleted": completed})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// ChatHandler handles POST /v1/chat.
func (s *Server) ChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := s.getPrincipal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return
	}
	var req struct {
		Text       string `json:"text"`
		Scope      string `json:"scope"`
		OrderToken string `json:"orderToken,omitempty"` // admin/driver addressing a specific order thread
		RouteID    string `json:"routeId,omitempty"`    // admin addressing a route thread
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeProblem(w, http.StatusBadRequest, "Empty message", "text required", r.URL.Path)
		return
	}

	msg := model.ChatMessage{
		ID:     uuid.New().String(),
		Sender: p.Role,
		Text:   req.Text,
		TS:     time.Now().UTC(),
	}
	var topic broker.Topic
	switch {
	case p.Role == model.RoleClient:
		// clients only speak in their own order thread
		msg.Scope = model.ScopeOrder
		msg.RouteID = p.Route.ID
		msg.DeliveryID = p.Delivery.ID
		topic = broker.OrderTopic(p.Delivery.OrderToken)
	case req.Scope == model.ScopeOrder:
		tok := req.OrderToken
		if tok == "" {
			writeProblem(w, http.StatusBadRequest, "Missing orderToken", "order scope requires orderToken", r.URL.Path)
			return
		}
		rt, d, err := s.Store.GetRouteByOrderToken(r.Context(), tok)
		if err != nil {
			writeStateError(w, err, r.URL.Path)
			return
		}
		if p.Role == model.RoleDriver && p.Route.ID != rt.ID {
			writeProblem(w, http.StatusForbidden, "Forbidden", "order not on your route", r.URL.Path)
			return
		}
		msg.Scope = model.ScopeOrder
		msg.RouteID = rt.ID
		msg.DeliveryID = d.ID
		topic = broker.OrderTopic(tok)
	default:
		rt := p.Route
		if p.IsAdmin() {
			if req.RouteID == "" {
				writeProblem(w, http.StatusBadRequest, "Missing routeId", "route scope requires routeId", r.URL.Path)
				return
			}
			var err error
			rt, err = s.Store.GetRoute(r.Context(), req.RouteID)
			if err != nil {
				writeStateError(w, err, r.URL.Path)
				return
			}
		}
		msg.Scope = model.ScopeRoute
		msg.RouteID = rt.ID
		topic = broker.RouteTopic(rt.AccessToken)
	}

	if err := s.Store.AppendChatMessage(r.Context(), msg); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save message failed", err.Error(), r.URL.Path)
		return
	}
	evt := broker.Event{Type: "chat.message", Data: map[string]any{
		"id": msg.ID, "sender": msg.Sender, "scope": msg.Scope, "text": msg.Text, "ts": msg.TS,
	}}
	s.Broker.Publish(topic, evt)
	s.Broker.Publish(broker.TopicAdmin, evt)
	s.Dispatcher.OnChat(r.Context(), msg)
	writeJSON(w, http.StatusCreated, msg)
}

// SnapshotHandler handles GET /v1/snapshot?route=<token>|order=<token>.
// Snapshots are the authoritative catch-up surface for degraded clients.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if tok := r.URL.Query().Get("route"); tok != "" {
		rt, err := s.Store.GetRouteByToken(r.Context(), tok)
		if err != nil {
			writeStateError(w, err, r.URL.Path)
			return
		}
		snap, err := s.routeSnapshot(r.Context(), rt)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Snapshot failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if tok := r.URL.Query().Get("order"); tok != "" {
		rt, d, err := s.Store.GetRouteByOrderToken(r.Context(), tok)
		if err != nil {
			writeStateError(w, err, r.URL.Path)
			return
		}
		snap, err := s.orderSnapshot(r.Context(), rt, d)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Snapshot failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeProblem(w, http.StatusBadRequest, "Missing token", "route or order query parameter required", r.URL.Path)
}

// HealthHandler handles GET /healthz.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz: ready once the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.Store.ListActiveRoutes(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) deliveryRoute(ctx context.Context, deliveryID string) (model.Route, model.Delivery, error) {
	rt, err := s.Machine.RouteForDelivery(deliveryID)
	if err == nil {
		for _, d := range rt.Deliveries {
			if d.ID == deliveryID {
				return rt, d, nil
			}
		}
	}
	// not resident: a restart may have evicted a pending route
	routes, lerr := s.Store.ListActiveRoutes(ctx)
	if lerr != nil {
		return model.Route{}, model.Delivery{}, lerr
	}
	for _, cand := range routes {
		for _, d := range cand.Deliveries {
			if d.ID == deliveryID {
				s.Machine.Load(cand)
				return cand, d, nil
			}
		}
	}
	return model.Route{}, model.Delivery{}, store.ErrNotFound
}

// publishRouteWide sends a route-level event to the route topic, the admin
// topic, and every order topic on the route.
func (s *Server) publishRouteWide(rt model.Route, evt broker.Event) {
	s.Broker.Publish(broker.RouteTopic(rt.AccessToken), evt)
	s.Broker.Publish(broker.TopicAdmin, evt)
	for _, d := range rt.Deliveries {
		s.Broker.Publish(broker.OrderTopic(d.OrderToken), evt)
	}
}

// publishQueueUpdates tells each waiting order its new position.
func (s *Server) publishQueueUpdates(rt model.Route) {
	for _, qi := range track.Queue(rt) {
		for _, d := range rt.Deliveries {
			if d.ID == qi.DeliveryID {
				s.Broker.Publish(broker.OrderTopic(d.OrderToken), broker.Event{Type: "queue.updated", Data: map[string]any{
					"deliveryId": qi.DeliveryID, "rank": qi.Rank, "deliveriesAhead": qi.DeliveriesAhead,
				}})
			}
		}
	}
}

func (s *Server) routeSnapshot(ctx context.Context, rt model.Route) (model.Snapshot, error) {
	// prefer the machine's copy, it reflects transitions not yet read back
	if live, err := s.Machine.Route(rt.ID); err == nil {
		rt = live
	}
	snap := model.Snapshot{Route: rt, TakenAt: time.Now().UTC()}
	if loc, ok := s.Engine.Latest(rt.ID); ok {
		snap.LastLocation = &loc
	} else if loc, err := s.Store.GetLocation(ctx, rt.ID); err == nil {
		snap.LastLocation = &loc
	}
	snap.Queue = track.Queue(rt)
	for _, d := range rt.Deliveries {
		if d.Status == model.DeliveryInTransit {
			if eta, ok := s.Engine.LastETA(d.ID); ok {
				snap.ETA = &eta
			}
			break
		}
	}
	chat, err := s.Store.ListChat(ctx, rt.ID, "", s.chatLimit)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Chat = chat
	return snap, nil
}

func (s *Server) orderSnapshot(ctx context.Context, rt model.Route, d model.Delivery) (model.Snapshot, error) {
	if live, err := s.Machine.Route(rt.ID); err == nil {
		rt = live
		for _, ld := range rt.Deliveries {
			if ld.ID == d.ID {
				d = ld
			}
		}
	}
	// clients see their own delivery only, never the courier token or the
	// rest of the queue
	visible := rt
	visible.AccessToken = ""
	visible.Deliveries = []model.Delivery{d}
	snap := model.Snapshot{Route: visible, TakenAt: time.Now().UTC()}
	if qi, err := track.QueuePosition(rt, d.ID); err == nil && qi.Rank > 0 {
		snap.Queue = []model.QueueInfo{qi}
	}
	if d.Status == model.DeliveryInTransit {
		if loc, ok := s.Engine.Latest(rt.ID); ok {
			snap.LastLocation = &loc
		}
		if eta, ok := s.Engine.LastETA(d.ID); ok {
			snap.ETA = &eta
		}
	}
	chat, err := s.Store.ListChat(ctx, rt.ID, d.ID, s.chatLimit)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Chat = chat
	return snap, nil
}
