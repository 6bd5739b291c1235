package model

import "time"

// Route statuses. A route only ever advances pending -> active -> completed.
const (
	RoutePending   = "pending"
	RouteActive    = "active"
	RouteCompleted = "completed"
)

// Delivery statuses. A pending delivery may jump straight to a terminal
// outcome when the courier resolves without an explicit transit step.
const (
	DeliveryPending      = "pending"
	DeliveryInTransit    = "in_transit"
	DeliveryDelivered    = "delivered"
	DeliveryNotDelivered = "not_delivered"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is a courier's ordered batch of deliveries for one trip.
type Route struct {
	ID          string     `json:"id"`
	AccessToken string     `json:"accessToken,omitempty"`
	CourierID   string     `json:"courierId,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	Deliveries  []Delivery `json:"deliveries"`
}

// Delivery is one order's physical drop-off within a route. SortOrder is the
// sole ordering key for queue/ETA math, positive and unique within a route.
type Delivery struct {
	ID         string      `json:"id"`
	RouteID    string      `json:"routeId"`
	OrderToken string      `json:"orderToken,omitempty"`
	SortOrder  int         `json:"sortOrder"`
	Address    string      `json:"address,omitempty"`
	Target     *GeoPoint   `json:"target,omitempty"`
	Status     string      `json:"status"`
	Resolution *Resolution `json:"resolution,omitempty"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
}

// Resolved reports whether the delivery has reached a terminal status.
func (d Delivery) Resolved() bool {
	return d.Status == DeliveryDelivered || d.Status == DeliveryNotDelivered
}

// Resolution is present only once a delivery reaches a terminal status.
type Resolution struct {
	Notes         string   `json:"notes,omitempty"`
	FailureReason string   `json:"failureReason,omitempty"`
	EvidenceRefs  []string `json:"evidenceRefs,omitempty"`
}

// LocationSample is ephemeral; only the latest sample per route is
// authoritative and older ones are discarded, not archived.
type LocationSample struct {
	RouteID   string    `json:"routeId"`
	CourierID string    `json:"courierId,omitempty"`
	Position  GeoPoint  `json:"position"`
	TS        time.Time `json:"ts"`
}

// Chat sender roles.
const (
	RoleAdmin  = "admin"
	RoleDriver = "driver"
	RoleClient = "client"
)

// Chat scopes.
const (
	ScopeRoute = "route"
	ScopeOrder = "order"
)

// ChatMessage is append-only; ordering is arrival order at the broker, not
// client clocks.
type ChatMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Scope      string    `json:"scope"`
	RouteID    string    `json:"routeId,omitempty"`
	DeliveryID string    `json:"deliveryId,omitempty"`
	Text       string    `json:"text"`
	TS         time.Time `json:"ts"`
}

// QueueInfo carries derived queue figures for one delivery.
type QueueInfo struct {
	DeliveryID      string `json:"deliveryId"`
	Rank            int    `json:"rank"`
	DeliveriesAhead int    `json:"deliveriesAhead"`
}

// ETA is the last oracle-backed estimate for an in-transit delivery.
type ETA struct {
	DeliveryID      string    `json:"deliveryId"`
	DurationSeconds int       `json:"durationSeconds"`
	DistanceMeters  float64   `json:"distanceMeters"`
	ComputedAt      time.Time `json:"computedAt"`
}

// Snapshot is the complete point-in-time authoritative state for one route,
// readable without replaying history. Reconnect and polling both re-sync
// from it.
type Snapshot struct {
	Route        Route           `json:"route"`
	LastLocation *LocationSample `json:"lastLocation,omitempty"`
	Queue        []QueueInfo     `json:"queue,omitempty"`
	ETA          *ETA            `json:"eta,omitempty"`
	Chat         []ChatMessage   `json:"chat,omitempty"`
	TakenAt      time.Time       `json:"takenAt"`
}

// ResolveRequest is the courier-facing payload for resolving a delivery.
type ResolveRequest struct {
	Outcome       string   `json:"outcome"` // delivered | not_delivered
	Notes         string   `json:"notes,omitempty"`
	FailureReason string   `json:"failureReason,omitempty"`
	EvidenceRefs  []string `json:"evidenceRefs,omitempty"`
}
