package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courierlive/internal/metrics"
	"courierlive/internal/model"
)

// Notification audiences.
const (
	AudienceClient  = "client"
	AudienceCourier = "courier"
	AudienceAdmin   = "admin"
)

// Intent is an outward notification the presentation layer renders as a push
// notification or in-app toast. Fire-and-forget: delivery failures are the
// presentation layer's concern, not retried here.
type Intent struct {
	ID        string    `json:"id"`
	Audience  string    `json:"audience"`
	Subject   string    `json:"subject"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	DedupeTag string    `json:"dedupeTag"`
	TS        time.Time `json:"ts"`
}

// Sink receives emitted intents.
type Sink func(Intent)

// Dispatcher evaluates fan-out events for notification-worthiness. Every
// event kind except chat passes through the flag store latch first.
type Dispatcher struct {
	flags FlagStore
	sink  Sink
	log   *zap.Logger
}

func NewDispatcher(flags FlagStore, sink Sink, log *zap.Logger) *Dispatcher {
	if sink == nil {
		sink = func(Intent) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{flags: flags, sink: sink, log: log}
}

// OnRouteStarted notifies the operations console that a courier went out.
func (d *Dispatcher) OnRouteStarted(ctx context.Context, r model.Route) {
	d.once(ctx, r.ID, KindRouteStarted, AudienceAdmin,
		fmt.Sprintf("Route %s started", r.ID))
}

// OnRouteCompleted notifies the operations console that all deliveries
// resolved.
func (d *Dispatcher) OnRouteCompleted(ctx context.Context, r model.Route) {
	d.once(ctx, r.ID, KindRouteCompleted, AudienceAdmin,
		fmt.Sprintf("Route %s completed", r.ID))
}

// OnDeliveryTransition maps a delivery status change to its client-facing
// notification kind.
func (d *Dispatcher) OnDeliveryTransition(ctx context.Context, dl model.Delivery) {
	switch dl.Status {
	case model.DeliveryInTransit:
		d.once(ctx, dl.ID, KindInTransit, AudienceClient, "Your order is on its way")
	case model.DeliveryDelivered:
		d.once(ctx, dl.ID, KindDelivered, AudienceClient, "Your order was delivered")
	case model.DeliveryNotDelivered:
		d.once(ctx, dl.ID, KindNotDelivered, AudienceClient, "We could not deliver your order")
	}
}

// OnProximity fires the "courier nearby" notification for a threshold
// crossing. Repeat crossings for the same delivery are suppressed by the
// latch regardless of how many samples remain within threshold.
func (d *Dispatcher) OnProximity(ctx context.Context, deliveryID string, distanceM float64) {
	d.once(ctx, deliveryID, KindProximity,
		AudienceClient, fmt.Sprintf("Your courier is nearby (%.0f m away)", distanceM))
}

// OnChat always notifies, but only the intended audience: a sender never
// gets an intent for their own message.
func (d *Dispatcher) OnChat(ctx context.Context, msg model.ChatMessage) {
	for _, aud := range chatAudience(msg) {
		d.emit(Intent{
			ID:        uuid.New().String(),
			Audience:  aud,
			Subject:   msg.ID,
			Kind:      KindChat,
			Message:   msg.Text,
			DedupeTag: "chat:" + msg.ID + ":" + aud,
			TS:        time.Now().UTC(),
		})
	}
}

func chatAudience(msg model.ChatMessage) []string {
	var roles []string
	if msg.Scope == model.ScopeOrder {
		roles = []string{AudienceClient, AudienceCourier, AudienceAdmin}
	} else {
		roles = []string{AudienceCourier, AudienceAdmin}
	}
	self := map[string]string{
		model.RoleAdmin:  AudienceAdmin,
		model.RoleDriver: AudienceCourier,
		model.RoleClient: AudienceClient,
	}[msg.Sender]
	out := roles[:0:0]
	for _, r := range roles {
		if r != self {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) once(ctx context.Context, subject, kind, audience, message string) {
	set, err := d.flags.SetIfAbsent(ctx, subject, kind)
	if err != nil {
		// flag store failure degrades to suppression rather than risking a
		// duplicate alert
		d.log.Warn("flag store unavailable, suppressing notification",
			zap.String("subject", subject), zap.String("kind", kind), zap.Error(err))
		return
	}
	if !set {
		metrics.NotificationsSuppressed.WithLabelValues(kind).Inc()
		return
	}
	d.emit(Intent{
		ID:        uuid.New().String(),
		Audience:  audience,
		Subject:   subject,
		Kind:      kind,
		Message:   message,
		DedupeTag: kind + ":" + subject,
		TS:        time.Now().UTC(),
	})
}

func (d *Dispatcher) emit(in Intent) {
	metrics.NotificationIntents.WithLabelValues(in.Kind, in.Audience).Inc()
	d.sink(in)
}
