package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"courierlive/internal/model"
)

func seedRoute(m *Machine, n int) model.Route {
	r := model.Route{ID: "r1", AccessToken: "tok-r1", Status: model.RoutePending}
	for i := 1; i <= n; i++ {
		r.Deliveries = append(r.Deliveries, model.Delivery{
			ID:        "d" + string(rune('0'+i)),
			RouteID:   "r1",
			SortOrder: i,
			Status:    model.DeliveryPending,
		})
	}
	m.Load(r)
	return r
}

func TestStartRouteTransitions(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 1)
	ctx := context.Background()

	r, err := m.StartRoute(ctx, "r1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Status != model.RouteActive || r.StartedAt == nil {
		t.Fatalf("route not active after start: %+v", r)
	}
	// starting twice violates pending -> active
	if _, err := m.StartRoute(ctx, "r1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start: got %v, want ErrInvalidTransition", err)
	}
}

func TestMarkInTransitConflict(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 2)
	ctx := context.Background()
	if _, _, err := m.MarkInTransit(ctx, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transit before start: got %v", err)
	}
	if _, err := m.StartRoute(ctx, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := m.MarkInTransit(ctx, "d1"); err != nil {
		t.Fatalf("transit d1: %v", err)
	}
	if _, _, err := m.MarkInTransit(ctx, "d2"); !errors.Is(err, ErrConflictingInTransit) {
		t.Fatalf("transit d2 while d1 in transit: got %v, want ErrConflictingInTransit", err)
	}
	if _, _, _, err := m.ResolveDelivery(ctx, "d1", model.ResolveRequest{Outcome: model.DeliveryDelivered}); err != nil {
		t.Fatalf("resolve d1: %v", err)
	}
	// after d1 resolves the same call succeeds
	if _, _, err := m.MarkInTransit(ctx, "d2"); err != nil {
		t.Fatalf("transit d2 after resolve: %v", err)
	}
}

func TestResolveShortcutAndCascade(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 2)
	ctx := context.Background()
	if _, err := m.StartRoute(ctx, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// pending -> terminal shortcut without a transit step
	_, d, completed, err := m.ResolveDelivery(ctx, "d1", model.ResolveRequest{Outcome: model.DeliveryNotDelivered, FailureReason: "no answer"})
	if err != nil {
		t.Fatalf("resolve d1: %v", err)
	}
	if d.Status != model.DeliveryNotDelivered || d.Resolution == nil || d.Resolution.FailureReason != "no answer" {
		t.Fatalf("bad resolution: %+v", d)
	}
	if completed {
		t.Fatal("route completed with d2 unresolved")
	}
	r, _, completed, err := m.ResolveDelivery(ctx, "d2", model.ResolveRequest{Outcome: model.DeliveryDelivered})
	if err != nil {
		t.Fatalf("resolve d2: %v", err)
	}
	if !completed || r.Status != model.RouteCompleted {
		t.Fatalf("last resolution should cascade completion: %+v", r)
	}
	// resolving a resolved delivery is rejected
	if _, _, _, err := m.ResolveDelivery(ctx, "d2", model.ResolveRequest{Outcome: model.DeliveryDelivered}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-resolve: got %v", err)
	}
}

func TestCompleteRouteIdempotent(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 1)
	ctx := context.Background()
	if _, err := m.StartRoute(ctx, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, changed, err := m.CompleteRoute(ctx, "r1"); err != nil || !changed {
		t.Fatalf("complete: changed=%v err=%v", changed, err)
	}
	r, changed, err := m.CompleteRoute(ctx, "r1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if changed {
		t.Fatal("second complete must be a no-op")
	}
	if r.Status != model.RouteCompleted {
		t.Fatalf("status %s", r.Status)
	}
}

func TestSingleInTransitUnderConcurrency(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 8)
	ctx := context.Background()
	if _, err := m.StartRoute(ctx, "r1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	var wg sync.WaitGroup
	wins := make(chan string, 8)
	for i := 1; i <= 8; i++ {
		id := "d" + string(rune('0'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := m.MarkInTransit(ctx, id); err == nil {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("%d deliveries won in-transit, want exactly 1", n)
	}
	r, _ := m.Route("r1")
	transit := 0
	for _, d := range r.Deliveries {
		if d.Status == model.DeliveryInTransit {
			transit++
		}
	}
	if transit != 1 {
		t.Fatalf("%d deliveries in transit, want 1", transit)
	}
}

func TestRouteLookups(t *testing.T) {
	m := New(nil, nil)
	seedRoute(m, 2)
	if _, err := m.RouteByToken("tok-r1"); err != nil {
		t.Fatalf("by token: %v", err)
	}
	if _, err := m.RouteByToken("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token: %v", err)
	}
	r, err := m.RouteForDelivery("d2")
	if err != nil || r.ID != "r1" {
		t.Fatalf("for delivery: %v %+v", err, r)
	}
}
