package notify

import (
	"context"
	"sync"
	"testing"

	"courierlive/internal/model"
)

type captureSink struct {
	mu      sync.Mutex
	intents []Intent
}

func (c *captureSink) add(in Intent) {
	c.mu.Lock()
	c.intents = append(c.intents, in)
	c.mu.Unlock()
}

func (c *captureSink) byKind(kind string) []Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Intent
	for _, in := range c.intents {
		if in.Kind == kind {
			out = append(out, in)
		}
	}
	return out
}

func TestProximityFiresOnce(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(NewMemoryFlags(), sink.add, nil)
	ctx := context.Background()

	d.OnProximity(ctx, "dlv1", 45)
	d.OnProximity(ctx, "dlv1", 30)
	d.OnProximity(ctx, "dlv1", 12)

	got := sink.byKind(KindProximity)
	if len(got) != 1 {
		t.Fatalf("got %d proximity intents, want 1", len(got))
	}
	if got[0].Audience != AudienceClient {
		t.Fatalf("audience %s", got[0].Audience)
	}
}

func TestTransitionKindsLatchedIndependently(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(NewMemoryFlags(), sink.add, nil)
	ctx := context.Background()

	d.OnDeliveryTransition(ctx, model.Delivery{ID: "dlv1", Status: model.DeliveryInTransit})
	d.OnDeliveryTransition(ctx, model.Delivery{ID: "dlv1", Status: model.DeliveryInTransit})
	d.OnDeliveryTransition(ctx, model.Delivery{ID: "dlv1", Status: model.DeliveryDelivered})

	if n := len(sink.byKind(KindInTransit)); n != 1 {
		t.Fatalf("in-transit intents: %d, want 1", n)
	}
	if n := len(sink.byKind(KindDelivered)); n != 1 {
		t.Fatalf("delivered intents: %d, want 1", n)
	}
}

func TestConcurrentEventsEmitOneIntent(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(NewMemoryFlags(), sink.add, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.OnProximity(ctx, "dlv2", 100)
		}()
	}
	wg.Wait()
	if n := len(sink.byKind(KindProximity)); n != 1 {
		t.Fatalf("got %d intents under race, want 1", n)
	}
}

func TestChatNotifiesEveryoneButSender(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(NewMemoryFlags(), sink.add, nil)
	ctx := context.Background()

	d.OnChat(ctx, model.ChatMessage{ID: "m1", Sender: model.RoleDriver, Scope: model.ScopeOrder, Text: "outside"})
	got := sink.byKind(KindChat)
	if len(got) != 2 {
		t.Fatalf("got %d chat intents, want 2", len(got))
	}
	for _, in := range got {
		if in.Audience == AudienceCourier {
			t.Fatal("courier notified of own message")
		}
	}

	// chat is exempt from the latch: a second message notifies again
	d.OnChat(ctx, model.ChatMessage{ID: "m2", Sender: model.RoleClient, Scope: model.ScopeOrder, Text: "thanks"})
	if len(sink.byKind(KindChat)) != 4 {
		t.Fatalf("chat should not be deduped across messages")
	}
}

func TestRouteLifecycleIntents(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(NewMemoryFlags(), sink.add, nil)
	ctx := context.Background()
	r := model.Route{ID: "r1"}

	d.OnRouteStarted(ctx, r)
	d.OnRouteStarted(ctx, r)
	d.OnRouteCompleted(ctx, r)

	if n := len(sink.byKind(KindRouteStarted)); n != 1 {
		t.Fatalf("route-started intents: %d", n)
	}
	if got := sink.byKind(KindRouteCompleted); len(got) != 1 || got[0].Audience != AudienceAdmin {
		t.Fatalf("route-completed intents: %+v", got)
	}
}
