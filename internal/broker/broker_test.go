package broker

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemory(time.Second, nil)
	c := b.Connect()
	b.Subscribe(c, RouteTopic("tok1"))

	evt := Event{Type: "location.updated", Data: map[string]any{"lat": 1.0}}
	b.Publish(RouteTopic("tok1"), evt)

	select {
	case got := <-c.Events():
		if got.Event.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Event.Type, evt.Type)
		}
		if got.Topic != RouteTopic("tok1") {
			t.Fatalf("bad topic %s", got.Topic)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Disconnect(c)
	if _, ok := <-c.Events(); ok {
		t.Fatal("channel should be closed after disconnect")
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := NewMemory(time.Second, nil)
	c := b.Connect()
	b.Subscribe(c, TopicAdmin)
	for i := 0; i < 10; i++ {
		b.Publish(TopicAdmin, Event{Type: "seq", Data: map[string]any{"n": i}})
	}
	for i := 0; i < 10; i++ {
		select {
		case got := <-c.Events():
			if got.Event.Data["n"].(int) != i {
				t.Fatalf("out of order: got %v at position %d", got.Event.Data["n"], i)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timeout at position %d", i)
		}
	}
}

func TestRouteTopicReplacement(t *testing.T) {
	b := NewMemory(time.Second, nil)
	c := b.Connect()
	b.Subscribe(c, TopicAdmin)
	b.Subscribe(c, RouteTopic("old"))
	b.Subscribe(c, OrderTopic("ord1"))
	// a second route subscription replaces the first, admin and order stay
	b.Subscribe(c, RouteTopic("new"))

	b.Publish(RouteTopic("old"), Event{Type: "stale"})
	b.Publish(RouteTopic("new"), Event{Type: "fresh"})

	select {
	case got := <-c.Events():
		if got.Event.Type != "fresh" {
			t.Fatalf("received event for replaced topic: %s", got.Event.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout")
	}

	topics := c.Topics()
	if len(topics) != 3 {
		t.Fatalf("got %d topics, want 3 (admin, one route, one order): %v", len(topics), topics)
	}
	for _, tp := range topics {
		if tp == RouteTopic("old") {
			t.Fatal("old route topic still subscribed")
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewMemory(10*time.Millisecond, nil)
	slow := b.Connect()
	b.Subscribe(slow, TopicAdmin)

	// never read: fill the buffer, then one more publish exceeds the timeout
	for i := 0; i < 33; i++ {
		b.Publish(TopicAdmin, Event{Type: "flood"})
	}

	// the connection channel must be closed once dropped
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestUnsubscribeStopsFanout(t *testing.T) {
	b := NewMemory(time.Second, nil)
	c := b.Connect()
	b.Subscribe(c, OrderTopic("o1"))
	b.Unsubscribe(c, OrderTopic("o1"))
	b.Publish(OrderTopic("o1"), Event{Type: "late"})
	select {
	case got := <-c.Events():
		t.Fatalf("received %s after unsubscribe", got.Event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
