package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"courierlive/internal/broker"
	"courierlive/internal/metrics"
	"courierlive/internal/store"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Token string          `json:"token,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WSHandler handles GET /v1/ws. Clients subscribe by presenting a token per
// topic: the admin token grants the admin feed, a route token its route feed,
// an order token its order feed. The broker enforces at most one route and
// one order topic per connection.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	bc := s.Broker.Connect()
	defer s.Broker.Disconnect(bc)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	done := make(chan struct{})
	defer close(done)

	// Relay broker events. The channel closes when the broker drops us as a
	// slow consumer; the client re-syncs with a snapshot and resubscribes.
	go func() {
		for te := range bc.Events() {
			payload, err := json.Marshal(te.Event)
			if err != nil {
				continue
			}
			if err := write(wsMessage{Type: "event", Topic: string(te.Topic), Event: payload}); err != nil {
				return
			}
		}
		select {
		case <-done:
		default:
			_ = write(wsMessage{Type: "closed", Error: "subscription dropped, re-sync via snapshot"})
			_ = conn.Close()
		}
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(wsMessage{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "subscribe":
			topic, err := s.topicForToken(r.Context(), msg.Token)
			if err != nil {
				_ = write(wsMessage{Type: "error", Error: "unknown token"})
				continue
			}
			s.Broker.Subscribe(bc, topic)
			_ = write(wsMessage{Type: "subscribed", Topic: string(topic)})
		case "unsubscribe":
			if msg.Topic == "" {
				_ = write(wsMessage{Type: "error", Error: "topic required"})
				continue
			}
			s.Broker.Unsubscribe(bc, broker.Topic(msg.Topic))
			_ = write(wsMessage{Type: "unsubscribed", Topic: msg.Topic})
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		default:
			// ignore
		}
	}
}

// topicForToken maps a capability token to the topic it grants.
func (s *Server) topicForToken(ctx context.Context, token string) (broker.Topic, error) {
	if token == "" {
		return "", errUnauthorized
	}
	if s.AdminToken != "" && token == s.AdminToken {
		return broker.TopicAdmin, nil
	}
	if _, err := s.Store.GetRouteByToken(ctx, token); err == nil {
		return broker.RouteTopic(token), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if _, _, err := s.Store.GetRouteByOrderToken(ctx, token); err == nil {
		return broker.OrderTopic(token), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	s.log.Debug("ws subscribe with unknown token", zap.Int("len", len(token)))
	return "", errUnauthorized
}
