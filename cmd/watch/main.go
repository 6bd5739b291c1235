// Package main runs a terminal watcher for a route or order feed. It rides
// the resilience layer: live WebSocket events while the channel is healthy,
// snapshot polling when it is not.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"courierlive/internal/broker"
	"courierlive/internal/model"
	"courierlive/internal/resilience"
)

type wsMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Token string          `json:"token,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
}

// wsStream adapts one WebSocket connection to the resilience Stream.
type wsStream struct {
	conn *websocket.Conn
	ch   chan broker.TopicEvent
}

func (s *wsStream) Events() <-chan broker.TopicEvent { return s.ch }
func (s *wsStream) Close() error                     { return s.conn.Close() }

func (s *wsStream) pump() {
	defer close(s.ch)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			_ = s.conn.WriteJSON(wsMessage{Type: "pong"})
		case "event":
			var evt broker.Event
			if err := json.Unmarshal(msg.Event, &evt); err != nil {
				continue
			}
			s.ch <- broker.TopicEvent{Topic: broker.Topic(msg.Topic), Event: evt}
		case "closed":
			return
		}
	}
}

// wsDialer dials /v1/ws and subscribes with the capability token.
type wsDialer struct {
	wsURL string
	token string
}

func (d *wsDialer) Dial(ctx context.Context, topics []broker.Topic) (resilience.Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.wsURL, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", Token: d.token}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Type != "subscribed" {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe rejected: %s", ack.Error)
	}
	st := &wsStream{conn: conn, ch: make(chan broker.TopicEvent, 16)}
	go st.pump()
	return st, nil
}

func snapshotFunc(base, view, token string) resilience.SnapshotFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) (model.Snapshot, error) {
		url := fmt.Sprintf("%s/v1/snapshot?%s=%s", base, view, token)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return model.Snapshot{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return model.Snapshot{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return model.Snapshot{}, fmt.Errorf("snapshot: status %d", resp.StatusCode)
		}
		var snap model.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return model.Snapshot{}, err
		}
		return snap, nil
	}
}

func main() {
	base := flag.String("server", "http://localhost:8080", "API base URL")
	routeTok := flag.String("route", "", "route access token to watch")
	orderTok := flag.String("order", "", "order token to watch")
	flag.Parse()

	view, token := "route", *routeTok
	if *orderTok != "" {
		view, token = "order", *orderTok
	}
	if token == "" {
		log.Fatal("one of -route or -order is required")
	}

	wsURL := "ws" + strings.TrimPrefix(*base, "http") + "/v1/ws"
	sub := resilience.NewSubscriber(
		&wsDialer{wsURL: wsURL, token: token},
		nil,
		snapshotFunc(*base, view, token),
		resilience.Config{},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()
	go sub.Run(ctx)

	for u := range sub.Updates() {
		switch {
		case u.Snapshot != nil:
			mode := "live"
			if u.Degraded {
				mode = "degraded"
			}
			log.Printf("snapshot (%s): route=%s status=%s deliveries=%d",
				mode, u.Snapshot.Route.ID, u.Snapshot.Route.Status, len(u.Snapshot.Route.Deliveries))
		case u.Event != nil:
			data, _ := json.Marshal(u.Event.Event.Data)
			log.Printf("event %s on %s: %s", u.Event.Event.Type, u.Event.Topic, data)
		}
	}
}
