// Package broker fans events out to connections subscribed to dynamic
// per-route, per-order and admin topics. It is pure messaging
// infrastructure: no queuing for disconnected subscribers, replay is the
// resilience layer's job via snapshots.
package broker

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"courierlive/internal/metrics"
)

// Topic is a named broadcast scope.
type Topic string

const TopicAdmin Topic = "admin"

func RouteTopic(token string) Topic { return Topic("route:" + token) }
func OrderTopic(token string) Topic { return Topic("order:" + token) }

// Kind returns "admin", "route" or "order".
func (t Topic) Kind() string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

// Event is a single fan-out payload.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TopicEvent is an event tagged with the topic it was delivered on.
type TopicEvent struct {
	Topic Topic `json:"topic"`
	Event Event `json:"event"`
}

// Broker is implemented in-process (Memory) and over Redis pub/sub
// (RedisBroker) for cross-instance fan-out.
type Broker interface {
	Connect() *Conn
	Subscribe(c *Conn, t Topic)
	Unsubscribe(c *Conn, t Topic)
	Disconnect(c *Conn)
	Publish(t Topic, evt Event)
}

// Conn is one subscriber connection. Lifecycle is create-on-connect,
// destroy-on-disconnect; there is no process-wide current connection.
type Conn struct {
	ch     chan TopicEvent
	mu     sync.Mutex
	topics map[Topic]struct{}
	closed bool
}

func newConn(buf int) *Conn {
	return &Conn{ch: make(chan TopicEvent, buf), topics: map[Topic]struct{}{}}
}

// Events is closed when the connection is dropped or disconnected.
func (c *Conn) Events() <-chan TopicEvent { return c.ch }

// Topics returns the current topic membership.
func (c *Conn) Topics() []Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// replaceKind records membership of t, returning any previous topic of the
// same kind. A connection holds admin plus at most one route and one order
// topic: one physical device tracks one active job.
func (c *Conn) replaceKind(t Topic) (Topic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", false
	}
	var prev Topic
	found := false
	if t != TopicAdmin {
		for have := range c.topics {
			if have != t && have.Kind() == t.Kind() {
				prev = have
				found = true
				delete(c.topics, have)
				break
			}
		}
	}
	c.topics[t] = struct{}{}
	return prev, found
}

// trySend delivers without blocking. Once the connection is closed it is a
// no-op, so late pump goroutines can never hit the closed channel.
func (c *Conn) trySend(te TopicEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- te:
		return true
	default:
		return false
	}
}

func (c *Conn) forget(t Topic) {
	c.mu.Lock()
	delete(c.topics, t)
	c.mu.Unlock()
}

func (c *Conn) closeOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.topics = map[Topic]struct{}{}
	close(c.ch)
	return true
}

// Memory is the in-process broker. Publish holds the broker lock for the
// whole fan-out, which is what guarantees per-topic delivery order.
type Memory struct {
	mu          sync.Mutex
	subs        map[Topic]map[*Conn]struct{}
	buf         int
	sendTimeout time.Duration
	log         *zap.Logger
}

func NewMemory(sendTimeout time.Duration, log *zap.Logger) *Memory {
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{subs: map[Topic]map[*Conn]struct{}{}, buf: 32, sendTimeout: sendTimeout, log: log}
}

func (b *Memory) Connect() *Conn { return newConn(b.buf) }

func (b *Memory) Subscribe(c *Conn, t Topic) {
	prev, hadPrev := c.replaceKind(t)
	b.mu.Lock()
	if hadPrev {
		b.removeLocked(c, prev)
	}
	if b.subs[t] == nil {
		b.subs[t] = map[*Conn]struct{}{}
	}
	b.subs[t][c] = struct{}{}
	b.mu.Unlock()
}

func (b *Memory) Unsubscribe(c *Conn, t Topic) {
	c.forget(t)
	b.mu.Lock()
	b.removeLocked(c, t)
	b.mu.Unlock()
}

func (b *Memory) Disconnect(c *Conn) {
	topics := c.Topics()
	b.mu.Lock()
	for _, t := range topics {
		b.removeLocked(c, t)
	}
	b.mu.Unlock()
	c.closeOnce()
}

func (b *Memory) removeLocked(c *Conn, t Topic) {
	if m := b.subs[t]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(b.subs, t)
		}
	}
}

// Publish delivers evt to every current subscriber of t in publish order.
// A subscriber that cannot accept within the send timeout is dropped and
// must resubscribe: fail fast over head-of-line blocking.
func (b *Memory) Publish(t Topic, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	metrics.EventsPublished.WithLabelValues(t.Kind(), evt.Type).Inc()
	m := b.subs[t]
	if len(m) == 0 {
		return
	}
	var slow []*Conn
	te := TopicEvent{Topic: t, Event: evt}
	for c := range m {
		select {
		case c.ch <- te:
			continue
		default:
		}
		timer := time.NewTimer(b.sendTimeout)
		select {
		case c.ch <- te:
			timer.Stop()
		case <-timer.C:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		for _, ct := range c.Topics() {
			b.removeLocked(c, ct)
		}
		c.closeOnce()
		metrics.SubscribersDropped.Inc()
		b.log.Warn("dropped slow subscriber", zap.String("topic", string(t)))
	}
}
