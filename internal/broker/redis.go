package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courierlive/internal/metrics"
)

// RedisBroker implements Broker over Redis pub/sub so multiple API instances
// observe the same topic traffic. Per-topic ordering holds because Redis
// delivers each channel's messages in publish order and each topic gets one
// pump goroutine per connection.
type RedisBroker struct {
	rdb *redis.Client
	mu  sync.Mutex
	ps  map[*Conn]map[Topic]*redis.PubSub
	log *zap.Logger
}

func NewRedis(url string, log *zap.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{rdb: redis.NewClient(opt), ps: map[*Conn]map[Topic]*redis.PubSub{}, log: log}, nil
}

func (b *RedisBroker) Connect() *Conn { return newConn(32) }

// Subscribe is idempotent per (conn, topic): resubscribing to a topic the
// connection already holds keeps the existing PubSub and pump, so one publish
// is always one delivery.
func (b *RedisBroker) Subscribe(c *Conn, t Topic) {
	b.mu.Lock()
	if m := b.ps[c]; m != nil && m[t] != nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	prev, hadPrev := c.replaceKind(t)
	if hadPrev {
		b.closePubSub(c, prev)
	}
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, string(t))
	// confirm the subscription before recording it
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", zap.String("topic", string(t)), zap.Error(err))
		_ = ps.Close()
		c.forget(t)
		return
	}
	b.mu.Lock()
	if b.ps[c] == nil {
		b.ps[c] = map[Topic]*redis.PubSub{}
	}
	if b.ps[c][t] != nil {
		// lost the race to a concurrent subscribe for the same topic
		b.mu.Unlock()
		_ = ps.Close()
		return
	}
	b.ps[c][t] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var te TopicEvent
			if err := json.Unmarshal([]byte(msg.Payload), &te); err != nil {
				continue
			}
			// a closed or stalled reader loses broker-side delivery; it
			// re-syncs from a snapshot after resubscribing
			_ = c.trySend(te)
		}
	}()
}

func (b *RedisBroker) Unsubscribe(c *Conn, t Topic) {
	c.forget(t)
	b.closePubSub(c, t)
}

func (b *RedisBroker) Disconnect(c *Conn) {
	for _, t := range c.Topics() {
		b.closePubSub(c, t)
	}
	b.mu.Lock()
	delete(b.ps, c)
	b.mu.Unlock()
	c.closeOnce()
}

func (b *RedisBroker) closePubSub(c *Conn, t Topic) {
	b.mu.Lock()
	var ps *redis.PubSub
	if m := b.ps[c]; m != nil {
		ps = m[t]
		delete(m, t)
	}
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(t Topic, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metrics.EventsPublished.WithLabelValues(t.Kind(), evt.Type).Inc()
	data, _ := json.Marshal(TopicEvent{Topic: t, Event: evt})
	if err := b.rdb.Publish(ctx, string(t), data).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("topic", string(t)), zap.Error(err))
	}
}
