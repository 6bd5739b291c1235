// Package resilience keeps a logical subscription alive across channel
// failures. It reconnects with capped, jittered backoff and degrades to
// periodic snapshot polling when the channel stays down. Correctness relies
// on state being re-derivable from a snapshot, not on event replay.
package resilience

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"courierlive/internal/broker"
	"courierlive/internal/metrics"
	"courierlive/internal/model"
)

// Stream is one live attachment to the channel.
type Stream interface {
	// Events is closed by the implementation when the channel fails.
	Events() <-chan broker.TopicEvent
	Close() error
}

// Dialer opens the live channel for a topic set.
type Dialer interface {
	Dial(ctx context.Context, topics []broker.Topic) (Stream, error)
}

// SnapshotFunc fetches the one-shot authoritative state. Both the
// reconnect re-sync and the polling fallback go through it.
type SnapshotFunc func(ctx context.Context) (model.Snapshot, error)

// Update is what the application observes: either a live event or a fresh
// snapshot to re-derive state from. Degraded is true while the polling
// fallback is active.
type Update struct {
	Event    *broker.TopicEvent
	Snapshot *model.Snapshot
	Degraded bool
}

type Config struct {
	BaseBackoff  time.Duration // first retry delay; the very first attempt is immediate
	MaxBackoff   time.Duration // backoff cap
	MaxAttempts  int           // consecutive failures before the polling fallback
	PollInterval time.Duration // snapshot cadence while degraded
}

func (c *Config) defaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Second
	}
}

// Subscriber wraps one logical subscription. It never gives up and never
// surfaces a channel error to the caller; the worst case is degraded mode.
type Subscriber struct {
	dialer   Dialer
	topics   []broker.Topic
	snapshot SnapshotFunc
	cfg      Config
	log      *zap.Logger

	updates  chan Update
	degraded atomic.Bool
}

func NewSubscriber(d Dialer, topics []broker.Topic, snap SnapshotFunc, cfg Config, log *zap.Logger) *Subscriber {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		dialer:   d,
		topics:   topics,
		snapshot: snap,
		cfg:      cfg,
		log:      log,
		updates:  make(chan Update, 16),
	}
}

// Updates delivers snapshots and live events. Closed when Run returns.
func (s *Subscriber) Updates() <-chan Update { return s.updates }

// Degraded reports whether the polling fallback is currently active.
func (s *Subscriber) Degraded() bool { return s.degraded.Load() }

// Run drives the subscription until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.updates)
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		st, err := s.dialer.Dial(ctx, s.topics)
		if err == nil {
			metrics.Reconnects.WithLabelValues("ok").Inc()
			s.degraded.Store(false)
			attempts = 0
			s.resync(ctx)
			s.relay(ctx, st)
			_ = st.Close()
			continue
		}
		metrics.Reconnects.WithLabelValues("fail").Inc()
		attempts++
		s.log.Warn("channel unavailable", zap.Int("attempt", attempts), zap.Error(err))
		if attempts >= s.cfg.MaxAttempts {
			if s.pollUntilReconnect(ctx) {
				attempts = 0
			}
			continue
		}
		if !sleep(ctx, s.backoff(attempts)) {
			return
		}
	}
}

// backoff doubles from base per consecutive failure, capped, with full
// jitter so a fleet of clients does not reconnect in lockstep.
func (s *Subscriber) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := s.cfg.BaseBackoff << uint(attempts-1)
	if d > s.cfg.MaxBackoff || d <= 0 {
		d = s.cfg.MaxBackoff
	}
	return time.Duration(rand.Int64N(int64(d)) + int64(d)/2)
}

// pollUntilReconnect is the degraded mode: snapshot on a fixed cadence,
// probing the channel each tick. Returns true when the channel came back,
// false on ctx cancellation.
func (s *Subscriber) pollUntilReconnect(ctx context.Context) bool {
	s.degraded.Store(true)
	s.log.Warn("entering degraded polling mode", zap.Duration("interval", s.cfg.PollInterval))
	s.poll(ctx)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if st, err := s.dialer.Dial(ctx, s.topics); err == nil {
				// hand the healthy stream straight back to the live loop
				metrics.Reconnects.WithLabelValues("ok").Inc()
				s.degraded.Store(false)
				s.log.Info("channel restored, polling stopped")
				s.resync(ctx)
				s.relay(ctx, st)
				_ = st.Close()
				return true
			}
			metrics.Reconnects.WithLabelValues("fail").Inc()
			s.poll(ctx)
		}
	}
}

func (s *Subscriber) poll(ctx context.Context) {
	metrics.SnapshotPolls.Inc()
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.log.Warn("snapshot poll failed", zap.Error(err))
		return
	}
	s.deliver(ctx, Update{Snapshot: &snap, Degraded: true})
}

// resync fetches the authoritative snapshot after (re)connecting instead of
// replaying missed events.
func (s *Subscriber) resync(ctx context.Context) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.log.Warn("post-connect snapshot failed", zap.Error(err))
		return
	}
	s.deliver(ctx, Update{Snapshot: &snap})
}

func (s *Subscriber) relay(ctx context.Context, st Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case te, ok := <-st.Events():
			if !ok {
				return
			}
			s.deliver(ctx, Update{Event: &te})
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, u Update) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
