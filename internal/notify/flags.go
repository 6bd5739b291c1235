// Package notify turns fan-out events into at-most-once outward
// notification intents. The once-only guarantee is a property of the flag
// store, not of caller discipline.
package notify

import (
	"context"
	"sync"
)

// Notification event kinds latched by the flag store.
const (
	KindRouteStarted   = "route-started"
	KindRouteCompleted = "route-completed"
	KindInTransit      = "in-transit"
	KindProximity      = "proximity"
	KindDelivered      = "delivered"
	KindNotDelivered   = "not-delivered"
	KindChat           = "chat"
)

// FlagStore is a per (subject, event-kind) boolean latch. Flags are created
// on first relevant event and never reset within a route's lifetime.
// SetIfAbsent must be atomic so concurrent events racing on the same key
// yield exactly one winner.
type FlagStore interface {
	SetIfAbsent(ctx context.Context, subject, kind string) (bool, error)
	IsSet(ctx context.Context, subject, kind string) (bool, error)
}

// MemoryFlags is the in-process flag store used when Redis is not configured.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: map[string]struct{}{}}
}

func flagKey(subject, kind string) string { return subject + "|" + kind }

func (s *MemoryFlags) SetIfAbsent(ctx context.Context, subject, kind string) (bool, error) {
	k := flagKey(subject, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[k]; ok {
		return false, nil
	}
	s.flags[k] = struct{}{}
	return true, nil
}

func (s *MemoryFlags) IsSet(ctx context.Context, subject, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flags[flagKey(subject, kind)]
	return ok, nil
}
