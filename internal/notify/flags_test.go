package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryFlagsSetIfAbsent(t *testing.T) {
	s := NewMemoryFlags()
	ctx := context.Background()

	set, err := s.SetIfAbsent(ctx, "dlv1", KindProximity)
	if err != nil || !set {
		t.Fatalf("first set: set=%v err=%v", set, err)
	}
	set, err = s.SetIfAbsent(ctx, "dlv1", KindProximity)
	if err != nil || set {
		t.Fatalf("second set: set=%v err=%v", set, err)
	}
	// a different kind for the same subject is an independent latch
	if set, _ := s.SetIfAbsent(ctx, "dlv1", KindDelivered); !set {
		t.Fatal("different kind should latch independently")
	}
	if ok, _ := s.IsSet(ctx, "dlv1", KindProximity); !ok {
		t.Fatal("IsSet should report latched flag")
	}
	if ok, _ := s.IsSet(ctx, "dlv2", KindProximity); ok {
		t.Fatal("IsSet reported unset flag")
	}
}

func TestMemoryFlagsConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryFlags()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if set, _ := s.SetIfAbsent(ctx, "dlv1", KindInTransit); set {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("%d winners, want exactly 1", winners)
	}
}

func TestRedisFlags(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisFlags("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisFlags: %v", err)
	}
	ctx := context.Background()

	set, err := s.SetIfAbsent(ctx, "dlv1", KindProximity)
	if err != nil || !set {
		t.Fatalf("first set: set=%v err=%v", set, err)
	}
	set, err = s.SetIfAbsent(ctx, "dlv1", KindProximity)
	if err != nil || set {
		t.Fatalf("second set: set=%v err=%v", set, err)
	}
	if ok, err := s.IsSet(ctx, "dlv1", KindProximity); err != nil || !ok {
		t.Fatalf("IsSet: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.IsSet(ctx, "dlv1", KindDelivered); ok {
		t.Fatal("unset kind reported set")
	}
}
