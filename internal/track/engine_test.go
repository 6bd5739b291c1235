package track

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"courierlive/internal/model"
	"courierlive/internal/notify"
)

type fakeOracle struct {
	calls int32
	fail  bool
}

func (f *fakeOracle) Route(ctx context.Context, origin, dest model.GeoPoint) (int, float64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		return 0, 0, errors.New("oracle down")
	}
	return 300, 1500, nil
}

func testRoute(targets ...*model.GeoPoint) model.Route {
	r := model.Route{ID: "r1", Status: model.RouteActive}
	for i, tgt := range targets {
		r.Deliveries = append(r.Deliveries, model.Delivery{
			ID:        "d" + string(rune('1'+i)),
			RouteID:   "r1",
			SortOrder: i + 1,
			Status:    model.DeliveryPending,
			Target:    tgt,
		})
	}
	return r
}

func TestQueuePositionScenario(t *testing.T) {
	r := testRoute(nil, nil, nil)
	qi, err := QueuePosition(r, "d2")
	if err != nil {
		t.Fatalf("queue position: %v", err)
	}
	if qi.Rank != 2 || qi.DeliveriesAhead != 1 {
		t.Fatalf("got rank=%d ahead=%d, want rank=2 ahead=1", qi.Rank, qi.DeliveriesAhead)
	}

	r.Deliveries[0].Status = model.DeliveryDelivered
	qi, err = QueuePosition(r, "d2")
	if err != nil {
		t.Fatalf("queue position after resolve: %v", err)
	}
	if qi.Rank != 1 || qi.DeliveriesAhead != 0 {
		t.Fatalf("got rank=%d ahead=%d, want rank=1 ahead=0", qi.Rank, qi.DeliveriesAhead)
	}
}

func TestQueueSkipsResolved(t *testing.T) {
	r := testRoute(nil, nil, nil)
	r.Deliveries[1].Status = model.DeliveryNotDelivered
	q := Queue(r)
	if len(q) != 2 {
		t.Fatalf("queue length %d, want 2", len(q))
	}
	if q[0].DeliveryID != "d1" || q[0].Rank != 1 {
		t.Fatalf("first entry: %+v", q[0])
	}
	if q[1].DeliveryID != "d3" || q[1].Rank != 2 || q[1].DeliveriesAhead != 1 {
		t.Fatalf("second entry: %+v", q[1])
	}
}

func TestCrossingFiresOncePerDelivery(t *testing.T) {
	flags := notify.NewMemoryFlags()
	e := NewEngine(&fakeOracle{}, flags, 500, time.Minute, nil)
	ctx := context.Background()

	r := testRoute(&model.GeoPoint{Lat: 27.4865, Lng: -99.5070})
	r.Deliveries[0].Status = model.DeliveryInTransit

	near := model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 27.4861, Lng: -99.5069}, TS: time.Now()}
	res := e.ProcessSample(ctx, r, near)
	if res.Crossing == nil {
		t.Fatalf("expected crossing, distance %v", res.DistanceM)
	}
	if res.DistanceM < 40 || res.DistanceM > 50 {
		t.Fatalf("distance = %v, want about 45m", res.DistanceM)
	}

	// the dispatcher latches the flag; after that, identical samples do not
	// produce another crossing
	if set, _ := flags.SetIfAbsent(ctx, "d1", notify.KindProximity); !set {
		t.Fatal("latch should have been free")
	}
	res = e.ProcessSample(ctx, r, near)
	if res.Crossing != nil {
		t.Fatal("crossing re-fired for a sample still within threshold")
	}
}

func TestNoCrossingWithoutInTransit(t *testing.T) {
	e := NewEngine(&fakeOracle{}, notify.NewMemoryFlags(), 500, time.Minute, nil)
	r := testRoute(&model.GeoPoint{Lat: 27.4865, Lng: -99.5070})
	res := e.ProcessSample(context.Background(), r, model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 27.4861, Lng: -99.5069}, TS: time.Now()})
	if res.Crossing != nil || res.InTransit != nil {
		t.Fatalf("no delivery in transit, got %+v", res)
	}
}

func TestETAOracleThrottled(t *testing.T) {
	or := &fakeOracle{}
	e := NewEngine(or, notify.NewMemoryFlags(), 500, time.Hour, nil)
	ctx := context.Background()

	r := testRoute(&model.GeoPoint{Lat: 27.5, Lng: -99.5})
	r.Deliveries[0].Status = model.DeliveryInTransit
	s := model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 27.49, Lng: -99.51}, TS: time.Now()}

	res := e.ProcessSample(ctx, r, s)
	if res.ETA == nil || res.ETA.DurationSeconds != 300 {
		t.Fatalf("first sample ETA: %+v", res.ETA)
	}
	for i := 0; i < 5; i++ {
		res = e.ProcessSample(ctx, r, s)
	}
	if got := atomic.LoadInt32(&or.calls); got != 1 {
		t.Fatalf("oracle called %d times within refresh interval, want 1", got)
	}
	if res.ETA == nil || res.ETA.DurationSeconds != 300 {
		t.Fatalf("cached ETA not served: %+v", res.ETA)
	}
}

func TestETAOracleFailureServesCache(t *testing.T) {
	or := &fakeOracle{}
	e := NewEngine(or, notify.NewMemoryFlags(), 500, 0, nil)
	e.etaRefresh = 0 // refresh on every sample
	ctx := context.Background()

	r := testRoute(&model.GeoPoint{Lat: 27.5, Lng: -99.5})
	r.Deliveries[0].Status = model.DeliveryInTransit
	s := model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 27.49, Lng: -99.51}, TS: time.Now()}

	if res := e.ProcessSample(ctx, r, s); res.ETA == nil {
		t.Fatal("no ETA on healthy oracle")
	}
	or.fail = true
	res := e.ProcessSample(ctx, r, s)
	if res.ETA == nil || res.ETA.DurationSeconds != 300 {
		t.Fatalf("cached ETA not served on oracle failure: %+v", res.ETA)
	}
}

func TestUnresolvedCoordinateSkipped(t *testing.T) {
	or := &fakeOracle{}
	e := NewEngine(or, notify.NewMemoryFlags(), 500, time.Minute, nil)
	ctx := context.Background()

	r := testRoute(nil)
	r.Deliveries[0].Status = model.DeliveryInTransit
	res := e.ProcessSample(ctx, r, model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 1, Lng: 1}, TS: time.Now()})
	if res.Crossing != nil || res.ETA != nil {
		t.Fatalf("unresolved coordinate must skip proximity/eta: %+v", res)
	}
	if atomic.LoadInt32(&or.calls) != 0 {
		t.Fatal("oracle called for unresolved coordinate")
	}
}

func TestOnInTransitEntryComputesETA(t *testing.T) {
	or := &fakeOracle{}
	e := NewEngine(or, notify.NewMemoryFlags(), 500, time.Hour, nil)
	ctx := context.Background()

	r := testRoute(&model.GeoPoint{Lat: 27.5, Lng: -99.5})
	// no location yet: no ETA
	if eta := e.OnInTransitEntry(ctx, r.Deliveries[0]); eta != nil {
		t.Fatalf("eta without a known position: %+v", eta)
	}
	e.ProcessSample(ctx, r, model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 27.49, Lng: -99.51}, TS: time.Now()})
	eta := e.OnInTransitEntry(ctx, r.Deliveries[0])
	if eta == nil || eta.DurationSeconds != 300 {
		t.Fatalf("entry ETA: %+v", eta)
	}
	if _, ok := e.LastETA("d1"); !ok {
		t.Fatal("entry ETA not cached")
	}
}

func TestLatestKeepsNewestSample(t *testing.T) {
	e := NewEngine(nil, notify.NewMemoryFlags(), 500, time.Minute, nil)
	ctx := context.Background()
	r := testRoute(nil)
	now := time.Now()

	e.ProcessSample(ctx, r, model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 2, Lng: 2}, TS: now})
	// an older sample must not replace the authoritative one
	e.ProcessSample(ctx, r, model.LocationSample{RouteID: "r1", Position: model.GeoPoint{Lat: 1, Lng: 1}, TS: now.Add(-time.Minute)})
	s, ok := e.Latest("r1")
	if !ok || s.Position.Lat != 2 {
		t.Fatalf("latest sample: %+v", s)
	}
}
