package geo

import (
	"math"
	"testing"
)

func TestDistanceSymmetricAndZero(t *testing.T) {
	pairs := [][2]Point{
		{{27.4861, -99.5069}, {27.4865, -99.5070}},
		{{0, 0}, {10, 10}},
		{{-33.8688, 151.2093}, {51.5074, -0.1278}},
	}
	for _, p := range pairs {
		ab := Distance(p[0], p[1])
		ba := Distance(p[1], p[0])
		if math.Abs(ab-ba) > 1e-6 {
			t.Fatalf("distance not symmetric: %v vs %v", ab, ba)
		}
	}
	if d := Distance(Point{27.4861, -99.5069}, Point{27.4861, -99.5069}); d != 0 {
		t.Fatalf("distance(a,a) = %v, want 0", d)
	}
}

func TestCheckProximityNearTarget(t *testing.T) {
	driver := Point{27.4861, -99.5069}
	target := Point{27.4865, -99.5070}
	within, d := CheckProximity(driver, target, 500)
	if !within {
		t.Fatalf("expected within 500m, distance %v", d)
	}
	if d < 40 || d > 50 {
		t.Fatalf("distance = %v, want about 45m", d)
	}
}

func TestCheckProximityOutsideThreshold(t *testing.T) {
	driver := Point{27.4861, -99.5069}
	far := Point{27.6, -99.5069}
	within, d := CheckProximity(driver, far, 500)
	if within {
		t.Fatalf("expected outside threshold, distance %v", d)
	}
	// about 0.1139 degrees of latitude, roughly 12.6 km
	if d < 10000 || d > 15000 {
		t.Fatalf("distance = %v, want roughly 12.6km", d)
	}
}
