package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"courierlive/internal/model"
)

func TestRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/route" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Origin      model.GeoPoint `json:"origin"`
			Destination model.GeoPoint `json:"destination"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Origin.Lat != 27.5 || req.Destination.Lng != -99.51 {
			t.Errorf("bad payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"durationSeconds": 420,
			"distanceMeters":  2100.5,
			"path":            []model.GeoPoint{{Lat: 27.5, Lng: -99.5}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	dur, dist, err := c.Route(context.Background(), model.GeoPoint{Lat: 27.5, Lng: -99.5}, model.GeoPoint{Lat: 27.49, Lng: -99.51})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if dur != 420 || dist != 2100.5 {
		t.Fatalf("got dur=%d dist=%v", dur, dist)
	}
}

func TestRouteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, _, err := c.Route(context.Background(), model.GeoPoint{}, model.GeoPoint{}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/geocode" {
			t.Errorf("path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("q") {
		case "414 Main St":
			_ = json.NewEncoder(w).Encode(map[string]float64{"lat": 27.5, "lng": -99.5})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	pt, err := c.Geocode(context.Background(), "414 Main St")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if pt.Lat != 27.5 || pt.Lng != -99.5 {
		t.Fatalf("point: %+v", pt)
	}

	_, err = c.Geocode(context.Background(), "nowhere at all")
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("want ErrNoMatch, got %v", err)
	}
}
