// Package oracle wraps the external routing and geocoding services. Both are
// best-effort dependencies: callers treat a failure as "estimate unavailable"
// rather than an operation error.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courierlive/internal/metrics"
	"courierlive/internal/model"
)

// ErrNoMatch is returned by Geocode when the service has no coordinate for
// the address.
var ErrNoMatch = errors.New("geocoder: no match for address")

// Client talks to the routing/geocoding gateway over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

type routeRequest struct {
	Origin      model.GeoPoint `json:"origin"`
	Destination model.GeoPoint `json:"destination"`
}

type routeResponse struct {
	DurationSeconds int              `json:"durationSeconds"`
	DistanceMeters  float64          `json:"distanceMeters"`
	Path            []model.GeoPoint `json:"path"`
}

// Route asks the oracle for travel duration and distance between two points.
func (c *Client) Route(ctx context.Context, origin, destination model.GeoPoint) (int, float64, error) {
	body, err := json.Marshal(routeRequest{Origin: origin, Destination: destination})
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/route", strings.NewReader(string(body)))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("route", "error").Inc()
		return 0, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		metrics.OracleRequests.WithLabelValues("route", "error").Inc()
		return 0, 0, fmt.Errorf("routing oracle: status %d", resp.StatusCode)
	}
	var rr routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		metrics.OracleRequests.WithLabelValues("route", "error").Inc()
		return 0, 0, err
	}
	metrics.OracleRequests.WithLabelValues("route", "ok").Inc()
	return rr.DurationSeconds, rr.DistanceMeters, nil
}

type geocodeResponse struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geocode resolves a free-form address to a coordinate. Returns ErrNoMatch
// when the service cannot resolve it; the delivery then stays without a
// target and is skipped by proximity/ETA.
func (c *Client) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	u := c.BaseURL + "/geocode?q=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.GeoPoint{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.OracleRequests.WithLabelValues("geocode", "error").Inc()
		return model.GeoPoint{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		metrics.OracleRequests.WithLabelValues("geocode", "no_match").Inc()
		return model.GeoPoint{}, ErrNoMatch
	default:
		metrics.OracleRequests.WithLabelValues("geocode", "error").Inc()
		return model.GeoPoint{}, fmt.Errorf("geocoder: status %d", resp.StatusCode)
	}
	var gr geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		metrics.OracleRequests.WithLabelValues("geocode", "error").Inc()
		return model.GeoPoint{}, err
	}
	metrics.OracleRequests.WithLabelValues("geocode", "ok").Inc()
	return model.GeoPoint{Lat: gr.Lat, Lng: gr.Lng}, nil
}
