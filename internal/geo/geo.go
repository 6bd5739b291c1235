// Package geo holds pure geospatial primitives. No I/O, no state.
package geo

import "math"

const earthRadiusM = 6371000.0

// Distance returns the great-circle (haversine) distance in meters between
// two coordinates.
func Distance(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// CheckProximity reports whether driver is within thresholdM meters of
// target, along with the measured distance.
func CheckProximity(driver, target Point, thresholdM float64) (bool, float64) {
	d := Distance(driver, target)
	return d <= thresholdM, d
}
