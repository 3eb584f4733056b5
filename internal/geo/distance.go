// Package geo holds the great-circle math behind geofence and throttle decisions.
package geo

import "github.com/golang/geo/s2"

// EarthRadiusMeters is the mean Earth radius used for every distance in the tracker.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine great-circle distance between two
// coordinates given in degrees. s2.LatLng.Distance evaluates the haversine
// formula on the unit sphere.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Interpolate returns the point at fraction frac of the great-circle path
// from (lat1, lon1) to (lat2, lon2). frac is clamped to [0, 1].
func Interpolate(lat1, lon1, lat2, lon2, frac float64) (lat, lon float64) {
	switch {
	case frac <= 0:
		return lat1, lon1
	case frac >= 1:
		return lat2, lon2
	}
	a := s2.PointFromLatLng(s2.LatLngFromDegrees(lat1, lon1))
	b := s2.PointFromLatLng(s2.LatLngFromDegrees(lat2, lon2))
	ll := s2.LatLngFromPoint(s2.Interpolate(frac, a, b))
	return ll.Lat.Degrees(), ll.Lng.Degrees()
}
