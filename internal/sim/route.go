package sim

import (
	"time"

	"trip-tracker/internal/geo"
	"trip-tracker/internal/itinerary"
)

// keyframe pins the traveler to a coordinate at an instant.
type keyframe struct {
	at       time.Time
	lat, lon float64
}

// buildRoute turns an itinerary into keyframes: the traveler arrives at each
// scheduled step when its window opens and leaves when it closes. Travel
// between steps is a straight great-circle leg. Unscheduled steps are skipped
// and keyframes that would go back in time are dropped.
func buildRoute(steps []itinerary.Step) []keyframe {
	var route []keyframe
	appendKF := func(at time.Time, s itinerary.Step) {
		if n := len(route); n > 0 && at.Before(route[n-1].at) {
			return
		}
		route = append(route, keyframe{at: at, lat: s.Lat, lon: s.Lng})
	}
	for _, s := range steps {
		if !s.HasStart() {
			continue
		}
		end, _ := s.EffectiveEnd()
		appendKF(s.ScheduledStart, s)
		if end.After(s.ScheduledStart) {
			appendKF(end, s)
		}
	}
	return route
}

// positionAt interpolates the traveler's location at the given instant. Before
// the first keyframe the traveler waits at the first step, after the last one
// at the last step.
func positionAt(route []keyframe, at time.Time) (lat, lon float64, ok bool) {
	n := len(route)
	if n == 0 {
		return 0, 0, false
	}
	if !at.After(route[0].at) {
		return route[0].lat, route[0].lon, true
	}
	if !at.Before(route[n-1].at) {
		return route[n-1].lat, route[n-1].lon, true
	}
	// find segment i s.t. route[i].at <= at < route[i+1].at
	i := 0
	for i+1 < n && !at.Before(route[i+1].at) {
		i++
	}
	k0, k1 := route[i], route[i+1]
	dt := k1.at.Sub(k0.at)
	if dt <= 0 {
		return k1.lat, k1.lon, true
	}
	frac := float64(at.Sub(k0.at)) / float64(dt)
	lat, lon = geo.Interpolate(k0.lat, k0.lon, k1.lat, k1.lon, frac)
	return lat, lon, true
}
