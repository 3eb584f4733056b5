package engine

import (
	"time"

	"trip-tracker/internal/geo"
	"trip-tracker/internal/itinerary"
)

const (
	DefaultLocationMinDistanceM = 50.0
	DefaultLocationMinInterval  = 60 * time.Second
)

type persistedLocation struct {
	lat, lon float64
	at       time.Time
}

// LocationThrottle decides which fixes are worth persisting: the first fix,
// then any fix that moved at least minDistance or came at least minInterval
// after the last persisted one.
type LocationThrottle struct {
	minDistance float64
	minInterval time.Duration
	last        *persistedLocation
}

func NewLocationThrottle(minDistance float64, minInterval time.Duration) *LocationThrottle {
	if minDistance <= 0 {
		minDistance = DefaultLocationMinDistanceM
	}
	if minInterval <= 0 {
		minInterval = DefaultLocationMinInterval
	}
	return &LocationThrottle{minDistance: minDistance, minInterval: minInterval}
}

// Allow reports whether p should be written and, if so, records it as the
// last persisted location.
func (t *LocationThrottle) Allow(p itinerary.Position) bool {
	if t.last != nil {
		moved := geo.DistanceMeters(t.last.lat, t.last.lon, p.Lat, p.Lon)
		elapsed := p.Timestamp.Sub(t.last.at)
		if moved < t.minDistance && elapsed < t.minInterval {
			return false
		}
	}
	t.last = &persistedLocation{lat: p.Lat, lon: p.Lon, at: p.Timestamp}
	return true
}

func (t *LocationThrottle) Reset() { t.last = nil }

// StatusSnapshot is the part of a StepStatus that decides whether a write is
// needed. Two snapshots are equal when every field is equal.
type StatusSnapshot struct {
	Status           Status
	DeltaMinutes     float64
	HasDelta         bool
	ArrivalUnixMilli int64 // 0 when not arrived
	Phase            Phase
	Performing       bool
}

func SnapshotOf(s StepStatus) StatusSnapshot {
	snap := StatusSnapshot{Status: s.Status, Phase: s.Phase, Performing: s.Performing}
	if s.DeltaMinutes != nil {
		snap.DeltaMinutes = *s.DeltaMinutes
		snap.HasDelta = true
	}
	if s.ActualArrivalTime != nil {
		snap.ArrivalUnixMilli = s.ActualArrivalTime.UnixMilli()
	}
	return snap
}

// StatusDedupe remembers the last written snapshot per (trip, step).
type StatusDedupe struct {
	entries map[string]StatusSnapshot
}

func NewStatusDedupe() *StatusDedupe {
	return &StatusDedupe{entries: make(map[string]StatusSnapshot)}
}

func DedupeKey(tripID, stepID string) string { return tripID + "/" + stepID }

// Changed reports whether s differs from the last recorded snapshot for the
// step and records it when it does.
func (d *StatusDedupe) Changed(tripID, stepID string, s StepStatus) bool {
	key := DedupeKey(tripID, stepID)
	snap := SnapshotOf(s)
	if prev, ok := d.entries[key]; ok && prev == snap {
		return false
	}
	d.entries[key] = snap
	return true
}

// Record stores s unconditionally, for writes that bypass the change check.
func (d *StatusDedupe) Record(tripID, stepID string, s StepStatus) {
	d.entries[DedupeKey(tripID, stepID)] = SnapshotOf(s)
}

func (d *StatusDedupe) Reset() { d.entries = make(map[string]StatusSnapshot) }
