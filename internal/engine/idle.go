package engine

import (
	"time"

	"trip-tracker/internal/itinerary"
)

const (
	// IdleGapMinimum is the shortest free gap between two steps that counts as idle time.
	IdleGapMinimum = 60 * time.Minute
	// IdleGapLeadTime is how long before the next start normal messaging resumes.
	IdleGapLeadTime = 15 * time.Minute
)

// InIdleGap reports whether now falls in a long free gap between the
// previous step's end and cur's start, far enough from cur's start that
// urging the traveler to move would be premature.
func InIdleGap(steps []itinerary.Step, cur itinerary.Step, now time.Time, phase Phase, inside bool) bool {
	if phase != PhaseBeforeStart || inside || !cur.HasStart() {
		return false
	}
	prev, ok := previousStep(steps, cur)
	if !ok {
		return false
	}
	prevEnd, _ := prev.EffectiveEnd()
	if !now.After(prevEnd) || !now.Before(cur.ScheduledStart) {
		return false
	}
	if cur.ScheduledStart.Sub(prevEnd) < IdleGapMinimum {
		return false
	}
	return cur.ScheduledStart.Sub(now) > IdleGapLeadTime
}
