package engine

import (
	"time"

	"trip-tracker/internal/itinerary"
)

// SelectCurrentStep returns the step whose window contains now, or failing
// that the step with the soonest future start. Windows are closed on both
// ends. When several candidates tie, the earliest start wins and equal starts
// keep input order. Steps without a start never qualify.
func SelectCurrentStep(steps []itinerary.Step, now time.Time) (itinerary.Step, bool) {
	current, next := -1, -1
	for i, s := range steps {
		if !s.HasStart() {
			continue
		}
		end, _ := s.EffectiveEnd()
		if !now.Before(s.ScheduledStart) && !now.After(end) {
			if current < 0 || s.ScheduledStart.Before(steps[current].ScheduledStart) {
				current = i
			}
			continue
		}
		if s.ScheduledStart.After(now) {
			if next < 0 || s.ScheduledStart.Before(steps[next].ScheduledStart) {
				next = i
			}
		}
	}
	switch {
	case current >= 0:
		return steps[current], true
	case next >= 0:
		return steps[next], true
	}
	return itinerary.Step{}, false
}

// previousStep returns the step with the latest start strictly before the
// given step's start, ignoring the step itself.
func previousStep(steps []itinerary.Step, cur itinerary.Step) (itinerary.Step, bool) {
	prev := -1
	for i, s := range steps {
		if !s.HasStart() || s.StepID == cur.StepID {
			continue
		}
		if !s.ScheduledStart.Before(cur.ScheduledStart) {
			continue
		}
		if prev < 0 || s.ScheduledStart.After(steps[prev].ScheduledStart) {
			prev = i
		}
	}
	if prev < 0 {
		return itinerary.Step{}, false
	}
	return steps[prev], true
}
