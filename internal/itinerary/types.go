package itinerary

import "time"

// DefaultStepDuration is the window length assumed when a step has no scheduled end.
const DefaultStepDuration = 2 * time.Hour

type Step struct {
	StepID         string    `json:"stepId"`
	PlaceName      string    `json:"placeName"`
	ActivityType   string    `json:"activityType"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	ScheduledStart time.Time `json:"scheduledStart"` // zero if unscheduled
	ScheduledEnd   time.Time `json:"scheduledEnd"`   // zero if missing; see EffectiveEnd
}

// HasStart reports whether the step takes part in time-based selection.
func (s Step) HasStart() bool { return !s.ScheduledStart.IsZero() }

// EffectiveEnd returns the scheduled end, or start + DefaultStepDuration when
// the end is missing. ok is false for steps without a start.
func (s Step) EffectiveEnd() (end time.Time, ok bool) {
	if !s.HasStart() {
		return time.Time{}, false
	}
	if !s.ScheduledEnd.IsZero() {
		return s.ScheduledEnd, true
	}
	return s.ScheduledStart.Add(DefaultStepDuration), true
}

type Position struct {
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy"` // meters, nil if the provider did not report it
	Timestamp time.Time `json:"timestamp"`
}
