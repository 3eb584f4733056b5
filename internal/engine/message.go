package engine

import (
	"fmt"
	"math"
)

type MessageInput struct {
	Phase              Phase
	Inside             bool
	Status             Status
	Arrived            bool
	DeltaSeconds       float64 // locked delta when set, live delta otherwise
	TimeToStartSeconds float64
	DistanceMeters     float64
	HasDistance        bool
	IdleGap            bool
}

// ComposeMessage renders the traveler-facing status line. Checks run in
// priority order: window over, activity underway, idle gap, arrived ahead of
// the start, then the punctuality status.
func ComposeMessage(in MessageInput) string {
	switch in.Phase {
	case PhaseCompleted:
		return "This activity's time window has ended."
	case PhaseInProgress:
		if in.Inside {
			return "You're here. Enjoy the activity!"
		}
		if in.HasDistance {
			return fmt.Sprintf("This activity is underway. Head there, you're %s away.", FormatDistance(in.DistanceMeters))
		}
		return "This activity is underway. Head to the location."
	}

	if in.IdleGap {
		return fmt.Sprintf("Nothing scheduled right now. Next activity starts in %s.", FormatDuration(in.TimeToStartSeconds))
	}
	if in.Inside || in.Arrived {
		return fmt.Sprintf("You've arrived. The activity starts in %s.", FormatDuration(in.TimeToStartSeconds))
	}

	switch in.Status {
	case StatusUpcoming:
		return "Upcoming: starts in " + FormatDuration(in.TimeToStartSeconds) + distanceSuffix(in) + "."
	case StatusEnRoute:
		if in.HasDistance {
			return fmt.Sprintf("Time to head over: %s, %s to go.", startPhrase(in.TimeToStartSeconds), FormatDistance(in.DistanceMeters))
		}
		return fmt.Sprintf("Time to head over: %s.", startPhrase(in.TimeToStartSeconds))
	case StatusEarly:
		return fmt.Sprintf("You arrived %s early.", FormatDuration(in.DeltaSeconds))
	case StatusOnTime:
		return "You arrived on time."
	case StatusLate:
		if in.Arrived {
			return fmt.Sprintf("You arrived %s late.", FormatDuration(in.DeltaSeconds))
		}
		return "Running " + FormatDuration(in.DeltaSeconds) + " late" + distanceSuffix(in) + "."
	}
	return "Tracking your itinerary."
}

func startPhrase(timeToStart float64) string {
	if timeToStart > 0 {
		return "starts in " + FormatDuration(timeToStart)
	}
	return "started " + FormatDuration(timeToStart) + " ago"
}

func distanceSuffix(in MessageInput) string {
	if !in.HasDistance {
		return ""
	}
	return ", " + FormatDistance(in.DistanceMeters) + " away"
}

// FormatDuration renders a duration given in seconds, sign ignored:
// "1h 05m" from one hour up, "4m 09s" from one minute up, "42s" below.
func FormatDuration(seconds float64) string {
	s := int64(math.Round(math.Abs(seconds)))
	switch {
	case s >= 3600:
		return fmt.Sprintf("%dh %02dm", s/3600, (s%3600)/60)
	case s >= 60:
		return fmt.Sprintf("%dm %02ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatDistance renders meters as "350 m", "2.4 km" or "18 km".
func FormatDistance(meters float64) string {
	switch {
	case meters < 1000:
		return fmt.Sprintf("%d m", int64(math.Round(meters)))
	case meters < 10000:
		return fmt.Sprintf("%.1f km", meters/1000)
	}
	return fmt.Sprintf("%d km", int64(math.Round(meters/1000)))
}
