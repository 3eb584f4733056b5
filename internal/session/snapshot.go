package session

import (
	"time"

	"trip-tracker/internal/engine"
	"trip-tracker/internal/itinerary"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const (
	msgStarting      = "Starting location tracking..."
	msgIdle          = "Location tracking is off."
	msgNoSteps       = "No scheduled steps for this trip."
	msgNoFix         = "Waiting for a location fix..."
	msgNoCurrentStep = "No current or upcoming step."
	msgTracking      = "Tracking active."
)

// Snapshot is the read model of one tracking session.
type Snapshot struct {
	TripID                string                       `json:"tripId"`
	UserEmail             string                       `json:"userEmail"`
	IsTracking            bool                         `json:"isTracking"`
	IsStartingTracking    bool                         `json:"isStartingTracking"`
	StatusMessage         string                       `json:"statusMessage"`
	StatusLevel           Level                        `json:"statusLevel"`
	CurrentPosition       *itinerary.Position          `json:"currentPosition"`
	PositionsHistory      []itinerary.Position         `json:"positionsHistory"`
	LastUpdate            *time.Time                   `json:"lastUpdate"`
	Error                 string                       `json:"error,omitempty"`
	CurrentStep           *itinerary.Step              `json:"currentStep"`
	DistanceToCurrentStep *float64                     `json:"distanceToCurrentStep"`
	GeofenceRadius        float64                      `json:"geofenceRadius"`
	StepStatuses          map[string]engine.StepStatus `json:"stepStatuses"`
	CurrentStepStatus     *engine.StepStatus           `json:"currentStepStatus"`
}

type completionFlash struct {
	message   string
	expiresAt time.Time
}

func (f *completionFlash) active(now time.Time) bool {
	return f != nil && now.Before(f.expiresAt)
}

// statusLine picks the headline message. Order: hard error, starting,
// completion flash, warnings, step message, fallback.
func (c *Controller) statusLine(now time.Time) (string, Level) {
	switch {
	case c.errMsg != "" && c.errFatal:
		return c.errMsg, LevelError
	case c.state == stateStarting:
		return msgStarting, LevelInfo
	case c.flash.active(now):
		return c.flash.message, LevelSuccess
	case c.state == stateIdle:
		return msgIdle, LevelInfo
	case c.errMsg != "":
		return c.errMsg, LevelWarning
	case len(c.steps) == 0:
		return msgNoSteps, LevelWarning
	case c.current == nil:
		return msgNoFix, LevelWarning
	case c.lastEval == nil:
		return msgNoCurrentStep, LevelWarning
	}
	st := c.lastEval.Status
	if st.Message == "" {
		return msgTracking, LevelInfo
	}
	switch {
	case st.Performing, st.Phase != engine.PhaseCompleted && st.Arrived() && st.Status != engine.StatusLate:
		return st.Message, LevelSuccess
	case st.Status == engine.StatusLate && st.Phase != engine.PhaseCompleted:
		return st.Message, LevelWarning
	}
	return st.Message, LevelInfo
}

// snapshotLocked builds the read model; c.mu must be held.
func (c *Controller) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		TripID:             c.tripID,
		UserEmail:          c.userEmail,
		IsTracking:         c.state == stateTracking,
		IsStartingTracking: c.state == stateStarting,
		GeofenceRadius:     c.engine.GeofenceRadius(),
		StepStatuses:       c.engine.Statuses(),
		PositionsHistory:   make([]itinerary.Position, len(c.history)),
	}
	snap.StatusMessage, snap.StatusLevel = c.statusLine(now)
	copy(snap.PositionsHistory, c.history)
	if c.errMsg != "" {
		snap.Error = c.errMsg
	}
	if c.current != nil {
		p := *c.current
		snap.CurrentPosition = &p
	}
	if !c.lastUpdate.IsZero() {
		t := c.lastUpdate
		snap.LastUpdate = &t
	}
	if c.lastEval != nil {
		step := c.lastEval.Step
		snap.CurrentStep = &step
		if c.lastEval.HasDistance {
			d := c.lastEval.Distance
			snap.DistanceToCurrentStep = &d
		}
		if st, ok := c.engine.Status(step.StepID); ok {
			snap.CurrentStepStatus = &st
		}
	}
	return snap
}
