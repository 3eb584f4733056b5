// Package engine derives the live status of an itinerary from position fixes
// and the clock: which step is current, whether the traveler is inside its
// geofence, how punctual the arrival was, and what to tell the traveler.
package engine

import (
	"time"

	"trip-tracker/internal/geo"
	"trip-tracker/internal/itinerary"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusUpcoming   Status = "upcoming"
	StatusEnRoute    Status = "en_route"
	StatusEarly      Status = "early"
	StatusOnTime     Status = "on_time"
	StatusLate       Status = "late"
)

type Phase string

const (
	PhaseBeforeStart Phase = "before_start"
	PhaseInProgress  Phase = "in_progress"
	PhaseCompleted   Phase = "completed"
)

// Thresholds in minutes relative to the scheduled start.
const (
	UpcomingWindow          = 10.0
	PreArrivalLateThreshold = 15.0
	EarlyThreshold          = 15.0
	ArrivalOnTimeLateWindow = 10.0
	DefaultGeofenceRadiusM  = 150.0
)

type StepStatus struct {
	Status            Status     `json:"status"`
	ActualArrivalTime *time.Time `json:"actualArrivalTime"`
	DeltaMinutes      *float64   `json:"deltaMinutes"`
	Phase             Phase      `json:"phase"`
	Performing        bool       `json:"performing"`
	Message           string     `json:"message"`
}

// Arrived reports whether the arrival time has been recorded.
func (s StepStatus) Arrived() bool { return s.ActualArrivalTime != nil }

// Clone returns a copy that shares no pointers with s.
func (s StepStatus) Clone() StepStatus {
	out := s
	if s.ActualArrivalTime != nil {
		t := *s.ActualArrivalTime
		out.ActualArrivalTime = &t
	}
	if s.DeltaMinutes != nil {
		d := *s.DeltaMinutes
		out.DeltaMinutes = &d
	}
	return out
}

func defaultStepStatus() StepStatus {
	return StepStatus{Status: StatusNotStarted, Phase: PhaseBeforeStart}
}

type stepMemory struct {
	status     StepStatus
	prevInside bool
}

// Evaluation is the outcome of one evaluation of the current step.
type Evaluation struct {
	Step        itinerary.Step
	Status      StepStatus
	Inside      bool
	Entered     bool // inside now, outside on the previous evaluation
	Distance    float64
	HasDistance bool
	IdleGap     bool
}

// Engine owns the per-step memory of one tracking session. It is not safe
// for concurrent use; the session controller serializes calls.
type Engine struct {
	radius float64
	steps  map[string]*stepMemory
}

func New(geofenceRadius float64) *Engine {
	if geofenceRadius <= 0 {
		geofenceRadius = DefaultGeofenceRadiusM
	}
	return &Engine{radius: geofenceRadius, steps: make(map[string]*stepMemory)}
}

// GeofenceRadius returns the radius in meters used for inside checks.
func (e *Engine) GeofenceRadius() float64 { return e.radius }

func (e *Engine) memory(stepID string) *stepMemory {
	m, ok := e.steps[stepID]
	if !ok {
		m = &stepMemory{status: defaultStepStatus()}
		e.steps[stepID] = m
	}
	return m
}

// PhaseAt classifies now against the step window using time only.
func PhaseAt(step itinerary.Step, now time.Time) Phase {
	if !step.HasStart() || now.Before(step.ScheduledStart) {
		return PhaseBeforeStart
	}
	end, _ := step.EffectiveEnd()
	if now.After(end) {
		return PhaseCompleted
	}
	return PhaseInProgress
}

func classifyArrival(delta float64) Status {
	switch {
	case delta <= -EarlyThreshold:
		return StatusEarly
	case delta <= ArrivalOnTimeLateWindow:
		return StatusOnTime
	default:
		return StatusLate
	}
}

// Evaluate advances the state of step for the given instant. pos may be nil
// when no fix has been received yet; status and arrival are then left as is
// and only the time-derived fields move. steps is the whole itinerary and is
// only consulted for the idle-gap check.
func (e *Engine) Evaluate(steps []itinerary.Step, step itinerary.Step, now time.Time, pos *itinerary.Position) Evaluation {
	mem := e.memory(step.StepID)
	st := mem.status
	ev := Evaluation{Step: step}

	st.Phase = PhaseAt(step, now)
	var delta float64
	if step.HasStart() {
		delta = now.Sub(step.ScheduledStart).Minutes()
	}

	if pos != nil && step.HasStart() {
		ev.Distance = geo.DistanceMeters(pos.Lat, pos.Lon, step.Lat, step.Lng)
		ev.HasDistance = true
		ev.Inside = ev.Distance <= e.radius
		ev.Entered = ev.Inside && !mem.prevInside

		if !st.Arrived() {
			if ev.Inside {
				arrival := now
				locked := delta
				st.ActualArrivalTime = &arrival
				st.DeltaMinutes = &locked
				st.Status = classifyArrival(delta)
			} else {
				switch {
				case st.Status == StatusLate && st.DeltaMinutes != nil:
					// lateness already locked
				case delta < -UpcomingWindow:
					st.Status = StatusUpcoming
				case delta <= PreArrivalLateThreshold:
					st.Status = StatusEnRoute
				default:
					st.Status = StatusLate
					locked := delta
					st.DeltaMinutes = &locked
				}
			}
		}
		mem.prevInside = ev.Inside
	}

	st.Performing = st.Phase == PhaseInProgress && ev.Inside
	ev.IdleGap = InIdleGap(steps, step, now, st.Phase, ev.Inside)

	in := MessageInput{
		Phase:          st.Phase,
		Inside:         ev.Inside,
		Status:         st.Status,
		Arrived:        st.Arrived(),
		DistanceMeters: ev.Distance,
		HasDistance:    ev.HasDistance,
		IdleGap:        ev.IdleGap,
	}
	if step.HasStart() {
		in.DeltaSeconds = delta * 60
		if st.DeltaMinutes != nil {
			in.DeltaSeconds = *st.DeltaMinutes * 60
		}
		in.TimeToStartSeconds = step.ScheduledStart.Sub(now).Seconds()
	}
	st.Message = ComposeMessage(in)

	mem.status = st
	ev.Status = st.Clone()
	return ev
}

// Complete marks a step whose window has passed as completed and no longer
// performed. Punctuality fields are left untouched.
func (e *Engine) Complete(stepID string) StepStatus {
	mem := e.memory(stepID)
	mem.status.Phase = PhaseCompleted
	mem.status.Performing = false
	mem.status.Message = ComposeMessage(MessageInput{Phase: PhaseCompleted})
	return mem.status.Clone()
}

// Status returns the current status of a step.
func (e *Engine) Status(stepID string) (StepStatus, bool) {
	m, ok := e.steps[stepID]
	if !ok {
		return StepStatus{}, false
	}
	return m.status.Clone(), true
}

// Statuses returns a copy of every step status evaluated so far.
func (e *Engine) Statuses() map[string]StepStatus {
	out := make(map[string]StepStatus, len(e.steps))
	for id, m := range e.steps {
		out[id] = m.status.Clone()
	}
	return out
}

// Reset forgets all per-step memory.
func (e *Engine) Reset() {
	e.steps = make(map[string]*stepMemory)
}
