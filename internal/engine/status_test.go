package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-tracker/internal/geo"
	"trip-tracker/internal/itinerary"
)

var (
	tStart = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	louvre = itinerary.Step{StepID: "louvre", PlaceName: "Louvre", ActivityType: "museum", Lat: 48.8606, Lng: 2.3376, ScheduledStart: tStart}
)

var metersPerDegreeLat = geo.EarthRadiusMeters * math.Pi / 180

// northOf returns a fix the given distance due north of the step.
func northOf(step itinerary.Step, meters float64, at time.Time) *itinerary.Position {
	return &itinerary.Position{Lat: step.Lat + meters/metersPerDegreeLat, Lon: step.Lng, Timestamp: at}
}

func at(offset time.Duration) time.Time { return tStart.Add(offset) }

func TestPreArrivalProgression(t *testing.T) {
	e := New(150)
	steps := []itinerary.Step{louvre}

	ev := e.Evaluate(steps, louvre, at(-20*time.Minute), northOf(louvre, 200, at(-20*time.Minute)))
	assert.Equal(t, StatusUpcoming, ev.Status.Status)
	assert.False(t, ev.Inside)
	assert.InDelta(t, 200, ev.Distance, 0.01)
	assert.Nil(t, ev.Status.DeltaMinutes)

	ev = e.Evaluate(steps, louvre, at(-5*time.Minute), northOf(louvre, 200, at(-5*time.Minute)))
	assert.Equal(t, StatusEnRoute, ev.Status.Status)

	ev = e.Evaluate(steps, louvre, at(20*time.Minute), northOf(louvre, 200, at(20*time.Minute)))
	assert.Equal(t, StatusLate, ev.Status.Status)
	require.NotNil(t, ev.Status.DeltaMinutes)
	assert.InDelta(t, 20, *ev.Status.DeltaMinutes, 1e-9)
	assert.Nil(t, ev.Status.ActualArrivalTime)
	assert.Equal(t, PhaseInProgress, ev.Status.Phase)

	ev = e.Evaluate(steps, louvre, at(35*time.Minute), northOf(louvre, 200, at(35*time.Minute)))
	assert.Equal(t, StatusLate, ev.Status.Status)
	assert.InDelta(t, 20, *ev.Status.DeltaMinutes, 1e-9, "pre-arrival lateness stays locked")
}

func TestEnRouteBoundaries(t *testing.T) {
	tests := []struct {
		offset time.Duration
		want   Status
	}{
		{-10*time.Minute - time.Second, StatusUpcoming},
		{-10 * time.Minute, StatusEnRoute},
		{15 * time.Minute, StatusEnRoute},
		{15*time.Minute + time.Second, StatusLate},
	}
	for _, tc := range tests {
		e := New(150)
		ev := e.Evaluate(nil, louvre, at(tc.offset), northOf(louvre, 500, at(tc.offset)))
		assert.Equal(t, tc.want, ev.Status.Status, "offset %s", tc.offset)
	}
}

func TestEarlyArrivalIsLocked(t *testing.T) {
	e := New(150)
	steps := []itinerary.Step{louvre}

	ev := e.Evaluate(steps, louvre, at(-20*time.Minute), northOf(louvre, 20, at(-20*time.Minute)))
	assert.True(t, ev.Inside)
	assert.True(t, ev.Entered)
	assert.Equal(t, StatusEarly, ev.Status.Status)
	require.NotNil(t, ev.Status.DeltaMinutes)
	assert.InDelta(t, -20, *ev.Status.DeltaMinutes, 1e-9)
	require.NotNil(t, ev.Status.ActualArrivalTime)
	assert.True(t, ev.Status.ActualArrivalTime.Equal(at(-20*time.Minute)))
	assert.False(t, ev.Status.Performing, "not performing before the window opens")

	// leave
	ev = e.Evaluate(steps, louvre, at(-10*time.Minute), northOf(louvre, 400, at(-10*time.Minute)))
	assert.False(t, ev.Inside)
	assert.Equal(t, StatusEarly, ev.Status.Status)

	// and come back after the start
	ev = e.Evaluate(steps, louvre, at(5*time.Minute), northOf(louvre, 10, at(5*time.Minute)))
	assert.True(t, ev.Entered)
	assert.Equal(t, StatusEarly, ev.Status.Status)
	assert.InDelta(t, -20, *ev.Status.DeltaMinutes, 1e-9)
	assert.True(t, ev.Status.ActualArrivalTime.Equal(at(-20*time.Minute)))
	assert.True(t, ev.Status.Performing)
}

func TestArrivalClassificationBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   Status
	}{
		{"exactly fifteen early", -15 * time.Minute, StatusEarly},
		{"just under fifteen early", -(14*time.Minute + 59400*time.Millisecond), StatusOnTime},
		{"on the dot", 0, StatusOnTime},
		{"ten late", 10 * time.Minute, StatusOnTime},
		{"just over ten late", 10*time.Minute + 600*time.Millisecond, StatusLate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := New(150)
			ev := e.Evaluate(nil, louvre, at(tc.offset), northOf(louvre, 0, at(tc.offset)))
			assert.Equal(t, tc.want, ev.Status.Status)
			require.NotNil(t, ev.Status.DeltaMinutes)
			assert.InDelta(t, tc.offset.Minutes(), *ev.Status.DeltaMinutes, 1e-9)
		})
	}
}

func TestLateThenArrivalReclassifiesAtArrival(t *testing.T) {
	e := New(150)
	ev := e.Evaluate(nil, louvre, at(20*time.Minute), northOf(louvre, 900, at(20*time.Minute)))
	require.Equal(t, StatusLate, ev.Status.Status)
	require.InDelta(t, 20, *ev.Status.DeltaMinutes, 1e-9)

	ev = e.Evaluate(nil, louvre, at(25*time.Minute), northOf(louvre, 30, at(25*time.Minute)))
	assert.Equal(t, StatusLate, ev.Status.Status)
	assert.InDelta(t, 25, *ev.Status.DeltaMinutes, 1e-9, "arrival relocks the delta at the arrival moment")
	require.NotNil(t, ev.Status.ActualArrivalTime)
	assert.True(t, ev.Status.ActualArrivalTime.Equal(at(25*time.Minute)))
	assert.Equal(t, "You're here. Enjoy the activity!", ev.Status.Message)
}

func TestArrivedStatusNeverReverts(t *testing.T) {
	e := New(150)
	e.Evaluate(nil, louvre, at(-2*time.Minute), northOf(louvre, 0, at(-2*time.Minute)))
	for _, off := range []time.Duration{-time.Minute, 30 * time.Minute, 90 * time.Minute, 3 * time.Hour} {
		ev := e.Evaluate(nil, louvre, at(off), northOf(louvre, 5000, at(off)))
		assert.Equal(t, StatusOnTime, ev.Status.Status)
		assert.InDelta(t, -2, *ev.Status.DeltaMinutes, 1e-9)
	}
	st, ok := e.Status("louvre")
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, st.Phase)
}

func TestEvaluateWithoutPosition(t *testing.T) {
	e := New(150)
	ev := e.Evaluate(nil, louvre, at(5*time.Minute), nil)
	assert.Equal(t, StatusNotStarted, ev.Status.Status)
	assert.Equal(t, PhaseInProgress, ev.Status.Phase)
	assert.False(t, ev.HasDistance)
	assert.False(t, ev.Status.Performing)
	assert.Equal(t, "This activity is underway. Head to the location.", ev.Status.Message)

	ev = e.Evaluate(nil, louvre, at(3*time.Hour), nil)
	assert.Equal(t, PhaseCompleted, ev.Status.Phase)
}

func TestPhaseAt(t *testing.T) {
	withEnd := louvre
	withEnd.ScheduledEnd = at(30 * time.Minute)

	assert.Equal(t, PhaseBeforeStart, PhaseAt(louvre, at(-time.Second)))
	assert.Equal(t, PhaseInProgress, PhaseAt(louvre, at(0)))
	assert.Equal(t, PhaseInProgress, PhaseAt(louvre, at(2*time.Hour)))
	assert.Equal(t, PhaseCompleted, PhaseAt(louvre, at(2*time.Hour+time.Second)))
	assert.Equal(t, PhaseCompleted, PhaseAt(withEnd, at(31*time.Minute)))
	assert.Equal(t, PhaseBeforeStart, PhaseAt(itinerary.Step{StepID: "x"}, at(0)))
}

func TestCompleteKeepsPunctuality(t *testing.T) {
	e := New(150)
	e.Evaluate(nil, louvre, at(time.Minute), northOf(louvre, 0, at(time.Minute)))
	st := e.Complete("louvre")
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.False(t, st.Performing)
	assert.Equal(t, StatusOnTime, st.Status)
	assert.Equal(t, "This activity's time window has ended.", st.Message)
}

func TestStatusesAreCopies(t *testing.T) {
	e := New(0)
	assert.Equal(t, DefaultGeofenceRadiusM, e.GeofenceRadius())
	e.Evaluate(nil, louvre, at(time.Minute), northOf(louvre, 0, at(time.Minute)))

	all := e.Statuses()
	*all["louvre"].DeltaMinutes = 99
	st, _ := e.Status("louvre")
	assert.InDelta(t, 1, *st.DeltaMinutes, 1e-9)

	e.Reset()
	assert.Empty(t, e.Statuses())
	_, ok := e.Status("louvre")
	assert.False(t, ok)
}
