package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"trip-tracker/internal/engine"
	"trip-tracker/internal/geo"
	"trip-tracker/internal/itinerary"
)

var metersPerDegreeLat = geo.EarthRadiusMeters * math.Pi / 180

func northOf(step itinerary.Step, meters float64, ts time.Time) itinerary.Position {
	return itinerary.Position{Lat: step.Lat + meters/metersPerDegreeLat, Lon: step.Lng, Timestamp: ts}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type fakeProvider struct {
	mu         sync.Mutex
	check      PermissionState
	checkErr   error
	request    PermissionState
	requestErr error
	watchErr   error
	clearErr   error

	// when set, WatchPosition signals entered and blocks until gate is closed
	entered chan struct{}
	gate    chan struct{}

	cb           PositionCallback
	watches      int
	requestCalls int
	cleared      []string
}

func grantedProvider() *fakeProvider {
	return &fakeProvider{check: PermissionState{"location": PermissionGranted}}
}

func (p *fakeProvider) CheckPermissions(context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.check, p.checkErr
}

func (p *fakeProvider) RequestPermissions(context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestCalls++
	return p.request, p.requestErr
}

func (p *fakeProvider) WatchPosition(_ context.Context, _ WatchOptions, cb PositionCallback) (string, error) {
	if p.gate != nil {
		close(p.entered)
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return "", p.watchErr
	}
	p.watches++
	p.cb = cb
	return fmt.Sprintf("watch-%d", p.watches), nil
}

func (p *fakeProvider) ClearWatch(_ context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, handle)
	return p.clearErr
}

func (p *fakeProvider) send(pos itinerary.Position) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb(pos, nil)
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	cb(itinerary.Position{}, err)
}

func (p *fakeProvider) clearedHandles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cleared...)
}

type fakeSink struct {
	mu        sync.Mutex
	locations []LocationRecord
	statuses  []StepStatusRecord
	clears    []string
	err       error
}

func (s *fakeSink) SaveTripLocation(_ context.Context, rec LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, rec)
	return s.err
}

func (s *fakeSink) SaveStepStatus(_ context.Context, rec StepStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, rec)
	return s.err
}

func (s *fakeSink) ClearTripNotificationFlags(_ context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears = append(s.clears, tripID)
	return s.err
}

// slowSink delays status writes carrying one status.
type slowSink struct {
	*fakeSink
	status engine.Status
	delay  time.Duration
}

func (s slowSink) SaveStepStatus(ctx context.Context, rec StepStatusRecord) error {
	if rec.Status == s.status {
		time.Sleep(s.delay)
	}
	return s.fakeSink.SaveStepStatus(ctx, rec)
}

func (s *fakeSink) locationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locations)
}

func (s *fakeSink) statusesFor(stepID string) []StepStatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepStatusRecord
	for _, r := range s.statuses {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSink) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clears)
}

type fakeObserver struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (o *fakeObserver) PublishSnapshot(snap Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snaps = append(o.snaps, snap)
	return nil
}

func (o *fakeObserver) all() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Snapshot(nil), o.snaps...)
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.snaps)
}

type fakeSource map[string][]itinerary.Step

func (f fakeSource) Steps(_ context.Context, tripID string) ([]itinerary.Step, error) {
	steps, ok := f[tripID]
	if !ok {
		return nil, itinerary.ErrUnknownTrip
	}
	return steps, nil
}
