package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Manager keeps one Controller per trip.
type Manager struct {
	source    ItinerarySource
	sink      Sink
	providers ProviderFactory
	observer  Observer
	metrics   Metrics
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Controller // tripID -> controller
}

func NewManager(source ItinerarySource, sink Sink, providers ProviderFactory, observer Observer, m Metrics, opts Options) *Manager {
	if m == nil {
		m = nopMetrics{}
	}
	return &Manager{
		source:    source,
		sink:      sink,
		providers: providers,
		observer:  observer,
		metrics:   m,
		opts:      opts,
		sessions:  make(map[string]*Controller),
	}
}

// Start begins tracking tripID for userEmail. An active session for the same
// traveler is left running; one for another traveler yields ErrTripBusy. The
// returned snapshot is valid even when err is non-nil.
func (m *Manager) Start(ctx context.Context, tripID, userEmail string) (Snapshot, error) {
	m.mu.Lock()
	if c, ok := m.sessions[tripID]; ok && c.Active() {
		m.mu.Unlock()
		if c.UserEmail() != userEmail {
			return Snapshot{TripID: tripID}, ErrTripBusy
		}
		return c.Snapshot(), nil
	}
	m.mu.Unlock()

	steps, err := m.source.Steps(ctx, tripID)
	if err != nil {
		return Snapshot{TripID: tripID}, errors.Wrapf(err, "load steps for trip %s", tripID)
	}
	c := NewController(tripID, userEmail, steps, m.providers(userEmail), m.sink, m.observer, m.metrics, m.opts)

	m.mu.Lock()
	if prev, ok := m.sessions[tripID]; ok && prev.Active() {
		// lost a race with a concurrent start
		m.mu.Unlock()
		if prev.UserEmail() != userEmail {
			return Snapshot{TripID: tripID}, ErrTripBusy
		}
		return prev.Snapshot(), nil
	}
	m.sessions[tripID] = c
	m.mu.Unlock()

	log.WithFields(log.Fields{"tripId": tripID, "user": userEmail, "steps": len(steps)}).Info("session created")
	err = c.Start(ctx)
	return c.Snapshot(), err
}

// Stop stops the session for tripID on behalf of userEmail. The controller is
// kept so its final snapshot stays readable. Only the traveler who started
// the session may stop it.
func (m *Manager) Stop(ctx context.Context, tripID, userEmail string) (Snapshot, error) {
	c, err := m.owned(tripID, userEmail)
	if err != nil {
		return Snapshot{TripID: tripID}, err
	}
	c.Stop(ctx)
	return c.Snapshot(), nil
}

func (m *Manager) Snapshot(tripID, userEmail string) (Snapshot, error) {
	c, err := m.owned(tripID, userEmail)
	if err != nil {
		return Snapshot{TripID: tripID}, err
	}
	return c.Snapshot(), nil
}

func (m *Manager) owned(tripID, userEmail string) (*Controller, error) {
	c, ok := m.get(tripID)
	if !ok {
		return nil, ErrNoSession
	}
	if c.UserEmail() != userEmail {
		return nil, ErrForbidden
	}
	return c, nil
}

func (m *Manager) get(tripID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[tripID]
	return c, ok
}

// Active returns the number of sessions that are starting or tracking.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.sessions {
		if c.Active() {
			n++
		}
	}
	return n
}

// StopAll stops every session and waits for their pending writes.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		all = append(all, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Stop(ctx)
			c.Wait()
		}(c)
	}
	wg.Wait()
}
