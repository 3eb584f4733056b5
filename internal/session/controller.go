// Package session runs tracking sessions: one traveler, one itinerary, one
// location watch. It feeds fixes and clock ticks into the status engine and
// decides what gets persisted.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/engine"
	"trip-tracker/internal/itinerary"
)

const (
	DefaultTickInterval  = 30 * time.Second
	DefaultHistoryLimit  = 500
	DefaultWriteTimeout  = 5 * time.Second
	DefaultFlashDuration = 5 * time.Second
)

type Options struct {
	GeofenceRadius float64
	TickInterval   time.Duration
	MinDistance    float64
	MinInterval    time.Duration
	HistoryLimit   int
	WriteTimeout   time.Duration
	FlashDuration  time.Duration
	Watch          WatchOptions
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		GeofenceRadius: engine.DefaultGeofenceRadiusM,
		TickInterval:   DefaultTickInterval,
		MinDistance:    engine.DefaultLocationMinDistanceM,
		MinInterval:    engine.DefaultLocationMinInterval,
		HistoryLimit:   DefaultHistoryLimit,
		WriteTimeout:   DefaultWriteTimeout,
		FlashDuration:  DefaultFlashDuration,
		Watch:          DefaultWatchOptions(),
		Now:            time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.GeofenceRadius <= 0 {
		o.GeofenceRadius = def.GeofenceRadius
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = def.HistoryLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.FlashDuration <= 0 {
		o.FlashDuration = def.FlashDuration
	}
	if o.Watch == (WatchOptions{}) {
		o.Watch = def.Watch
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateTracking
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateTracking:
		return "tracking"
	default:
		return "idle"
	}
}

// Controller owns the state of one tracking session. Fixes, provider errors
// and ticks are serialized through mu; sink writes run in the background, one
// at a time in the order they were issued.
type Controller struct {
	id        string
	tripID    string
	userEmail string
	steps     []itinerary.Step
	provider  Provider
	sink      Sink
	observer  Observer
	metrics   Metrics
	opts      Options

	mu         sync.Mutex
	state      state
	gen        uint64 // bumped on start and stop; stale callbacks compare against it
	watch      string
	engine     *engine.Engine
	locations  *engine.LocationThrottle
	dedupe     *engine.StatusDedupe
	flash      *completionFlash
	current    *itinerary.Position
	history    []itinerary.Position
	lastUpdate time.Time
	errMsg     string
	errFatal   bool
	stepID     string
	lastEval   *engine.Evaluation

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup

	writeMu  sync.Mutex
	queue    []sinkWrite
	draining bool
	writes   sync.WaitGroup
}

type sinkWrite struct {
	op string
	fn func(ctx context.Context) error
}

func NewController(tripID, userEmail string, steps []itinerary.Step, provider Provider, sink Sink, observer Observer, m Metrics, opts Options) *Controller {
	opts = opts.withDefaults()
	if m == nil {
		m = nopMetrics{}
	}
	sorted := make([]itinerary.Step, len(steps))
	copy(sorted, steps)
	itinerary.SortByStart(sorted)
	return &Controller{
		id:        uuid.NewString(),
		tripID:    tripID,
		userEmail: userEmail,
		steps:     sorted,
		provider:  provider,
		sink:      sink,
		observer:  observer,
		metrics:   m,
		opts:      opts,
		engine:    engine.New(opts.GeofenceRadius),
		locations: engine.NewLocationThrottle(opts.MinDistance, opts.MinInterval),
		dedupe:    engine.NewStatusDedupe(),
	}
}

func (c *Controller) UserEmail() string { return c.userEmail }

func (c *Controller) logger() *log.Entry {
	return log.WithFields(log.Fields{"session": c.id, "tripId": c.tripID, "user": c.userEmail})
}

// Active reports whether the session is starting or tracking.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateIdle
}

// Snapshot returns the current read model.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.opts.Now())
}

// Start checks permissions and opens the location watch. Calling Start on an
// active session is a no-op. Any failure leaves the session idle with a
// fatal error in the snapshot.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStarting
	c.gen++
	gen := c.gen
	c.errMsg, c.errFatal = "", false
	c.engine.Reset()
	c.locations.Reset()
	c.dedupe.Reset()
	c.flash = nil
	c.current = nil
	c.history = nil
	c.lastUpdate = time.Time{}
	c.stepID = ""
	c.lastEval = nil
	c.startTickerLocked()
	c.mu.Unlock()

	c.logger().Info("starting tracking")
	c.clearFlags()

	if !c.ensurePermission(ctx) {
		c.abortStart(gen, msgPermissionDenied)
		return ErrPermissionDenied
	}

	handle, err := c.provider.WatchPosition(ctx, c.opts.Watch, func(pos itinerary.Position, err error) {
		c.onUpdate(gen, pos, err)
	})
	if err != nil {
		c.abortStart(gen, fmt.Sprintf("Could not start location tracking: %v", err))
		return errors.Wrap(err, "watch position")
	}

	c.mu.Lock()
	if c.gen != gen || c.state != stateStarting {
		c.mu.Unlock()
		c.release(handle)
		return ErrStopped
	}
	c.watch = handle
	c.state = stateTracking
	snap := c.evaluateLocked(c.opts.Now())
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.logger().WithField("handle", handle).Info("tracking started")
	c.publish(snap)
	return nil
}

func (c *Controller) ensurePermission(ctx context.Context) bool {
	st, err := c.provider.CheckPermissions(ctx)
	if err == nil && st.Granted() {
		return true
	}
	if err != nil {
		c.logger().WithError(err).Warn("permission check failed")
	}
	st, err = c.provider.RequestPermissions(ctx)
	if err != nil {
		c.logger().WithError(err).Warn("permission request failed")
		return false
	}
	return st.Granted()
}

func (c *Controller) abortStart(gen uint64, msg string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = stateIdle
	c.errMsg, c.errFatal = msg, true
	cancel := c.takeTickerLocked()
	snap := c.snapshotLocked(c.opts.Now())
	c.mu.Unlock()

	c.stopTicker(cancel)
	c.logger().Error(msg)
	c.publish(snap)
}

// Stop releases the watch and returns the session to idle. The watch is
// always dropped, even when the provider fails to release it.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	c.haltLocked(ctx, "")
}

// haltLocked ends an active session. c.mu must be held; it is released before
// the provider is called. A non-empty fatal message is recorded before the
// final snapshot so it is published exactly once.
func (c *Controller) haltLocked(ctx context.Context, fatal string) {
	wasTracking := c.state == stateTracking
	handle := c.watch
	c.watch = ""
	c.gen++
	cancel := c.takeTickerLocked()
	c.mu.Unlock()

	if handle != "" {
		if err := c.provider.ClearWatch(ctx, handle); err != nil {
			c.logger().WithError(err).WithField("handle", handle).Warn("clear watch failed")
		}
	}
	c.stopTicker(cancel)

	c.mu.Lock()
	c.state = stateIdle
	c.locations.Reset()
	c.dedupe.Reset()
	c.flash = nil
	if fatal != "" {
		c.errMsg, c.errFatal = fatal, true
	}
	snap := c.snapshotLocked(c.opts.Now())
	c.mu.Unlock()

	c.clearFlags()
	if wasTracking {
		c.metrics.SessionStopped()
	}
	c.logger().Info("tracking stopped")
	c.publish(snap)
}

// release clears a watch that was opened after the session was stopped.
func (c *Controller) release(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.provider.ClearWatch(ctx, handle); err != nil {
		c.logger().WithError(err).WithField("handle", handle).Warn("clear watch failed")
	}
}

func (c *Controller) onUpdate(gen uint64, pos itinerary.Position, err error) {
	if err != nil {
		c.onError(gen, err)
		return
	}
	c.onPosition(gen, pos)
}

func (c *Controller) onPosition(gen uint64, pos itinerary.Position) {
	c.mu.Lock()
	if c.gen != gen || c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	now := c.opts.Now()
	if pos.Timestamp.IsZero() {
		pos.Timestamp = now
	}
	p := pos
	c.current = &p
	c.history = append(c.history, pos)
	if over := len(c.history) - c.opts.HistoryLimit; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
	c.lastUpdate = now
	if !c.errFatal {
		c.errMsg = ""
	}

	snap := c.evaluateLocked(now)
	written := c.locations.Allow(pos)
	var rec LocationRecord
	if written {
		rec = LocationRecord{
			TripID:    c.tripID,
			UserEmail: c.userEmail,
			Latitude:  pos.Lat,
			Longitude: pos.Lon,
			Accuracy:  pos.Accuracy,
			Source:    SourceWatch,
			Timestamp: pos.Timestamp,
		}
		if c.lastEval != nil {
			rec.StepID = c.lastEval.Step.StepID
			rec.ActivityType = c.lastEval.Step.ActivityType
			rec.PlaceName = c.lastEval.Step.PlaceName
		}
	}
	c.mu.Unlock()

	c.metrics.LocationWrite(written)
	if written && c.sink != nil {
		c.dispatch("save_trip_location", func(ctx context.Context) error {
			return c.sink.SaveTripLocation(ctx, rec)
		})
	}
	c.publish(snap)
}

func (c *Controller) onError(gen uint64, err error) {
	cl := Classify(err)
	c.metrics.ProviderError(cl.Kind.String())

	c.mu.Lock()
	if c.gen != gen || c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	if !cl.Fatal {
		c.errMsg, c.errFatal = cl.Message, false
		snap := c.snapshotLocked(c.opts.Now())
		c.mu.Unlock()
		c.logger().WithError(err).WithField("kind", cl.Kind).Warn("location error")
		c.publish(snap)
		return
	}
	c.logger().WithError(err).WithField("kind", cl.Kind).Error("location error, stopping")
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	c.haltLocked(ctx, cl.Message)
}

// Tick re-evaluates the current step without a new fix.
func (c *Controller) Tick() {
	c.mu.Lock()
	if c.state == stateIdle {
		c.mu.Unlock()
		return
	}
	snap := c.evaluateLocked(c.opts.Now())
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) startTickerLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.tickCancel = cancel
	c.tickWG.Add(1)
	go func() {
		defer c.tickWG.Done()
		ticker := time.NewTicker(c.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
}

func (c *Controller) takeTickerLocked() context.CancelFunc {
	cancel := c.tickCancel
	c.tickCancel = nil
	return cancel
}

func (c *Controller) stopTicker(cancel context.CancelFunc) {
	if cancel == nil {
		return
	}
	cancel()
	c.tickWG.Wait()
}

// evaluateLocked runs selector, engine and throttle for now; c.mu must be held.
func (c *Controller) evaluateLocked(now time.Time) Snapshot {
	start := time.Now()
	defer func() { c.metrics.EvaluationObserve(time.Since(start)) }()

	step, ok := engine.SelectCurrentStep(c.steps, now)
	if c.stepID != "" && (!ok || step.StepID != c.stepID) {
		c.finishStepLocked(c.stepID, now)
	}
	if !ok {
		c.stepID = ""
		c.lastEval = nil
		return c.snapshotLocked(now)
	}
	c.stepID = step.StepID

	ev := c.engine.Evaluate(c.steps, step, now, c.current)
	c.lastEval = &ev
	if ev.Entered {
		c.logger().WithFields(log.Fields{"stepId": step.StepID, "status": ev.Status.Status}).Info("entered geofence")
	}
	if c.dedupe.Changed(c.tripID, step.StepID, ev.Status) {
		c.metrics.StatusWrite(true)
		c.saveStatusLocked(step, ev.Status, now)
	} else {
		c.metrics.StatusWrite(false)
	}
	return c.snapshotLocked(now)
}

// finishStepLocked completes a step the selector moved away from, if its
// window is over, and flushes one final write for it.
func (c *Controller) finishStepLocked(stepID string, now time.Time) {
	var prev itinerary.Step
	found := false
	for _, s := range c.steps {
		if s.StepID == stepID {
			prev, found = s, true
			break
		}
	}
	if !found {
		return
	}
	end, ok := prev.EffectiveEnd()
	if !ok || !now.After(end) {
		return
	}
	st := c.engine.Complete(stepID)
	c.dedupe.Record(c.tripID, stepID, st)
	c.metrics.StatusWrite(true)
	c.saveStatusLocked(prev, st, now)

	name := prev.PlaceName
	if name == "" {
		name = prev.StepID
	}
	c.flash = &completionFlash{
		message:   fmt.Sprintf("Activity window ended: %s.", name),
		expiresAt: now.Add(c.opts.FlashDuration),
	}
	c.logger().WithField("stepId", stepID).Info("step completed")
}

func (c *Controller) saveStatusLocked(step itinerary.Step, st engine.StepStatus, now time.Time) {
	if c.sink == nil {
		return
	}
	rec := StepStatusRecord{
		TripID:            c.tripID,
		UserEmail:         c.userEmail,
		StepID:            step.StepID,
		ActivityType:      step.ActivityType,
		PlaceName:         step.PlaceName,
		Status:            st.Status,
		DeltaMinutes:      st.DeltaMinutes,
		ActualArrivalTime: st.ActualArrivalTime,
		Phase:             st.Phase,
		Performing:        st.Performing,
		UpdatedAt:         now,
	}
	c.dispatch("save_step_status", func(ctx context.Context) error {
		return c.sink.SaveStepStatus(ctx, rec)
	})
}

func (c *Controller) clearFlags() {
	if c.sink == nil {
		return
	}
	c.dispatch("clear_notification_flags", func(ctx context.Context) error {
		return c.sink.ClearTripNotificationFlags(ctx, c.tripID)
	})
}

// dispatch queues a sink write. Writes run one at a time in dispatch order,
// each with its own timeout, so a slow write cannot be overtaken by a later
// one for the same row.
func (c *Controller) dispatch(op string, fn func(ctx context.Context) error) {
	c.writes.Add(1)
	c.writeMu.Lock()
	c.queue = append(c.queue, sinkWrite{op: op, fn: fn})
	if c.draining {
		c.writeMu.Unlock()
		return
	}
	c.draining = true
	c.writeMu.Unlock()
	go c.drain()
}

func (c *Controller) drain() {
	for {
		c.writeMu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.writeMu.Unlock()
			return
		}
		w := c.queue[0]
		c.queue[0] = sinkWrite{}
		c.queue = c.queue[1:]
		c.writeMu.Unlock()

		c.run(w)
		c.writes.Done()
	}
}

func (c *Controller) run(w sinkWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := w.fn(ctx); err != nil {
		c.metrics.SinkError(w.op)
		c.logger().WithError(err).WithField("op", w.op).Warn("persistence write failed")
	}
}

func (c *Controller) publish(snap Snapshot) {
	if c.observer == nil {
		return
	}
	if err := c.observer.PublishSnapshot(snap); err != nil {
		c.logger().WithError(err).Warn("publish snapshot failed")
	}
}

// Wait blocks until background writes started so far have finished.
func (c *Controller) Wait() { c.writes.Wait() }
