// Package sim plays a traveler's device against the tracker: it answers
// permission requests and, while a watch is open, publishes fixes that follow
// the itinerary schedule.
package sim

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/location"
	"trip-tracker/internal/session"
)

type Options struct {
	// Interval between fixes of one watch.
	Interval time.Duration
	// Speed scales schedule time against wall-clock time.
	Speed float64
	// StartAt is the schedule instant matching the moment the device was
	// created. Zero means now.
	StartAt time.Time
	// Permission is the location permission state reported to the tracker.
	Permission string
	// Accuracy in meters attached to every fix.
	Accuracy float64
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Speed <= 0 {
		o.Speed = 1
	}
	if o.Permission == "" {
		o.Permission = session.PermissionGranted
	}
	if o.Accuracy <= 0 {
		o.Accuracy = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Device simulates one traveler's phone.
type Device struct {
	prefix  string
	device  string
	route   []keyframe
	opts    Options
	origin  time.Time
	publish func(subject string, data []byte) error

	mu      sync.Mutex
	running map[string]context.CancelFunc // handle -> cancel
	wg      sync.WaitGroup
	subs    []*nats.Subscription
}

func NewDevice(prefix, device string, steps []itinerary.Step, opts Options) *Device {
	opts = opts.withDefaults()
	sorted := append([]itinerary.Step(nil), steps...)
	itinerary.SortByStart(sorted)
	d := &Device{
		prefix:  prefix,
		device:  device,
		route:   buildRoute(sorted),
		opts:    opts,
		origin:  opts.Now(),
		running: make(map[string]context.CancelFunc),
	}
	if d.opts.StartAt.IsZero() {
		d.opts.StartAt = d.origin
	}
	return d
}

// Attach subscribes the device to its permission and watch subjects on nc.
func (d *Device) Attach(ctx context.Context, nc *nats.Conn) error {
	d.publish = nc.Publish

	permSubj := location.DeviceSubject(d.prefix, d.device, "permissions", "*")
	sub, err := nc.Subscribe(permSubj, func(m *nats.Msg) {
		if err := m.Respond(d.permissionReply()); err != nil {
			log.WithError(err).Warn("permission reply")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", permSubj)
	}
	d.subs = append(d.subs, sub)

	watchSubj := location.DeviceSubject(d.prefix, d.device, "watch")
	sub, err = nc.Subscribe(watchSubj, func(m *nats.Msg) { d.handleControl(ctx, m.Data) })
	if err != nil {
		d.unsubscribe()
		return errors.Wrapf(err, "subscribe %s", watchSubj)
	}
	d.subs = append(d.subs, sub)

	log.WithFields(log.Fields{"device": d.device, "keyframes": len(d.route)}).Info("device attached")
	return nil
}

func (d *Device) permissionReply() []byte {
	b, _ := json.Marshal(session.PermissionState{"location": d.opts.Permission})
	return b
}

func (d *Device) handleControl(ctx context.Context, data []byte) {
	var msg location.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithError(err).Warn("dropping malformed control message")
		return
	}
	switch msg.Action {
	case location.ActionStart:
		subj := msg.Subject
		if subj == "" {
			subj = location.DeviceSubject(d.prefix, d.device, "positions", msg.Handle)
		}
		d.startWatch(ctx, msg.Handle, subj)
	case location.ActionStop:
		d.stopWatch(msg.Handle)
	default:
		log.WithField("action", msg.Action).Warn("unknown control action")
	}
}

func (d *Device) startWatch(parent context.Context, handle, subject string) {
	d.mu.Lock()
	if _, exists := d.running[handle]; exists {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.running[handle] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	log.WithFields(log.Fields{"device": d.device, "handle": handle}).Info("watch started")
	go func() {
		defer d.wg.Done()
		d.runWatch(ctx, subject)
		d.mu.Lock()
		delete(d.running, handle)
		d.mu.Unlock()
	}()
}

func (d *Device) stopWatch(handle string) {
	d.mu.Lock()
	cancel, ok := d.running[handle]
	d.mu.Unlock()
	if ok {
		cancel()
		log.WithFields(log.Fields{"device": d.device, "handle": handle}).Info("watch stopped")
	}
}

func (d *Device) runWatch(ctx context.Context, subject string) {
	tick := time.NewTicker(d.opts.Interval)
	defer tick.Stop()

	d.sendFix(subject)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			d.sendFix(subject)
		}
	}
}

// scheduleTime maps wall-clock now onto the itinerary schedule.
func (d *Device) scheduleTime(now time.Time) time.Time {
	elapsed := float64(now.Sub(d.origin)) * d.opts.Speed
	return d.opts.StartAt.Add(time.Duration(elapsed))
}

func (d *Device) sendFix(subject string) {
	now := d.opts.Now()
	var (
		data []byte
		err  error
	)
	if lat, lon, ok := positionAt(d.route, d.scheduleTime(now)); ok {
		acc := d.opts.Accuracy
		data, err = location.EncodeFix(itinerary.Position{Lat: lat, Lon: lon, Accuracy: &acc, Timestamp: now})
	} else {
		data, err = location.EncodeFixError(session.LocationError{
			Code:    session.CodePositionUnavailable,
			Message: "no scheduled steps to follow",
		})
	}
	if err != nil {
		log.WithError(err).Error("encode fix")
		return
	}
	if err := d.publish(subject, data); err != nil {
		log.WithError(err).WithField("subject", subject).Warn("publish fix")
	}
}

// watching returns the number of open watches.
func (d *Device) watching() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Device) unsubscribe() {
	for _, s := range d.subs {
		if err := s.Unsubscribe(); err != nil {
			log.WithError(err).Warn("unsubscribe")
		}
	}
	d.subs = nil
}

// Stop drops the subscriptions and ends every watch.
func (d *Device) Stop() {
	d.unsubscribe()
	d.mu.Lock()
	for _, cancel := range d.running {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
