// Package location bridges a traveler's device to the tracking session over
// NATS. The device app answers permission requests, starts and stops its
// GPS watch on control messages and publishes fixes per watch handle.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/session"
)

const DefaultRequestTimeout = 5 * time.Second

// bus is the part of a NATS connection the provider needs.
type bus interface {
	request(ctx context.Context, subject string, data []byte) ([]byte, error)
	subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	publish(subject string, data []byte) error
}

type natsBus struct{ nc *nats.Conn }

func (b natsBus) request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (b natsBus) subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b natsBus) publish(subject string, data []byte) error { return b.nc.Publish(subject, data) }

// NATSProvider implements session.Provider for one device.
type NATSProvider struct {
	bus            bus
	prefix         string
	device         string
	requestTimeout time.Duration

	mu      sync.Mutex
	watches map[string]func() error // handle -> unsubscribe
}

func NewNATSProvider(nc *nats.Conn, prefix, device string, requestTimeout time.Duration) *NATSProvider {
	return newProvider(natsBus{nc: nc}, prefix, device, requestTimeout)
}

func newProvider(b bus, prefix, device string, requestTimeout time.Duration) *NATSProvider {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &NATSProvider{
		bus:            b,
		prefix:         prefix,
		device:         device,
		requestTimeout: requestTimeout,
		watches:        make(map[string]func() error),
	}
}

// Factory returns a session.ProviderFactory keyed by traveler email.
func Factory(nc *nats.Conn, prefix string, requestTimeout time.Duration) session.ProviderFactory {
	return func(userEmail string) session.Provider {
		return NewNATSProvider(nc, prefix, userEmail, requestTimeout)
	}
}

func (p *NATSProvider) subject(parts ...string) string {
	return DeviceSubject(p.prefix, p.device, parts...)
}

// DeviceSubject builds <prefix>.devices.<device>.<parts...>.
func DeviceSubject(prefix, device string, parts ...string) string {
	tokens := append([]string{SubjectToken(prefix), "devices", SubjectToken(device)}, parts...)
	return strings.Join(tokens, ".")
}

// SubjectToken makes s safe as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

func (p *NATSProvider) CheckPermissions(ctx context.Context) (session.PermissionState, error) {
	return p.permissions(ctx, "check")
}

func (p *NATSProvider) RequestPermissions(ctx context.Context) (session.PermissionState, error) {
	return p.permissions(ctx, "request")
}

func (p *NATSProvider) permissions(ctx context.Context, verb string) (session.PermissionState, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	subj := p.subject("permissions", verb)
	data, err := p.bus.request(ctx, subj, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "request %s", subj)
	}
	var st session.PermissionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(err, "decode permission state")
	}
	return st, nil
}

// Control actions published on <prefix>.devices.<device>.watch.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// ControlMessage asks the device to start or stop publishing fixes for a handle.
type ControlMessage struct {
	Action  string          `json:"action"`
	Handle  string          `json:"handle"`
	Subject string          `json:"subject,omitempty"`
	Options *ControlOptions `json:"options,omitempty"`
}

type ControlOptions struct {
	EnableHighAccuracy bool  `json:"enableHighAccuracy"`
	TimeoutMs          int64 `json:"timeout"`
	MaximumAgeMs       int64 `json:"maximumAge"`
}

// WatchPosition subscribes to the fixes of a new handle and asks the device
// to start publishing them.
func (p *NATSProvider) WatchPosition(_ context.Context, opts session.WatchOptions, cb session.PositionCallback) (string, error) {
	handle := uuid.NewString()
	posSubj := p.subject("positions", handle)
	logger := log.WithFields(log.Fields{"device": p.device, "handle": handle})

	unsub, err := p.bus.subscribe(posSubj, func(data []byte) {
		pos, locErr, err := DecodeFix(data)
		switch {
		case err != nil:
			logger.WithError(err).Warn("dropping malformed fix")
		case locErr != nil:
			cb(itinerary.Position{}, locErr)
		default:
			cb(pos, nil)
		}
	})
	if err != nil {
		return "", errors.Wrapf(err, "subscribe %s", posSubj)
	}

	ctrl := ControlMessage{
		Action:  ActionStart,
		Handle:  handle,
		Subject: posSubj,
		Options: &ControlOptions{
			EnableHighAccuracy: opts.EnableHighAccuracy,
			TimeoutMs:          opts.Timeout.Milliseconds(),
			MaximumAgeMs:       opts.MaximumAge.Milliseconds(),
		},
	}
	if err := p.control(ctrl); err != nil {
		if uerr := unsub(); uerr != nil {
			logger.WithError(uerr).Warn("unsubscribe after failed start")
		}
		return "", err
	}

	p.mu.Lock()
	p.watches[handle] = unsub
	p.mu.Unlock()
	logger.Debug("watch started")
	return handle, nil
}

// ClearWatch unsubscribes the handle and tells the device to stop. Unknown
// handles are ignored.
func (p *NATSProvider) ClearWatch(_ context.Context, handle string) error {
	p.mu.Lock()
	unsub, ok := p.watches[handle]
	delete(p.watches, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []string
	if err := unsub(); err != nil {
		errs = append(errs, fmt.Sprintf("unsubscribe: %v", err))
	}
	if err := p.control(ControlMessage{Action: ActionStop, Handle: handle}); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.Errorf("clear watch %s: %s", handle, strings.Join(errs, "; "))
	}
	return nil
}

func (p *NATSProvider) control(msg ControlMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode control message")
	}
	subj := p.subject("watch")
	if err := p.bus.publish(subj, b); err != nil {
		return errors.Wrapf(err, "publish %s", subj)
	}
	return nil
}

// watching returns the number of open watches.
func (p *NATSProvider) watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}
