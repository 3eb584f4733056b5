package publisher

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/location"
	"trip-tracker/internal/session"
)

// NATSPublisher fans session snapshots out on <prefix>.trips.<trip>.status.
type NATSPublisher struct {
	nc          *nats.Conn
	send        func(subject string, data []byte) error
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS and reports connection changes to m.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", url)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	p := &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
	if nc != nil {
		p.send = nc.Publish
	}
	return p
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.WithError(err).Warn("nats drain")
		}
		p.nc.Close()
	}
}

// StatusSubject returns the subject snapshots of tripID are published on.
func StatusSubject(prefix, tripID string) string {
	return location.SubjectToken(prefix) + ".trips." + location.SubjectToken(tripID) + ".status"
}

func (p *NATSPublisher) PublishSnapshot(snap session.Snapshot) error {
	subject := StatusSubject(p.prefix, snap.TripID)
	b, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if p.logSubjects {
		log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.send(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return errors.Wrapf(err, "publish %s", subject)
}
