package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter

	LocationWrites *prometheus.CounterVec // result label: written|throttled
	StatusWrites   *prometheus.CounterVec // result label: written|deduped
	SinkErrors     *prometheus.CounterVec // op label
	ProviderErrors *prometheus.CounterVec // kind label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	EvaluationDuration prometheus.Histogram
	PublishDuration    prometheus.Histogram

	GeofenceRadius prometheus.Gauge // meters
	TickInterval   prometheus.Gauge // seconds
}

func NewCollector(geofenceRadius float64, tickInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Number of tracking sessions currently holding a location watch.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_started_total",
			Help: "Total tracking sessions started.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_stopped_total",
			Help: "Total tracking sessions stopped.",
		}),
		LocationWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_location_fixes_total",
			Help: "Location fixes by persistence decision.",
		}, []string{"result"}),
		StatusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_step_status_evaluations_total",
			Help: "Step status evaluations by persistence decision.",
		}, []string{"result"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sink_errors_total",
			Help: "Failed persistence writes by operation.",
		}, []string{"op"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_provider_errors_total",
			Help: "Location provider errors by kind.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_evaluation_duration_seconds",
			Help:    "Duration of one selector and status engine evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		GeofenceRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_geofence_radius_meters",
			Help: "Geofence radius in meters.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Periodic re-evaluation interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.SessionsStarted, c.SessionsStopped,
		c.LocationWrites, c.StatusWrites, c.SinkErrors, c.ProviderErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.EvaluationDuration, c.PublishDuration,
		c.GeofenceRadius, c.TickInterval,
	)

	c.GeofenceRadius.Set(geofenceRadius)
	c.TickInterval.Set(tickInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}
