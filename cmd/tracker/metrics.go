package main

import (
	"time"

	"trip-tracker/internal/metrics"
	"trip-tracker/internal/publisher"
	"trip-tracker/internal/session"
)

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

// wrapSessionMetrics adapts our Collector to the session.Metrics interface.
func wrapSessionMetrics(c *metrics.Collector) session.Metrics {
	if c == nil {
		return nil
	}
	return &sessionMetrics{c: c}
}

type sessionMetrics struct{ c *metrics.Collector }

func (s *sessionMetrics) SessionStarted() {
	s.c.SessionsStarted.Inc()
	s.c.ActiveSessions.Inc()
}

func (s *sessionMetrics) SessionStopped() {
	s.c.SessionsStopped.Inc()
	s.c.ActiveSessions.Dec()
}

func (s *sessionMetrics) EvaluationObserve(d time.Duration) {
	s.c.EvaluationDuration.Observe(d.Seconds())
}

func (s *sessionMetrics) LocationWrite(written bool) {
	s.c.LocationWrites.WithLabelValues(result(written, "throttled")).Inc()
}

func (s *sessionMetrics) StatusWrite(written bool) {
	s.c.StatusWrites.WithLabelValues(result(written, "deduped")).Inc()
}

func (s *sessionMetrics) SinkError(op string)       { s.c.SinkErrors.WithLabelValues(op).Inc() }
func (s *sessionMetrics) ProviderError(kind string) { s.c.ProviderErrors.WithLabelValues(kind).Inc() }

func result(written bool, skipped string) string {
	if written {
		return "written"
	}
	return skipped
}
