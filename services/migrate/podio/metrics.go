// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package podio

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes gateway observability counters.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestSeconds     prometheus.Histogram
	rateLimitRemaining prometheus.Gauge
	rateLimitHits      prometheus.Counter
}

// NewMetrics creates gateway metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workmove",
			Subsystem: "podio",
			Name:      "requests_total",
			Help:      "Outbound API requests by method and outcome.",
		}, []string{"method", "status"}),
		requestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workmove",
			Subsystem: "podio",
			Name:      "request_seconds",
			Help:      "Outbound API request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimitRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workmove",
			Subsystem: "podio",
			Name:      "rate_limit_remaining",
			Help:      "Remaining requests in the current remote quota window.",
		}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workmove",
			Subsystem: "podio",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the remote rate limit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.requestSeconds, m.rateLimitRemaining, m.rateLimitHits)
	}
	return m
}

func (m *Metrics) observe(method, path string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
			if apiErr.StatusCode == StatusRateLimited {
				m.rateLimitHits.Inc()
			}
		}
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) setQuota(s RateLimitState) {
	if s.Known() {
		m.rateLimitRemaining.Set(float64(s.Remaining))
	}
}
