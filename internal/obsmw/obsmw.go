/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package obsmw wires up the process's Prometheus metrics and Sentry
// error reporting: inbound request latency/count, outbound provider
// call latency, claim-registry depth, reaper activity, dedup hit/miss
// counts, and a periodic RSS sample.
package obsmw

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestCount mirrors RQS_COUNT: inbound webhook requests by route
	// and response status.
	RequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vxwhatsapp_requests_total",
		Help: "Total inbound HTTP requests by route and status.",
	}, []string{"route", "status"})

	// RequestLatency mirrors RQS_LATENCY.
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vxwhatsapp_request_latency_seconds",
		Help:    "Inbound HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// ProviderLatency mirrors WHATSAPP_RQS_LATENCY: latency of calls made
	// to the provider API, by endpoint.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vxwhatsapp_provider_latency_seconds",
		Help:    "Outbound provider API call latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// ClaimsGauge tracks the current number of live session claims.
	ClaimsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vxwhatsapp_claims_active",
		Help: "Number of session claims currently held in the registry.",
	})

	// ReaperTicks counts reaper sweep executions.
	ReaperTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vxwhatsapp_reaper_ticks_total",
		Help: "Number of reaper sweep executions.",
	})

	// ReaperExpirations counts claims the reaper closed out.
	ReaperExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vxwhatsapp_reaper_expirations_total",
		Help: "Number of session claims expired and closed by the reaper.",
	})

	// DedupHits/DedupMisses track the webhook dedupe guard.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vxwhatsapp_dedup_hits_total",
		Help: "Number of inbound messages recognised as duplicates.",
	})
	DedupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vxwhatsapp_dedup_misses_total",
		Help: "Number of inbound messages processed as new.",
	})

	// RSSBytes is sampled periodically from runtime.MemStats.
	RSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vxwhatsapp_rss_bytes",
		Help: "Process resident memory, sampled from the Go runtime heap stats.",
	})
)

// InstrumentRoute wraps h so every request updates RequestCount and
// RequestLatency under the given route label.
func InstrumentRoute(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		RequestCount.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// StartRSSSampler samples the Go runtime's heap stats as a proxy for
// RSS every interval until stop is closed.
func StartRSSSampler(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		var mem runtime.MemStats
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				runtime.ReadMemStats(&mem)
				RSSBytes.Set(float64(mem.Sys))
			}
		}
	}()
}

// InitSentry configures the global Sentry client. A blank dsn disables
// reporting entirely (sentry-go treats "" as a no-op transport).
func InitSentry(dsn, environment string, tracesSampleRate float64) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		TracesSampleRate: tracesSampleRate,
	})
}

// CaptureWebhookError reports an unexpected inbound-processing failure.
func CaptureWebhookError(err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "webhook")
		sentry.CaptureException(err)
	})
}

// CaptureOutboundError reports an outbound delivery that is dropped
// after a provider error status (a non-5xx error status, including a
// 404 whose contact-recovery retry also failed).
func CaptureOutboundError(err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "outbound")
		sentry.CaptureException(err)
	})
}
