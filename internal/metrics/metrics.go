// Package metrics exposes Prometheus counters for sessions and transports.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/imulink/internal/protocol"
)

// Prometheus collectors, labelled by technology to bound cardinality
var (
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_frames_decoded_total",
		Help: "Frames decoded successfully.",
	}, []string{"technology"})
	SamplesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_samples_emitted_total",
		Help: "Samples delivered to the sink.",
	}, []string{"technology"})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_frames_dropped_total",
		Help: "Sample frames dropped because no stream was active.",
	}, []string{"technology"})
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_protocol_errors_total",
		Help: "Frames rejected by a codec, by reason.",
	}, []string{"technology", "reason"})
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_connect_attempts_total",
		Help: "Discover and bind attempts, by outcome.",
	}, []string{"technology", "outcome"})
	LinkLosses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imulink_link_losses_total",
		Help: "Links lost while the session was connected.",
	}, []string{"technology"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imulink_active_sessions",
		Help: "Sessions currently connected.",
	})
	Battery = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imulink_battery_percent",
		Help: "Last reported battery level per device.",
	}, []string{"technology", "serial"})
)

// Protocol error reasons
const (
	ReasonMalformed = "malformed"
	ReasonUnknown   = "unknown"
	ReasonOther     = "other"
)

// Connect attempt outcomes
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeBind     = "bind_failed"
)

// Reason maps a codec error onto a stable label.
func Reason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, protocol.ErrUnknown):
		return ReasonUnknown
	default:
		return ReasonOther
	}
}

// StartHTTP serves Prometheus metrics at /metrics on addr.
func StartHTTP(addr string, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
