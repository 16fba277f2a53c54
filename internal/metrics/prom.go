package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "stdiobridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stdiobridge_rpc_requests_total",
			Help: "Number of RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	rpcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stdiobridge_rpc_duration_seconds",
			Help:    "RPC round-trip duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	framesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stdiobridge_frames_decoded_total",
			Help: "Frames successfully decoded from the subprocess stream",
		},
	)

	frameDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stdiobridge_frame_decode_errors_total",
			Help: "Frame decode failures by reason",
		},
		[]string{"reason"},
	)

	unsolicitedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stdiobridge_unsolicited_messages_total",
			Help: "Decoded messages with no matching pending call",
		},
	)

	stderrLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stdiobridge_subprocess_stderr_lines_total",
			Help: "Lines read from the subprocess error stream",
		},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stdiobridge_pending_calls",
			Help: "Calls currently awaiting a subprocess reply",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, rpcRequests, rpcDuration, framesDecoded, frameDecodeErrors, unsolicitedMessages, stderrLines, pendingCalls)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRPCRequest increments the request counter for an outcome
// (ok, timeout, duplicate, rejected, bad_request, unauthorized).
func RecordRPCRequest(outcome string) {
	rpcRequests.WithLabelValues(outcome).Inc()
}

// ObserveRPCDuration records a completed round trip.
func ObserveRPCDuration(d time.Duration) {
	rpcDuration.Observe(d.Seconds())
}

// RecordFrameDecoded increments the decoded frame counter.
func RecordFrameDecoded() { framesDecoded.Inc() }

// RecordFrameDecodeError increments the decode error counter for a reason
// (malformed_header, oversize_frame, invalid_json).
func RecordFrameDecodeError(reason string) {
	frameDecodeErrors.WithLabelValues(reason).Inc()
}

// RecordUnsolicited increments the unsolicited message counter.
func RecordUnsolicited() { unsolicitedMessages.Inc() }

// RecordStderrLine increments the stderr line counter.
func RecordStderrLine() { stderrLines.Inc() }

// SetPendingCalls updates the pending call gauge.
func SetPendingCalls(n int) { pendingCalls.Set(float64(n)) }
