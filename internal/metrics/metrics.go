package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	statusLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "status",
			Name:      "lines_total",
			Help:      "Decoder status lines by parse result.",
		}, []string{"result"},
	)
	eventStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "detector",
			Name:      "event_starts_total",
			Help:      "Announcement starts by kind.",
		}, []string{"kind"},
	)
	eventEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "detector",
			Name:      "events_finalized_total",
			Help:      "Announcements that passed the duration and continuity filters.",
		}, []string{"kind"},
	)
	eventDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "detector",
			Name:      "events_discarded_total",
			Help:      "Announcements dropped by the duration or continuity filters.",
		}, []string{"kind"},
	)
	emergencyStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "detector",
			Name:      "emergency_stops_total",
			Help:      "Force-ended announcements that hit the hard duration ceiling.",
		},
	)
	recordingsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "recorder",
			Name:      "recordings_saved_total",
			Help:      "Finalized recording artifacts by kind.",
		}, []string{"kind"},
	)
	recordingsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "recorder",
			Name:      "recordings_deleted_total",
			Help:      "Recording artifacts deleted below the session duration floor.",
		}, []string{"kind"},
	)
	audioBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "recorder",
			Name:      "audio_bytes_total",
			Help:      "Raw audio bytes consumed from the pipeline.",
		},
	)
	stageRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "pipeline",
			Name:      "stage_restarts_total",
			Help:      "Pipeline chain restarts attributed to the stage that died.",
		}, []string{"role"},
	)
	hardwareResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "pipeline",
			Name:      "hardware_resets_total",
			Help:      "Receiver reset actions performed during recovery.",
		},
	)
	pipelineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rdswatch",
			Subsystem: "pipeline",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdswatch",
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Event sink delivery errors by sink name.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		statusLines, eventStarts, eventEnds, eventDiscards, emergencyStops,
		recordingsSaved, recordingsDeleted, audioBytes,
		stageRestarts, hardwareResets, pipelineState, sinkErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers used by internal packages. They no-op if Register hasn't been called.

func IncStatusLine(result string) {
	if regOK.Load() {
		statusLines.WithLabelValues(result).Inc()
	}
}
func IncEventStart(kind string) {
	if regOK.Load() {
		eventStarts.WithLabelValues(kind).Inc()
	}
}
func IncEventEnd(kind string) {
	if regOK.Load() {
		eventEnds.WithLabelValues(kind).Inc()
	}
}
func IncEventDiscarded(kind string) {
	if regOK.Load() {
		eventDiscards.WithLabelValues(kind).Inc()
	}
}
func IncEmergencyStop() {
	if regOK.Load() {
		emergencyStops.Inc()
	}
}
func IncRecordingSaved(kind string) {
	if regOK.Load() {
		recordingsSaved.WithLabelValues(kind).Inc()
	}
}
func IncRecordingDeleted(kind string) {
	if regOK.Load() {
		recordingsDeleted.WithLabelValues(kind).Inc()
	}
}
func AddAudioBytes(n int) {
	if regOK.Load() {
		audioBytes.Add(float64(n))
	}
}
func IncStageRestart(role string) {
	if regOK.Load() {
		stageRestarts.WithLabelValues(role).Inc()
	}
}
func IncHardwareReset() {
	if regOK.Load() {
		hardwareResets.Inc()
	}
}
func SetPipelineState(state string, active bool) {
	if regOK.Load() {
		v := float64(0)
		if active {
			v = 1
		}
		pipelineState.WithLabelValues(state).Set(v)
	}
}
func IncSinkError(sink string) {
	if regOK.Load() {
		sinkErrors.WithLabelValues(sink).Inc()
	}
}
