package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStatusLine("parsed")
	IncEventStart("traffic")
	IncEventEnd("traffic")
	IncEventDiscarded("traffic")
	IncEmergencyStop()
	IncRecordingSaved("traffic")
	IncRecordingDeleted("traffic")
	AddAudioBytes(8192)
	IncStageRestart("decoder")
	IncHardwareReset()
	SetPipelineState("running", true)
	IncSinkError("history")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"rdswatch_status_lines_total":                false,
		"rdswatch_detector_event_starts_total":       false,
		"rdswatch_detector_events_finalized_total":   false,
		"rdswatch_detector_events_discarded_total":   false,
		"rdswatch_detector_emergency_stops_total":    false,
		"rdswatch_recorder_recordings_saved_total":   false,
		"rdswatch_recorder_recordings_deleted_total": false,
		"rdswatch_recorder_audio_bytes_total":        false,
		"rdswatch_pipeline_stage_restarts_total":     false,
		"rdswatch_pipeline_hardware_resets_total":    false,
		"rdswatch_pipeline_state":                    false,
		"rdswatch_sink_errors_total":                 false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, seen := range wantNames {
		if !seen {
			t.Errorf("metric %s not gathered", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)
	IncEventStart("alert_real")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "rdswatch_detector_event_starts_total") {
		t.Errorf("metrics output missing detector counter")
	}
}
