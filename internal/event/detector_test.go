package event

import (
	"testing"
	"time"

	"github.com/loykin/rdswatch/internal/rds"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// feed builds a status record with the given flag state at t.
func feed(d *Detector, t time.Time, ta *bool, pty *int) {
	d.Process(rds.StatusRecord{PI: "0xE241", TA: ta, PTY: pty, Time: t})
}

func collector() (*[]Signal, func(Signal)) {
	var sigs []Signal
	return &sigs, func(s Signal) { sigs = append(sigs, s) }
}

func testConfig() Config {
	c := DefaultConfig()
	c.Debounce = 2 * time.Second
	c.MinTraffic = 15 * time.Second
	c.MinAlert = 10 * time.Second
	c.MaxDuration = 10 * time.Minute
	return c
}

// Drives a complete announcement: flag false, then true for hold, then
// false long enough for the debounce, with records every second.
func runAnnouncement(d *Detector, start time.Time, pty *int, hold time.Duration) time.Time {
	t := start
	feed(d, t, boolPtr(false), nil)
	end := t.Add(hold)
	for t = t.Add(time.Second); t.Before(end); t = t.Add(time.Second) {
		feed(d, t, boolPtr(true), pty)
	}
	for i := 0; i < 5; i++ {
		feed(d, t, boolPtr(false), nil)
		t = t.Add(time.Second)
	}
	return t
}

func TestTrafficAnnouncementLifecycle(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	base := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	runAnnouncement(d, base, intPtr(3), 20*time.Second)

	if len(*sigs) != 2 {
		t.Fatalf("signals = %d, want start+end", len(*sigs))
	}
	start, end := (*sigs)[0], (*sigs)[1]
	if start.Type != SignalStart || start.Kind != KindTraffic {
		t.Fatalf("first signal = %+v", start)
	}
	if end.Type != SignalEnd || end.Discarded || end.Event == nil {
		t.Fatalf("end signal = %+v", end)
	}
	if end.Event.Kind != KindTraffic {
		t.Errorf("kind = %s", end.Event.Kind)
	}
	if end.Event.Duration < 18 || end.Event.Duration > 22 {
		t.Errorf("duration = %.1fs, want ~20s", end.Event.Duration)
	}
}

func TestRealAlertLifecycle(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	d := New(cfg, nil, emit)
	base := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	runAnnouncement(d, base, intPtr(cfg.AlertRealPTY), 12*time.Second)

	if len(*sigs) != 2 {
		t.Fatalf("signals = %d, want start+end", len(*sigs))
	}
	if (*sigs)[0].Kind != KindAlertReal {
		t.Fatalf("kind = %s, want alert_real", (*sigs)[0].Kind)
	}
	end := (*sigs)[1]
	if end.Discarded || end.Event == nil {
		t.Fatalf("12s alert with 10s floor must be kept: %+v", end)
	}
	if end.Event.Duration < 10 || end.Event.Duration > 14 {
		t.Errorf("duration = %.1fs, want ~12s", end.Event.Duration)
	}
}

func TestShortTrafficDiscarded(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	base := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	runAnnouncement(d, base, intPtr(3), 6*time.Second)

	if len(*sigs) != 2 {
		t.Fatalf("signals = %d, want start+end", len(*sigs))
	}
	end := (*sigs)[1]
	if !end.Discarded {
		t.Fatalf("6s traffic with 15s floor must be discarded")
	}
	if end.Event != nil {
		t.Fatalf("discarded end must carry no consumer event")
	}
	st := d.Snapshot()
	if st.EventsDiscarded != 1 || st.EventsFinalized != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUnknownFlagNeverEndsActiveEvent(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	base := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, base, boolPtr(false), nil)
	tt := base.Add(time.Second)
	feed(d, tt, boolPtr(true), intPtr(3))
	// long run of unknown readings, far past the debounce window
	for i := 0; i < 30; i++ {
		tt = tt.Add(time.Second)
		feed(d, tt, nil, nil)
	}
	d.Tick(tt)

	if len(*sigs) != 1 {
		t.Fatalf("signals = %d, unknown readings must not end the event", len(*sigs))
	}
	if d.Snapshot().State != "traffic_active" {
		t.Errorf("state = %s", d.Snapshot().State)
	}
}

func TestDebounceSwallowsFlagFlicker(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	for i := 0; i < 10; i++ {
		tt = tt.Add(time.Second)
		feed(d, tt, boolPtr(true), intPtr(3))
	}
	// one-second false blip, shorter than the 2s debounce
	tt = tt.Add(500 * time.Millisecond)
	feed(d, tt, boolPtr(false), nil)
	tt = tt.Add(time.Second)
	for i := 0; i < 10; i++ {
		feed(d, tt, boolPtr(true), intPtr(3))
		tt = tt.Add(time.Second)
	}
	for i := 0; i < 5; i++ {
		feed(d, tt, boolPtr(false), nil)
		tt = tt.Add(time.Second)
	}

	starts := 0
	for _, s := range *sigs {
		if s.Type == SignalStart {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("starts = %d, flicker must not split the announcement", starts)
	}
	end := (*sigs)[len(*sigs)-1]
	if end.Type != SignalEnd || end.Discarded {
		t.Fatalf("final signal = %+v, want kept end", end)
	}
}

func TestHardCeilingForcesEnd(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	cfg.MaxDuration = 30 * time.Second
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	// stuck flag: true forever
	for i := 0; i < 60; i++ {
		tt = tt.Add(time.Second)
		feed(d, tt, boolPtr(true), intPtr(3))
	}

	var end *Signal
	for i := range *sigs {
		if (*sigs)[i].Type == SignalEnd {
			end = &(*sigs)[i]
		}
	}
	if end == nil {
		t.Fatalf("ceiling produced no end signal")
	}
	if !end.Discarded {
		t.Errorf("ceiling end should be discarded, got %+v", end)
	}
	if d.Snapshot().EmergencyStops != 1 {
		t.Errorf("emergency stops = %d", d.Snapshot().EmergencyStops)
	}
	if d.Snapshot().State != "idle" {
		t.Errorf("state = %s, want idle", d.Snapshot().State)
	}
}

func TestCeilingFiresFromTickWhenStreamStalls(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	cfg.MaxDuration = 30 * time.Second
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	feed(d, tt.Add(time.Second), boolPtr(true), intPtr(3))
	// stream stalls entirely; only the tick advances
	d.Tick(tt.Add(2 * time.Minute))

	if len(*sigs) != 2 || (*sigs)[1].Type != SignalEnd {
		t.Fatalf("tick did not force an end: %+v", *sigs)
	}
}

func TestNoEndWithoutMatchingStart(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	// flag goes false repeatedly with no prior announcement
	for i := 0; i < 10; i++ {
		feed(d, tt, boolPtr(false), nil)
		tt = tt.Add(time.Second)
	}
	d.Tick(tt)
	if len(*sigs) != 0 {
		t.Fatalf("signals without a start: %+v", *sigs)
	}
}

func TestFirstReadingMidAnnouncementDoesNotStart(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	// startup lands mid-announcement: first definite reading is already true
	feed(d, tt, boolPtr(true), intPtr(3))
	feed(d, tt.Add(time.Second), boolPtr(true), intPtr(3))
	if len(*sigs) != 0 {
		t.Fatalf("truncated capture started from mid-announcement reading")
	}
}

func TestAlertStartsWithoutFlagEdge(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	// startup lands mid-alert: first definite reading is already true with
	// an alert program type, no false->true edge will ever come
	feed(d, tt, boolPtr(true), intPtr(cfg.AlertRealPTY))

	if len(*sigs) != 1 || (*sigs)[0].Type != SignalStart || (*sigs)[0].Kind != KindAlertReal {
		t.Fatalf("signals = %+v, want immediate alert start", *sigs)
	}
	if d.Snapshot().State != "alert_real_active" {
		t.Errorf("state = %s", d.Snapshot().State)
	}
}

func TestAlertStartsAfterCeilingWithFlagStuckTrue(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	cfg.MaxDuration = 30 * time.Second
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	for i := 0; i < 40; i++ {
		tt = tt.Add(time.Second)
		feed(d, tt, boolPtr(true), intPtr(3))
	}
	// the ceiling forced the traffic event closed while the flag stayed true
	if d.Snapshot().State != "idle" {
		t.Fatalf("state = %s, want idle after ceiling", d.Snapshot().State)
	}
	tt = tt.Add(time.Second)
	feed(d, tt, boolPtr(true), intPtr(cfg.AlertRealPTY))

	if d.Snapshot().State != "alert_real_active" {
		t.Fatalf("state = %s, alert with a stuck flag must still start", d.Snapshot().State)
	}
	last := (*sigs)[len(*sigs)-1]
	if last.Type != SignalStart || last.Kind != KindAlertReal {
		t.Fatalf("last signal = %+v, want alert start", last)
	}
}

func TestRealAlertPreemptsTraffic(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	for i := 0; i < 5; i++ {
		tt = tt.Add(time.Second)
		feed(d, tt, boolPtr(true), intPtr(3))
	}
	// real alert code appears while the traffic announcement is active
	tt = tt.Add(time.Second)
	feed(d, tt, boolPtr(true), intPtr(cfg.AlertRealPTY))

	if d.Snapshot().State != "alert_real_active" {
		t.Fatalf("state = %s, want alert_real_active", d.Snapshot().State)
	}
	// order: traffic start, traffic end (short, discarded), alert start
	if len(*sigs) != 3 {
		t.Fatalf("signals = %d, want 3", len(*sigs))
	}
	if (*sigs)[1].Type != SignalEnd || (*sigs)[2].Kind != KindAlertReal {
		t.Fatalf("unexpected preemption sequence: %+v", *sigs)
	}
}

func TestContinuityGapDiscardsEvent(t *testing.T) {
	sigs, emit := collector()
	cfg := testConfig()
	cfg.MaxStatusGap = 5 * time.Second
	d := New(cfg, nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	feed(d, tt, boolPtr(false), nil)
	tt = tt.Add(time.Second)
	feed(d, tt, boolPtr(true), intPtr(3))
	// 20s silence in the middle of the event, then more data
	tt = tt.Add(20 * time.Second)
	feed(d, tt, boolPtr(true), intPtr(3))
	tt = tt.Add(time.Second)
	for i := 0; i < 5; i++ {
		feed(d, tt, boolPtr(false), nil)
		tt = tt.Add(time.Second)
	}

	end := (*sigs)[len(*sigs)-1]
	if end.Type != SignalEnd || !end.Discarded {
		t.Fatalf("gap-riddled event was kept: %+v", end)
	}
}

func TestRadiotextAccumulated(t *testing.T) {
	sigs, emit := collector()
	d := New(testConfig(), nil, emit)
	tt := time.Date(2025, 3, 10, 16, 30, 0, 0, time.UTC)

	d.Process(rds.StatusRecord{TA: boolPtr(false), Time: tt})
	for i := 0; i < 20; i++ {
		tt = tt.Add(time.Second)
		d.Process(rds.StatusRecord{TA: boolPtr(true), PTY: intPtr(3), Radiotext: "Trafikinformation", Time: tt})
	}
	for i := 0; i < 5; i++ {
		tt = tt.Add(time.Second)
		d.Process(rds.StatusRecord{TA: boolPtr(false), Time: tt})
	}

	end := (*sigs)[len(*sigs)-1]
	if end.Event == nil {
		t.Fatalf("expected kept event")
	}
	if end.Event.Radiotext != "Trafikinformation" {
		t.Errorf("radiotext = %q", end.Event.Radiotext)
	}
}
