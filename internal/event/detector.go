package event

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/rdswatch/internal/metrics"
	"github.com/loykin/rdswatch/internal/rds"
)

// Config holds the detector's timing and classification parameters.
// Floors and the pre-trigger length are tuning parameters, not protocol
// constants, so they are always configuration.
type Config struct {
	AlertTestPTY int           // program-type code for test alerts
	AlertRealPTY int           // program-type code for real alerts
	Debounce     time.Duration // flag must stay false/unknown this long before an end
	MinTraffic   time.Duration // duration floor for ordinary traffic events
	MinAlert     time.Duration // duration floor for alert events
	MaxDuration  time.Duration // hard ceiling; guarantees an end signal
	MaxStatusGap time.Duration // continuity filter: max gap between records during an event
}

// DefaultConfig returns the tuning used on a typical P4-style station.
func DefaultConfig() Config {
	return Config{
		AlertTestPTY: 30,
		AlertRealPTY: 31,
		Debounce:     2 * time.Second,
		MinTraffic:   15 * time.Second,
		MinAlert:     10 * time.Second,
		MaxDuration:  10 * time.Minute,
		MaxStatusGap: 30 * time.Second,
	}
}

// MinDuration returns the duration floor for a kind. Alerts have a
// shorter floor than ordinary traffic announcements.
func (c Config) MinDuration(k Kind) time.Duration {
	if k == KindAlertTest || k == KindAlertReal {
		return c.MinAlert
	}
	return c.MinTraffic
}

// candidate is an in-progress announcement, owned exclusively by the
// detector between start and end.
type candidate struct {
	kind       Kind
	startTime  time.Time
	lastRecord time.Time
	gapCount   int
	records    int
	radiotext  []string
	// pendingEnd is set when the flag went false; the end is committed
	// only after it stays false/unknown for the debounce period.
	pendingEnd    bool
	pendingEndAt  time.Time
	largestGapSec float64
}

func (c *candidate) observe(t time.Time, maxGap time.Duration) {
	if c.records > 0 {
		if gap := t.Sub(c.lastRecord); gap > maxGap {
			c.gapCount++
			if s := gap.Seconds(); s > c.largestGapSec {
				c.largestGapSec = s
			}
		}
	}
	c.records++
	c.lastRecord = t
}

func (c *candidate) addRadiotext(rt string) {
	if rt == "" {
		return
	}
	for _, have := range c.radiotext {
		if have == rt {
			return
		}
	}
	c.radiotext = append(c.radiotext, rt)
}

// Stats is a snapshot of detector counters.
type Stats struct {
	State           string `json:"state"`
	EventsStarted   uint64 `json:"events_started"`
	EventsFinalized uint64 `json:"events_finalized"`
	EventsDiscarded uint64 `json:"events_discarded"`
	EmergencyStops  uint64 `json:"emergency_stops"`
	ProgramChanges  uint64 `json:"program_changes"`
}

// Detector turns the stream of status records into discrete announcement
// start/end signals. It is driven by Process for each record and by Tick
// on a fixed interval so the debounce and the ceiling fire even when the
// status stream stalls. Safe for concurrent use.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	emit   func(Signal)
	now    func() time.Time

	mu    sync.Mutex
	state State
	cand  *candidate
	// last definite flag reading; unknown readings never overwrite it
	lastValidTA *bool
	lastPI      string

	started   uint64
	finalized uint64
	discarded uint64
	emergency uint64
	piChanges uint64
}

// New creates a detector. emit receives every signal synchronously from
// the calling goroutine; it must not block for long.
func New(cfg Config, logger *slog.Logger, emit func(Signal)) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, logger: logger, emit: emit, now: time.Now}
}

// Process consumes one status record.
func (d *Detector) Process(rec rds.StatusRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := rec.Time
	if now.IsZero() {
		now = d.now()
	}

	if d.cand != nil {
		d.cand.observe(now, d.cfg.MaxStatusGap)
		d.cand.addRadiotext(rec.Radiotext)
	}

	d.trackProgramChange(rec)

	if d.state == Idle {
		d.processIdle(rec, now)
	} else {
		d.processActive(rec, now)
	}

	d.checkCeiling(now)
}

// Tick advances time-driven transitions (debounce expiry, hard ceiling)
// when no records arrive. The consumer loop calls it on a fixed interval.
func (d *Detector) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cand != nil && d.cand.pendingEnd && now.Sub(d.cand.pendingEndAt) >= d.cfg.Debounce {
		d.endEvent(d.cand.pendingEndAt, ReasonFlagCleared)
		return
	}
	d.checkCeiling(now)
}

func (d *Detector) processIdle(rec rds.StatusRecord, now time.Time) {
	ta := rec.TA
	if ta == nil {
		return
	}
	prev := d.lastValidTA
	d.lastValidTA = ta
	if !*ta {
		return
	}
	kind := d.classify(rec)
	// Ordinary traffic requires a definite false->true transition: the
	// first reading after startup may land mid-announcement and would
	// produce a truncated, phantom-prone capture. Alerts start on the
	// program-type code alone; an alert missed because the flag was
	// already set is worse than a truncated one.
	if kind == KindTraffic && (prev == nil || *prev) {
		return
	}
	d.startEvent(kind, now)
}

func (d *Detector) processActive(rec rds.StatusRecord, now time.Time) {
	// A real alert preempts an ordinary traffic announcement in progress.
	if d.state == TrafficActive && rec.PTY != nil {
		if k, alert := d.alertKind(*rec.PTY); alert {
			d.logger.Info("alert preempts traffic announcement", "pty", *rec.PTY)
			d.endEvent(now, ReasonPreempted)
			d.startEvent(k, now)
			return
		}
	}

	ta := rec.TA
	if ta == nil {
		// Unknown reading: no new information, never an end signal.
		return
	}
	d.lastValidTA = ta
	if *ta {
		if d.cand != nil && d.cand.pendingEnd {
			d.cand.pendingEnd = false
		}
		return
	}
	// Flag went false: arm the debounce instead of ending immediately, so
	// brief flag flicker does not split one announcement into two.
	if d.cand != nil && !d.cand.pendingEnd {
		d.cand.pendingEnd = true
		d.cand.pendingEndAt = now
		return
	}
	if d.cand != nil && now.Sub(d.cand.pendingEndAt) >= d.cfg.Debounce {
		d.endEvent(d.cand.pendingEndAt, ReasonFlagCleared)
	}
}

func (d *Detector) checkCeiling(now time.Time) {
	if d.cand == nil || d.cfg.MaxDuration <= 0 {
		return
	}
	if now.Sub(d.cand.startTime) >= d.cfg.MaxDuration {
		d.emergency++
		metrics.IncEmergencyStop()
		d.logger.Error("announcement exceeded hard ceiling, forcing end",
			"kind", d.cand.kind, "ceiling", d.cfg.MaxDuration)
		d.endEventReason(now, ReasonCeiling, fmt.Sprintf("exceeded %s ceiling", d.cfg.MaxDuration))
	}
}

func (d *Detector) classify(rec rds.StatusRecord) Kind {
	if rec.PTY != nil {
		if k, alert := d.alertKind(*rec.PTY); alert {
			return k
		}
	}
	return KindTraffic
}

func (d *Detector) alertKind(pty int) (Kind, bool) {
	switch pty {
	case d.cfg.AlertRealPTY:
		return KindAlertReal, true
	case d.cfg.AlertTestPTY:
		return KindAlertTest, true
	default:
		return "", false
	}
}

func (d *Detector) startEvent(kind Kind, now time.Time) {
	d.cand = &candidate{kind: kind, startTime: now, lastRecord: now, records: 1}
	switch kind {
	case KindAlertReal:
		d.state = AlertRealActive
	case KindAlertTest:
		d.state = AlertTestActive
	default:
		d.state = TrafficActive
	}
	d.started++
	metrics.IncEventStart(string(kind))
	d.logger.Info("announcement started", "kind", kind)
	d.emit(Signal{Type: SignalStart, Kind: kind, Time: now})
}

func (d *Detector) endEvent(endTime time.Time, reason EndReason) {
	d.endEventReason(endTime, reason, "")
}

func (d *Detector) endEventReason(endTime time.Time, reason EndReason, detail string) {
	cand := d.cand
	if cand == nil {
		return
	}
	d.cand = nil
	d.state = Idle

	dur := endTime.Sub(cand.startTime)
	var filterReasons []string
	if min := d.cfg.MinDuration(cand.kind); dur < min {
		filterReasons = append(filterReasons, fmt.Sprintf("duration %.1fs below %s floor", dur.Seconds(), min))
	}
	if cand.records < 2 {
		filterReasons = append(filterReasons, "insufficient status records during event")
	} else if cand.gapCount > 0 {
		filterReasons = append(filterReasons,
			fmt.Sprintf("%d status gaps over %s (largest %.1fs)", cand.gapCount, d.cfg.MaxStatusGap, cand.largestGapSec))
	}
	if reason == ReasonCeiling && detail != "" {
		filterReasons = append(filterReasons, detail)
	}

	if len(filterReasons) > 0 {
		d.discarded++
		metrics.IncEventDiscarded(string(cand.kind))
		d.logger.Warn("announcement discarded",
			"kind", cand.kind, "duration", dur.Round(100*time.Millisecond), "reasons", strings.Join(filterReasons, "; "))
		// The recording still has to stop; consumers just never see an event.
		d.emit(Signal{Type: SignalEnd, Kind: cand.kind, Time: endTime, Discarded: true, Reason: strings.Join(filterReasons, "; ")})
		return
	}

	ev := &Event{
		Kind:      cand.kind,
		StartTime: cand.startTime,
		EndTime:   endTime,
		Duration:  dur.Seconds(),
		Radiotext: strings.Join(cand.radiotext, " | "),
		Reason:    reason,
	}
	d.finalized++
	metrics.IncEventEnd(string(cand.kind))
	d.logger.Info("announcement finalized", "kind", ev.Kind, "duration", dur.Round(100*time.Millisecond), "reason", reason)
	d.emit(Signal{Type: SignalEnd, Kind: cand.kind, Time: endTime, Event: ev})
}

func (d *Detector) trackProgramChange(rec rds.StatusRecord) {
	if rec.PI == "" {
		return
	}
	if d.lastPI != "" && d.lastPI != rec.PI {
		d.piChanges++
		d.logger.Debug("station changed", "from", d.lastPI, "to", rec.PI)
	}
	d.lastPI = rec.PI
}

// Flush force-ends any active announcement, used on shutdown so a
// recording never stays open past the detector's lifetime.
func (d *Detector) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cand != nil {
		d.endEvent(d.now(), ReasonShutdown)
	}
}

// Snapshot returns current counters for the status API.
func (d *Detector) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		State:           d.state.String(),
		EventsStarted:   d.started,
		EventsFinalized: d.finalized,
		EventsDiscarded: d.discarded,
		EmergencyStops:  d.emergency,
		ProgramChanges:  d.piChanges,
	}
}
