package event

import "time"

// Kind classifies a detected announcement.
type Kind string

const (
	KindTraffic   Kind = "traffic"
	KindAlertTest Kind = "alert_test"
	KindAlertReal Kind = "alert_real"
)

// State is the detector state machine state.
type State int

const (
	Idle State = iota
	TrafficActive
	AlertTestActive
	AlertRealActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TrafficActive:
		return "traffic_active"
	case AlertTestActive:
		return "alert_test_active"
	case AlertRealActive:
		return "alert_real_active"
	default:
		return "unknown"
	}
}

// Kind returns the announcement kind for an active state.
func (s State) Kind() Kind {
	switch s {
	case AlertTestActive:
		return KindAlertTest
	case AlertRealActive:
		return KindAlertReal
	default:
		return KindTraffic
	}
}

// EndReason records why an active announcement ended.
type EndReason string

const (
	ReasonFlagCleared EndReason = "flag_cleared"
	ReasonCeiling     EndReason = "ceiling"
	ReasonPreempted   EndReason = "preempted"
	ReasonShutdown    EndReason = "shutdown"
)

// Event is a finalized, filtered announcement. Immutable once emitted.
type Event struct {
	Kind      Kind      `json:"kind"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration_seconds"`
	Radiotext string    `json:"radiotext,omitempty"`
	Reason    EndReason `json:"end_reason"`
}

// SignalType distinguishes start and end signals on the handoff channel.
type SignalType int

const (
	SignalStart SignalType = iota
	SignalEnd
)

// Signal is the handoff between the detector loop and the recording
// coordinator / event sinks. On SignalEnd, Event is non-nil only when the
// announcement passed the duration and continuity filters; Discarded ends
// still stop the recording but carry no consumer-visible event.
type Signal struct {
	Type      SignalType
	Kind      Kind
	Time      time.Time
	Event     *Event
	Discarded bool
	Reason    string
}
