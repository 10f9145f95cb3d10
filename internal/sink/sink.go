// Package sink delivers the announcement feed, ordered start and end
// records, to external consumers: an append-only JSONL log, relational
// databases, ClickHouse, or a handoff command for downstream processing
// such as transcription.
package sink

import (
	"context"
	"time"
)

// Record types on the delivery feed. Every start is followed by exactly
// one end; consumers tracking an in-progress announcement key on these.
const (
	RecordStart = "start"
	RecordEnd   = "end"
)

// Record is one announcement feed entry as delivered to consumers.
// Start records carry only the kind, start time and station identity;
// duration, radiotext and the audio artifact are filled on the end.
type Record struct {
	Type       string    `json:"type"`
	Kind       string    `json:"kind"`
	StartTime  time.Time `json:"start_time,omitzero"`
	EndTime    time.Time `json:"end_time,omitzero"`
	Duration   float64   `json:"duration_seconds"`
	PI         string    `json:"pi,omitempty"`
	PS         string    `json:"ps,omitempty"`
	Radiotext  string    `json:"radiotext,omitempty"`
	AudioPath  string    `json:"audio_path,omitempty"`
	AudioBytes uint64    `json:"audio_bytes,omitempty"`
	// Discarded marks an end whose announcement failed the duration or
	// continuity filters; it closes the start but carries no artifact.
	Discarded bool `json:"discarded,omitempty"`
}

// Sink is a destination for announcement events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Name() string
}
