package rds

import "time"

// StatusRecord is one decoded RDS status update from the decoder stage.
// Tri-state fields use pointers: nil means the decoder did not report the
// field in this group, which is different from false/zero. Downstream
// logic relies on that distinction to ignore decode glitches.
type StatusRecord struct {
	PI        string    `json:"pi,omitempty"`
	PS        string    `json:"ps,omitempty"`
	TA        *bool     `json:"ta,omitempty"`
	TP        *bool     `json:"tp,omitempty"`
	PTY       *int      `json:"pty,omitempty"`
	ProgType  string    `json:"prog_type,omitempty"`
	Radiotext string    `json:"rt,omitempty"`
	Time      time.Time `json:"timestamp"`
}

// HasTA reports whether the record carries a definite traffic-announcement flag.
func (r StatusRecord) HasTA() bool { return r.TA != nil }

// HasPTY reports whether the record carries a program-type code.
func (r StatusRecord) HasPTY() bool { return r.PTY != nil }
