package rds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLog writes every status record observed during one announcement
// into its own JSONL file, framed by a header and footer line. One file
// per announcement; discarded announcements take their file with them.
type EventLog struct {
	dir string

	mu    sync.Mutex
	f     *os.File
	path  string
	count int
}

func NewEventLog(dir string) *EventLog {
	return &EventLog{dir: dir}
}

type eventLogFrame struct {
	Frame   string    `json:"frame"`
	Kind    string    `json:"kind,omitempty"`
	Time    time.Time `json:"time"`
	Records int       `json:"records,omitempty"`
}

// Begin opens the detail file for a new announcement. An announcement
// still open from a missed end is closed out first.
func (l *EventLog) Begin(kind string, t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.closeLocked(t, true)
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return fmt.Errorf("creating event log dir: %w", err)
	}
	name := fmt.Sprintf("event_%s_%s.jsonl", kind, t.Format("20060102_150405"))
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating event log: %w", err)
	}
	l.f = f
	l.path = path
	l.count = 0
	l.writeLocked(eventLogFrame{Frame: "start", Kind: kind, Time: t})
	return nil
}

// Record appends one status record. A record outside an announcement is
// ignored.
func (l *EventLog) Record(r StatusRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	l.writeLocked(r)
	l.count++
}

// End closes the current detail file; discard removes it.
func (l *EventLog) End(t time.Time, discard bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(t, discard)
}

// Close finishes any open file, keeping it.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(time.Now(), false)
}

func (l *EventLog) closeLocked(t time.Time, discard bool) {
	if l.f == nil {
		return
	}
	l.writeLocked(eventLogFrame{Frame: "end", Time: t, Records: l.count})
	_ = l.f.Close()
	if discard {
		_ = os.Remove(l.path)
	}
	l.f = nil
	l.path = ""
	l.count = 0
}

func (l *EventLog) writeLocked(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = l.f.Write(b)
}
