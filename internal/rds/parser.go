package rds

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/rdswatch/internal/metrics"
)

// Parser turns newline-delimited decoder output into StatusRecords.
// Malformed or partial lines are dropped and counted, never fatal.
// It holds no cross-line state beyond counters, so records are
// independent of each other.
type Parser struct {
	mu      sync.Mutex
	parsed  uint64
	dropped uint64
	now     func() time.Time
}

// Stats is a snapshot of parser counters.
type Stats struct {
	Parsed  uint64 `json:"parsed"`
	Dropped uint64 `json:"dropped"`
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// wireRecord mirrors the decoder's JSON field names. Pointer fields keep
// absent distinct from false/zero.
type wireRecord struct {
	PI       string `json:"pi"`
	PS       string `json:"ps"`
	TA       *bool  `json:"ta"`
	TP       *bool  `json:"tp"`
	PTY      *int   `json:"pty"`
	ProgType string `json:"prog_type"`
	RT       string `json:"rt"`
}

// ParseLine parses one line of decoder output. ok is false for blank or
// malformed lines; those increment the dropped counter and are otherwise
// ignored.
func (p *Parser) ParseLine(line string) (StatusRecord, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return StatusRecord{}, false
	}
	var w wireRecord
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		metrics.IncStatusLine("dropped")
		return StatusRecord{}, false
	}
	rec := StatusRecord{
		PI:        w.PI,
		PS:        strings.TrimSpace(w.PS),
		TA:        w.TA,
		TP:        w.TP,
		PTY:       w.PTY,
		ProgType:  w.ProgType,
		Radiotext: strings.TrimSpace(w.RT),
		Time:      p.now(),
	}
	p.mu.Lock()
	p.parsed++
	p.mu.Unlock()
	metrics.IncStatusLine("parsed")
	return rec, true
}

func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Parsed: p.parsed, Dropped: p.dropped}
}

// Summary formats the interesting fields of a record for compact logging.
func Summary(r StatusRecord) string {
	parts := make([]string, 0, 5)
	if r.PI != "" {
		parts = append(parts, "PI:"+r.PI)
	}
	if r.PS != "" {
		parts = append(parts, "PS:"+r.PS)
	}
	if r.TA != nil {
		if *r.TA {
			parts = append(parts, "TA:true")
		} else {
			parts = append(parts, "TA:false")
		}
	}
	if r.PTY != nil {
		parts = append(parts, "PTY:"+strconv.Itoa(*r.PTY))
	}
	if r.Radiotext != "" {
		rt := r.Radiotext
		if len(rt) > 24 {
			rt = rt[:24] + "..."
		}
		parts = append(parts, "RT:"+rt)
	}
	return strings.Join(parts, " | ")
}
