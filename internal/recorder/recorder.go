// Package recorder turns the continuous audio stream into per-announcement
// files. A rolling pre-trigger buffer holds the seconds leading up to a
// start signal so captures include the beginning of the announcement, and
// at most one recording session is open at any time.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/rdswatch/internal/encoder"
	"github.com/loykin/rdswatch/internal/metrics"
)

// Config controls where and how recordings are written.
type Config struct {
	// Dir is the directory recordings are written into.
	Dir string
	// Format selects the output container, wav or flac.
	Format encoder.Format
	// Params describes the incoming PCM stream.
	Params encoder.Params
	// PreTrigger is how much audio from before the start signal is
	// prepended to each recording.
	PreTrigger time.Duration
	// MinDuration is the session's own floor: a kept session shorter
	// than this is deleted anyway. It guards against capture timing
	// diverging from the announcement timing and is checked in
	// addition to any filtering the caller does. Zero disables it.
	MinDuration time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Format:      encoder.FormatWAV,
		Params:      encoder.DefaultParams(),
		PreTrigger:  2 * time.Second,
		MinDuration: 5 * time.Second,
	}
}

// Artifact describes one finished recording on disk.
type Artifact struct {
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Bytes     uint64    `json:"bytes"`
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Saved        uint64 `json:"saved"`
	Deleted      uint64 `json:"deleted"`
	BytesWritten uint64 `json:"bytes_written"`
	SessionOpen  bool   `json:"session_open"`
}

type session struct {
	kind     string
	start    time.Time
	path     string
	partPath string
	file     *os.File
	enc      encoder.Encoder
}

// Coordinator owns the pre-trigger buffer and the single open session.
// All methods are safe for concurrent use; the audio loop calls Write
// while the signal loop calls Start and Stop.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	ring    *ring
	sess    *session
	saved   uint64
	deleted uint64
	written uint64
}

func New(cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("unknown audio format %q", cfg.Format)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	capacity := int(cfg.PreTrigger.Seconds() * float64(cfg.Params.SampleRate*cfg.Params.Channels*2))
	if capacity < 2 {
		capacity = 2
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger,
		ring:   newRing(capacity, cfg.Params.Channels*2),
	}, nil
}

// Write feeds PCM from the audio stream. Outside a session the bytes go
// into the pre-trigger ring; inside a session they go to the encoder.
func (c *Coordinator) Write(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		c.ring.write(pcm)
		return nil
	}
	if err := c.sess.enc.Write(pcm); err != nil {
		return fmt.Errorf("writing session audio: %w", err)
	}
	c.written += uint64(len(pcm))
	metrics.AddAudioBytes(len(pcm))
	return nil
}

// Start opens a recording session for an announcement. If a session is
// already open it is finalized and kept first, subject to the session
// duration floor, so at most one file is ever being written.
func (c *Coordinator) Start(kind string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		c.logger.Warn("start signal with session already open, finalizing previous",
			"open_kind", c.sess.kind, "new_kind", kind)
		if _, err := c.finalizeLocked(t, false); err != nil {
			c.logger.Error("finalizing superseded session", "error", err)
		}
	}

	name := fmt.Sprintf("audio_%s_%s.%s", kind, t.Format("20060102_150405"), c.cfg.Format.Ext())
	path := filepath.Join(c.cfg.Dir, name)
	partPath := path + ".part"

	f, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("creating recording file: %w", err)
	}
	enc, err := encoder.New(c.cfg.Format, f, c.cfg.Params)
	if err != nil {
		f.Close()
		os.Remove(partPath)
		return fmt.Errorf("opening encoder: %w", err)
	}

	c.sess = &session{kind: kind, start: t, path: path, partPath: partPath, file: f, enc: enc}

	// Prepend the buffered lead-in.
	pre := c.ring.snapshot()
	c.ring.reset()
	if len(pre) > 0 {
		if err := enc.Write(pre); err != nil {
			return fmt.Errorf("writing pre-trigger audio: %w", err)
		}
		c.written += uint64(len(pre))
		metrics.AddAudioBytes(len(pre))
	}
	c.logger.Info("recording started", "kind", kind, "file", name,
		"pre_trigger", fmt.Sprintf("%.1fs", float64(len(pre))/float64(c.cfg.Params.SampleRate*c.cfg.Params.Channels*2)))
	return nil
}

// Stop closes the open session. With discard set the audio file is
// deleted instead of kept. Stop without an open session is a no-op.
func (c *Coordinator) Stop(t time.Time, discard bool) (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, nil
	}
	return c.finalizeLocked(t, discard)
}

func (c *Coordinator) finalizeLocked(t time.Time, discard bool) (*Artifact, error) {
	s := c.sess
	c.sess = nil

	if !discard && c.cfg.MinDuration > 0 && t.Sub(s.start) < c.cfg.MinDuration {
		c.logger.Warn("session below recording floor, deleting",
			"kind", s.kind, "duration", t.Sub(s.start).Round(100*time.Millisecond))
		discard = true
	}

	encErr := s.enc.Close()
	closeErr := s.file.Close()
	if encErr != nil || closeErr != nil {
		os.Remove(s.partPath)
		if encErr != nil {
			return nil, fmt.Errorf("finalizing recording: %w", encErr)
		}
		return nil, fmt.Errorf("closing recording file: %w", closeErr)
	}

	if discard {
		c.deleted++
		metrics.IncRecordingDeleted(s.kind)
		if err := os.Remove(s.partPath); err != nil {
			return nil, fmt.Errorf("deleting discarded recording: %w", err)
		}
		c.logger.Info("recording discarded", "kind", s.kind, "file", filepath.Base(s.path))
		return nil, nil
	}

	if err := os.Rename(s.partPath, s.path); err != nil {
		return nil, fmt.Errorf("publishing recording: %w", err)
	}
	c.saved++
	metrics.IncRecordingSaved(s.kind)
	art := &Artifact{
		Path:      s.path,
		Kind:      s.kind,
		StartTime: s.start,
		EndTime:   t,
		Bytes:     s.enc.BytesIn(),
	}
	c.logger.Info("recording saved", "kind", s.kind, "file", filepath.Base(s.path),
		"duration", t.Sub(s.start).Round(100*time.Millisecond))
	return art, nil
}

// Close discards any open session, for shutdown paths.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	_, err := c.finalizeLocked(time.Now(), true)
	return err
}

func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Saved:        c.saved,
		Deleted:      c.deleted,
		BytesWritten: c.written,
		SessionOpen:  c.sess != nil,
	}
}
