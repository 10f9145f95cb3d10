// Package cleanup enforces retention of recordings and log files so an
// unattended watcher does not fill its disk. When disk usage passes the
// emergency threshold the retention windows shrink to free space faster.
package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/rdswatch/internal/metrics"
)

// Config controls one sweeper instance.
type Config struct {
	// AudioDir holds recordings, LogDir the rotated logs.
	AudioDir string
	LogDir   string
	// AudioMaxAge and LogMaxAge are the normal retention windows.
	AudioMaxAge time.Duration
	LogMaxAge   time.Duration
	// EmergencyDiskPct is the disk usage percentage above which the
	// windows are divided by EmergencyDivisor.
	EmergencyDiskPct float64
	EmergencyDivisor int
}

// Summary reports one sweep.
type Summary struct {
	AudioRemoved int     `json:"audio_removed"`
	LogsRemoved  int     `json:"logs_removed"`
	BytesFreed   int64   `json:"bytes_freed"`
	DiskUsedPct  float64 `json:"disk_used_pct"`
	Emergency    bool    `json:"emergency"`
}

// Sweeper removes expired recordings and logs.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	// diskUsedPct is injectable for tests.
	diskUsedPct func(path string) (float64, error)
	now         func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EmergencyDivisor < 1 {
		cfg.EmergencyDivisor = 1
	}
	return &Sweeper{cfg: cfg, logger: logger, diskUsedPct: statfsUsedPct, now: time.Now}
}

// Sweep runs one pass over both directories.
func (s *Sweeper) Sweep() (Summary, error) {
	var sum Summary

	used, err := s.diskUsedPct(s.cfg.AudioDir)
	if err != nil {
		s.logger.Warn("reading disk usage", "error", err)
	} else {
		sum.DiskUsedPct = used
	}

	audioAge := s.cfg.AudioMaxAge
	logAge := s.cfg.LogMaxAge
	if s.cfg.EmergencyDiskPct > 0 && used > s.cfg.EmergencyDiskPct {
		sum.Emergency = true
		audioAge /= time.Duration(s.cfg.EmergencyDivisor)
		logAge /= time.Duration(s.cfg.EmergencyDivisor)
		s.logger.Warn("disk usage over threshold, shrinking retention",
			"used_pct", used, "audio_max_age", audioAge, "log_max_age", logAge)
	}

	if s.cfg.AudioDir != "" && audioAge > 0 {
		n, freed := s.sweepDir(s.cfg.AudioDir, audioAge, isAudioFile)
		sum.AudioRemoved = n
		sum.BytesFreed += freed
	}
	if s.cfg.LogDir != "" && logAge > 0 {
		n, freed := s.sweepDir(s.cfg.LogDir, logAge, isLogFile)
		sum.LogsRemoved = n
		sum.BytesFreed += freed
	}

	if sum.AudioRemoved > 0 || sum.LogsRemoved > 0 {
		s.logger.Info("retention sweep",
			"audio_removed", sum.AudioRemoved, "logs_removed", sum.LogsRemoved,
			"bytes_freed", sum.BytesFreed, "emergency", sum.Emergency)
	}
	return sum, nil
}

// Run sweeps on the interval until the context is done.
func (s *Sweeper) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				s.logger.Error("retention sweep", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweepDir(dir string, maxAge time.Duration, match func(string) bool) (int, int64) {
	cutoff := s.now().Add(-maxAge)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading retention dir", "dir", dir, "error", err)
		}
		return 0, 0
	}
	removed := 0
	var freed int64
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("removing expired file", "path", path, "error", err)
			continue
		}
		removed++
		freed += info.Size()
		if isAudioFile(e.Name()) {
			metrics.IncRecordingDeleted("expired")
		}
	}
	return removed, freed
}

func isAudioFile(name string) bool {
	return strings.HasPrefix(name, "audio_") &&
		(strings.HasSuffix(name, ".wav") || strings.HasSuffix(name, ".flac") ||
			strings.HasSuffix(name, ".part"))
}

func isLogFile(name string) bool {
	return strings.Contains(name, ".log") || strings.HasSuffix(name, ".jsonl")
}

func statfsUsedPct(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	free := st.Bavail * uint64(st.Bsize)
	return float64(total-free) / float64(total) * 100, nil
}
