package sink

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// HookSink hands a finalized event to an external command, the boundary
// where downstream processing like transcription takes over. The event
// fields are exposed through RDSWATCH_* environment variables and the
// audio path is appended as the last argument.
type HookSink struct {
	command string
	timeout time.Duration
}

func NewHookSink(command string, timeout time.Duration) *HookSink {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HookSink{command: command, timeout: timeout}
}

func (s *HookSink) Name() string { return "hook" }

func (s *HookSink) Send(ctx context.Context, r Record) error {
	if strings.TrimSpace(s.command) == "" {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	line := s.command
	if r.AudioPath != "" {
		line = line + " " + r.AudioPath
	}
	end := ""
	if !r.EndTime.IsZero() {
		end = r.EndTime.Format(time.RFC3339)
	}
	// #nosec G204
	cmd := exec.CommandContext(hctx, "/bin/sh", "-c", line)
	cmd.Env = append(os.Environ(),
		"RDSWATCH_TYPE="+r.Type,
		"RDSWATCH_KIND="+r.Kind,
		"RDSWATCH_START="+r.StartTime.Format(time.RFC3339),
		"RDSWATCH_END="+end,
		fmt.Sprintf("RDSWATCH_DURATION=%.1f", r.Duration),
		"RDSWATCH_AUDIO_PATH="+r.AudioPath,
		"RDSWATCH_RADIOTEXT="+r.Radiotext,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("event hook failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
