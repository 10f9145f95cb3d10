package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// ProbeConfig controls the hardware readiness check run before the
// pipeline starts and after a reset.
type ProbeConfig struct {
	// Command is the probe invocation, e.g. "rtl_test -t". Empty
	// disables probing.
	Command string
	// Timeout bounds one probe attempt.
	Timeout time.Duration
	// Attempts is how many times the probe is retried before the
	// hardware is declared unavailable.
	Attempts int
	// Interval is the pause between attempts.
	Interval time.Duration
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Timeout:  10 * time.Second,
		Attempts: 3,
		Interval: 5 * time.Second,
	}
}

// Probe runs the readiness command until it succeeds or attempts are
// exhausted. A disabled probe always reports ready.
func Probe(ctx context.Context, cfg ProbeConfig, logger *slog.Logger) error {
	if cfg.Command == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		actx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		cmd := buildCommand(cfg.Command)
		out, err := runProbeCmd(actx, cmd)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			logger.Info("hardware probe succeeded", "attempt", i)
			return nil
		}
		lastErr = err
		logger.Warn("hardware probe failed", "attempt", i, "attempts", attempts,
			"error", err, "output", truncate(out, 200))
		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
	}
	return fmt.Errorf("hardware probe failed after %d attempts: %w", attempts, lastErr)
}

// runProbeCmd runs the command to completion, killing its process group
// if the context expires first.
func runProbeCmd(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return buf.String(), err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return buf.String(), err
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return buf.String(), ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
