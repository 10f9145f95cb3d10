// Package pipeline supervises the external capture chain: a tuner feeding
// a decoder feeding an audio converter. The stages are plumbed together
// with pipes, watched for liveness, and restarted as a unit when any of
// them dies.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Role identifies a stage's position in the capture chain.
type Role string

const (
	RoleTuner    Role = "tuner"
	RoleDecoder  Role = "decoder"
	RoleRecorder Role = "recorder"
)

// StageSpec describes one external process in the chain.
type StageSpec struct {
	Role    Role
	Command string
	// Stdio endpoints, wired by the supervisor. Nil ends go to /dev/null.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	// StartupGrace is how long the process must stay up after start
	// before it counts as running.
	StartupGrace time.Duration
}

// StageStatus is a point-in-time view of a stage.
type StageStatus struct {
	Role      Role      `json:"role"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   error     `json:"-"`
}

// Stage wraps one external process. The command runs in its own process
// group so signals reach shell-spawned children too. A single waiter
// goroutine owns cmd.Wait; Stop coordinates with it through waitDone.
type Stage struct {
	spec StageSpec

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   StageStatus
	stopping bool
	waitDone chan struct{}
}

func NewStage(spec StageSpec) *Stage {
	return &Stage{spec: spec, status: StageStatus{Role: spec.Role}}
}

func (s *Stage) Role() Role { return s.spec.Role }

// buildCommand turns the configured command line into an exec.Cmd. Shell
// metacharacters route through /bin/sh so tuning flags like "-f 103.3M"
// and quoted arguments behave as they would interactively.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// Start launches the process and attaches the waiter goroutine. The
// returned channel is closed when the process exits and its state is
// recorded.
func (s *Stage) Start() (<-chan struct{}, error) {
	if strings.TrimSpace(s.spec.Command) == "" {
		return nil, fmt.Errorf("stage %s: empty command", s.spec.Role)
	}
	cmd := buildCommand(s.spec.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("stage %s: opening devnull: %w", s.spec.Role, err)
	}
	closeNull := true
	defer func() {
		if closeNull {
			null.Close()
		}
	}()

	cmd.Stdin = orNull(s.spec.Stdin, null)
	cmd.Stdout = orNull(s.spec.Stdout, null)
	cmd.Stderr = orNull(s.spec.Stderr, null)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stage %s: starting %q: %w", s.spec.Role, s.spec.Command, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stopping = false
	s.waitDone = done
	s.status.Running = true
	s.status.PID = cmd.Process.Pid
	s.status.StartedAt = time.Now()
	s.status.StoppedAt = time.Time{}
	s.status.ExitErr = nil
	s.mu.Unlock()

	closeNull = false
	go func() {
		err := cmd.Wait()
		null.Close()
		s.mu.Lock()
		s.status.Running = false
		s.status.StoppedAt = time.Now()
		s.status.ExitErr = err
		s.mu.Unlock()
		close(done)
	}()

	if d := s.spec.StartupGrace; d > 0 {
		if err := s.enforceStartDuration(d, done); err != nil {
			return nil, err
		}
	}
	return done, nil
}

func orNull(f *os.File, null *os.File) *os.File {
	if f != nil {
		return f
	}
	return null
}

// enforceStartDuration fails if the process exits within the grace window.
func (s *Stage) enforceStartDuration(d time.Duration, done <-chan struct{}) error {
	select {
	case <-done:
		return fmt.Errorf("stage %s: exited within %s of start: %w", s.spec.Role, d, s.exitError())
	case <-time.After(d):
		return nil
	}
}

func (s *Stage) exitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.ExitErr != nil {
		return s.status.ExitErr
	}
	return fmt.Errorf("exited early")
}

// Alive probes process liveness. A zombie counts as dead even though its
// pid still accepts signal 0.
func (s *Stage) Alive() bool {
	s.mu.Lock()
	cmd := s.cmd
	running := s.status.Running
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return false
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop terminates the process group, escalating to SIGKILL after grace.
// It is idempotent and safe to call for a stage that never started.
func (s *Stage) Stop(grace time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.waitDone
	s.stopping = true
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			// leave the waiter to reap it
		}
	}
	return nil
}

// StopRequested reports whether the last exit was asked for, so the
// supervisor can tell a crash from an ordered stop.
func (s *Stage) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Snapshot returns a copy of the stage status.
func (s *Stage) Snapshot() StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
