package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/rdswatch/internal/metrics"
)

// State is the supervisor's lifecycle phase.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateRecovering State = "recovering"
	StateFailed     State = "failed"
)

// Config describes the capture chain and its recovery policy.
type Config struct {
	// Stage command lines. The tuner's stdout feeds the decoder's stdin;
	// the decoder echoes audio on stdout into the recorder's stdin and
	// emits status lines on stderr.
	TunerCommand    string
	DecoderCommand  string
	RecorderCommand string

	// RuntimeDir holds the named pipes the consumer loops read from.
	RuntimeDir string
	// LogDir, when set, captures tuner and recorder stderr into
	// per-role append files there. The decoder's stderr is the status
	// stream and is never captured.
	LogDir string

	// StartupGrace is how long each stage must stay up after start.
	StartupGrace time.Duration
	// StopGrace is the SIGTERM-to-SIGKILL escalation window.
	StopGrace time.Duration
	// HealthInterval is the liveness poll period.
	HealthInterval time.Duration
	// RestartBackoff is the pause before a recovery attempt.
	RestartBackoff time.Duration
	// MaxRestarts bounds consecutive failed recovery cycles; exceeding
	// it puts the supervisor into the failed state. Zero means retry
	// forever.
	MaxRestarts int
	// ResetAfter is how many consecutive failures trigger the hardware
	// reset command before the next attempt.
	ResetAfter int
	// ResetCommand power-cycles the receiver, e.g. a usbreset
	// invocation. Empty disables hardware resets.
	ResetCommand string
	// ResetTimeout bounds one reset invocation.
	ResetTimeout time.Duration

	Probe ProbeConfig
}

func DefaultConfig(runtimeDir string) Config {
	return Config{
		RuntimeDir:     runtimeDir,
		StartupGrace:   2 * time.Second,
		StopGrace:      5 * time.Second,
		HealthInterval: time.Second,
		RestartBackoff: 3 * time.Second,
		MaxRestarts:    10,
		ResetAfter:     3,
		ResetTimeout:   15 * time.Second,
		Probe:          DefaultProbeConfig(),
	}
}

// Status is a point-in-time view of the whole chain.
type Status struct {
	State          State         `json:"state"`
	Restarts       uint64        `json:"restarts"`
	HardwareResets uint64        `json:"hardware_resets"`
	Stages         []StageStatus `json:"stages"`
}

// ErrHardwareFailed is returned when recovery attempts are exhausted.
var ErrHardwareFailed = errors.New("pipeline failed: hardware not recoverable")

// Supervisor owns the three-stage capture chain. It starts the stages in
// producer order, watches their liveness, and on any death tears the
// whole chain down and rebuilds it, resetting the receiver hardware when
// failures persist. Status lines and audio reach the rest of the program
// through the two callbacks.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	onStatus func(line string)
	onAudio  func(chunk []byte)

	mu       sync.Mutex
	state    State
	restarts uint64
	resets   uint64
	stages   []*Stage
}

func NewSupervisor(cfg Config, logger *slog.Logger, onStatus func(string), onAudio func([]byte)) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if onStatus == nil {
		onStatus = func(string) {}
	}
	if onAudio == nil {
		onAudio = func([]byte) {}
	}
	return &Supervisor{cfg: cfg, logger: logger, onStatus: onStatus, onAudio: onAudio, state: StateStopped}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	for _, other := range []State{StateStopped, StateRunning, StateRecovering, StateFailed} {
		metrics.SetPipelineState(string(other), other == st)
	}
}

// Snapshot returns the current chain status.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Restarts: s.restarts, HardwareResets: s.resets}
	for _, stage := range s.stages {
		st.Stages = append(st.Stages, stage.Snapshot())
	}
	return st
}

// Run blocks until the context is canceled or the hardware is declared
// unrecoverable. An ordered shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0o750); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	s.killStale()
	defer s.setState(StateStopped)

	if err := Probe(ctx, s.cfg.Probe, s.logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrHardwareFailed, err)
	}

	consecutive := 0
	for {
		run, err := s.startChain()
		if err == nil {
			s.setState(StateRunning)
			consecutive = 0
			err = s.watch(ctx, run)
			s.stopChain(run)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("capture chain died", "error", err)
		} else {
			if run != nil {
				s.stopChain(run)
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("starting capture chain", "error", err)
		}

		consecutive++
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		if s.cfg.MaxRestarts > 0 && consecutive > s.cfg.MaxRestarts {
			s.setState(StateFailed)
			return fmt.Errorf("%w after %d attempts", ErrHardwareFailed, consecutive-1)
		}

		s.setState(StateRecovering)
		if s.cfg.ResetAfter > 0 && consecutive%s.cfg.ResetAfter == 0 {
			s.resetHardware(ctx)
			if err := Probe(ctx, s.cfg.Probe, s.logger); err != nil && ctx.Err() == nil {
				s.logger.Error("hardware probe after reset", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartBackoff):
		}
	}
}

// chainRun holds everything belonging to one pipeline incarnation.
type chainRun struct {
	stages    []*Stage
	dones     []<-chan struct{}
	parentFDs []*os.File
	fifos     []*fifo
	readers   sync.WaitGroup
}

func (s *Supervisor) startChain() (*chainRun, error) {
	run := &chainRun{}

	statusFifo, err := newFifo(filepath.Join(s.cfg.RuntimeDir, "status.fifo"))
	if err != nil {
		return run, err
	}
	run.fifos = append(run.fifos, statusFifo)
	audioFifo, err := newFifo(filepath.Join(s.cfg.RuntimeDir, "audio.fifo"))
	if err != nil {
		return run, err
	}
	run.fifos = append(run.fifos, audioFifo)

	// tuner stdout -> decoder stdin
	tunerR, tunerW, err := os.Pipe()
	if err != nil {
		return run, fmt.Errorf("creating tuner pipe: %w", err)
	}
	run.parentFDs = append(run.parentFDs, tunerR, tunerW)
	// decoder stdout (echoed audio) -> recorder stdin
	audioR, audioW, err := os.Pipe()
	if err != nil {
		return run, fmt.Errorf("creating audio pipe: %w", err)
	}
	run.parentFDs = append(run.parentFDs, audioR, audioW)

	statusReader, err := statusFifo.OpenReader()
	if err != nil {
		return run, err
	}
	audioReader, err := audioFifo.OpenReader()
	if err != nil {
		statusReader.Close()
		return run, err
	}

	run.readers.Add(2)
	go s.statusLoop(&run.readers, statusReader)
	go s.audioLoop(&run.readers, audioReader)

	tunerErr := s.stderrFile(run, RoleTuner)
	recorderErr := s.stderrFile(run, RoleRecorder)
	specs := []StageSpec{
		{Role: RoleTuner, Command: s.cfg.TunerCommand, Stdout: tunerW, Stderr: tunerErr,
			StartupGrace: s.cfg.StartupGrace},
		{Role: RoleDecoder, Command: s.cfg.DecoderCommand, Stdin: tunerR, Stdout: audioW,
			Stderr: statusFifo.WriteEnd(), StartupGrace: s.cfg.StartupGrace},
		{Role: RoleRecorder, Command: s.cfg.RecorderCommand, Stdin: audioR,
			Stdout: audioFifo.WriteEnd(), Stderr: recorderErr, StartupGrace: s.cfg.StartupGrace},
	}
	for _, spec := range specs {
		stage := NewStage(spec)
		done, err := stage.Start()
		if err != nil {
			return run, err
		}
		pid := stage.Snapshot().PID
		s.logger.Info("stage started", "role", spec.Role, "pid", pid)
		s.writePidFile(spec.Role, pid)
		run.stages = append(run.stages, stage)
		run.dones = append(run.dones, done)
	}

	// The children hold their own duplicates now; keeping these open in
	// the parent would prevent EOF from propagating through the chain.
	for _, fd := range run.parentFDs {
		fd.Close()
	}
	run.parentFDs = nil

	s.mu.Lock()
	s.stages = run.stages
	s.mu.Unlock()
	return run, nil
}

func (s *Supervisor) pidFile(role Role) string {
	return filepath.Join(s.cfg.RuntimeDir, string(role)+".pid")
}

func (s *Supervisor) writePidFile(role Role, pid int) {
	if err := os.WriteFile(s.pidFile(role), []byte(strconv.Itoa(pid)), 0o640); err != nil {
		s.logger.Warn("writing pid file", "role", role, "error", err)
	}
}

// killStale removes leftovers of a previous run that did not shut down
// cleanly: stage processes recorded in pid files that are still alive
// get their process group killed so they cannot hold the receiver open.
func (s *Supervisor) killStale() {
	for _, role := range []Role{RoleTuner, RoleDecoder, RoleRecorder} {
		path := s.pidFile(role)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err == nil && pid > 1 && syscall.Kill(pid, 0) == nil {
			s.logger.Warn("killing stale stage process", "role", role, "pid", pid)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		_ = os.Remove(path)
	}
}

// stderrFile opens the append-mode stderr capture for a stage. The
// returned file rides in parentFDs so it is closed with the other
// parent-side descriptors once the child holds its duplicate. Retention
// of the capture files falls to the cleanup sweeper.
func (s *Supervisor) stderrFile(run *chainRun, role Role) *os.File {
	if s.cfg.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o750); err != nil {
		s.logger.Warn("creating stage log dir", "error", err)
		return nil
	}
	path := filepath.Join(s.cfg.LogDir, string(role)+".stderr.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		s.logger.Warn("opening stage stderr log", "role", role, "error", err)
		return nil
	}
	run.parentFDs = append(run.parentFDs, f)
	return f
}

// watch blocks until the context ends or any stage exits.
func (s *Supervisor) watch(ctx context.Context, run *chainRun) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, f := range run.fifos {
				if _, err := os.Stat(f.path); err != nil {
					return fmt.Errorf("fifo %s gone: %w", f.path, err)
				}
			}
			for i, stage := range run.stages {
				if stage.Alive() {
					continue
				}
				select {
				case <-run.dones[i]:
				case <-time.After(time.Second):
				}
				st := stage.Snapshot()
				metrics.IncStageRestart(string(stage.Role()))
				return fmt.Errorf("stage %s exited: %v", stage.Role(), st.ExitErr)
			}
		}
	}
}

// stopChain tears one incarnation down: consumers of a stage stop before
// its producer so no stage ever blocks writing into a vanished reader,
// then the pipes close and the consumer loops drain out.
func (s *Supervisor) stopChain(run *chainRun) {
	for i := len(run.stages) - 1; i >= 0; i-- {
		stage := run.stages[i]
		if err := stage.Stop(s.cfg.StopGrace); err != nil {
			s.logger.Warn("stopping stage", "role", stage.Role(), "error", err)
		}
		_ = os.Remove(s.pidFile(stage.Role()))
	}
	for _, fd := range run.parentFDs {
		fd.Close()
	}
	run.parentFDs = nil
	for _, f := range run.fifos {
		f.Close()
	}
	run.fifos = nil
	run.readers.Wait()
}

func (s *Supervisor) resetHardware(ctx context.Context) {
	if s.cfg.ResetCommand == "" {
		return
	}
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	metrics.IncHardwareReset()
	s.logger.Warn("resetting receiver hardware", "command", s.cfg.ResetCommand)

	rctx := ctx
	var cancel context.CancelFunc
	if s.cfg.ResetTimeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, s.cfg.ResetTimeout)
		defer cancel()
	}
	out, err := runProbeCmd(rctx, buildCommand(s.cfg.ResetCommand))
	if err != nil {
		s.logger.Error("hardware reset failed", "error", err, "output", truncate(out, 200))
	}
}

func (s *Supervisor) statusLoop(wg *sync.WaitGroup, r *os.File) {
	defer wg.Done()
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.onStatus(sc.Text())
	}
}

func (s *Supervisor) audioLoop(wg *sync.WaitGroup, r *os.File) {
	defer wg.Done()
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onAudio(chunk)
		}
		if err != nil {
			return
		}
	}
}
