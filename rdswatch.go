// Package rdswatch wires the capture pipeline, the announcement
// detector, the recorder and the event sinks into one runnable
// application.
package rdswatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/rdswatch/internal/cleanup"
	"github.com/loykin/rdswatch/internal/config"
	"github.com/loykin/rdswatch/internal/event"
	"github.com/loykin/rdswatch/internal/metrics"
	"github.com/loykin/rdswatch/internal/pipeline"
	"github.com/loykin/rdswatch/internal/rds"
	"github.com/loykin/rdswatch/internal/recorder"
	"github.com/loykin/rdswatch/internal/server"
	"github.com/loykin/rdswatch/internal/sink"
)

// Re-export the types embedders interact with.

type Config = config.Config

type Signal = event.Signal

type EventRecord = sink.Record

// LoadConfig reads the TOML file at path over the built-in defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults. Paths and stage
// commands derived from DataDir are filled in by New, so callers can
// adjust DataDir or the radio section first.
func DefaultConfig() Config {
	return config.Default()
}

// App owns every long-lived component of the watcher. Construct with
// New and drive with Run; Run blocks until the context is cancelled or
// the receiver hardware is declared unrecoverable.
type App struct {
	cfg    Config
	logger *slog.Logger

	parser   *rds.Parser
	detector *event.Detector
	rec      *recorder.Coordinator
	fanout   *sink.Fanout
	sup      *pipeline.Supervisor
	sweeper  *cleanup.Sweeper

	statusLog io.WriteCloser
	eventLog  *rds.EventLog
	signals   chan event.Signal

	mu     sync.Mutex
	lastPI string
	lastPS string
}

// New builds the application. Derived paths and stage commands are
// filled in from DataDir and the radio section when left empty, so a
// hand-built config only needs the fields it wants to override.
func New(cfg Config) (*App, error) {
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	logger := cfg.Log.NewSlogger()
	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		parser:    rds.NewParser(),
		statusLog: cfg.Log.StatusWriter(),
		signals:   make(chan event.Signal, 64),
	}
	if cfg.Log.Dir != "" {
		a.eventLog = rds.NewEventLog(filepath.Join(cfg.Log.Dir, "events"))
	}
	a.detector = event.New(cfg.DetectorConfig(), logger, func(sig event.Signal) {
		a.signals <- sig
	})

	rec, err := recorder.New(cfg.RecorderConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	a.rec = rec

	sinks, err := buildSinks(cfg.Sinks)
	if err != nil {
		return nil, err
	}
	a.fanout = sink.NewFanout(sinks, logger)

	a.sup = pipeline.NewSupervisor(cfg.PipelineConfig(), logger, a.handleStatus, a.handleAudio)
	if cfg.Retention.Enabled {
		a.sweeper = cleanup.New(cfg.CleanupConfig(), logger)
	}
	return a, nil
}

func buildSinks(cfg config.Sinks) ([]sink.Sink, error) {
	var sinks []sink.Sink
	for _, dsn := range cfg.DSNs {
		s, err := sink.NewFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	if cfg.HookCommand != "" {
		sinks = append(sinks, sink.NewHookSink(cfg.HookCommand, cfg.HookTimeout))
	}
	return sinks, nil
}

// Logger exposes the application logger for embedders.
func (a *App) Logger() *slog.Logger { return a.logger }

// Run starts every component and blocks until ctx is cancelled. The
// only error it returns on its own is pipeline.ErrHardwareFailed, when
// restart and reset attempts are exhausted.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting",
		"frequency_mhz", a.cfg.Radio.FrequencyMHz,
		"audio_dir", a.cfg.Record.Dir,
		"format", a.cfg.Record.Format,
		"sinks", len(a.cfg.Sinks.DSNs))

	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = server.NewServer(a.cfg.Server.Listen, a)
		a.logger.Info("http server listening", "addr", a.cfg.Server.Listen)
	}

	g.Go(func() error { return a.sup.Run(ctx) })
	g.Go(func() error { return a.dispatch(ctx) })
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				a.detector.Tick(now)
			}
		}
	})
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(ctx.Done(), a.cfg.Retention.Interval)
			return nil
		})
	}

	err := g.Wait()

	if srv != nil {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sdCtx)
		cancel()
	}
	if cerr := a.rec.Close(); cerr != nil {
		a.logger.Warn("closing recorder", "error", cerr)
	}
	_ = a.fanout.Close()
	if a.eventLog != nil {
		a.eventLog.Close()
	}
	if a.statusLog != nil {
		_ = a.statusLog.Close()
	}
	a.logger.Info("stopped")
	return err
}

// dispatch consumes detector signals and turns them into recorder
// sessions and sink deliveries. On shutdown it flushes the detector so
// an in-flight announcement is closed out before the recorder closes.
func (a *App) dispatch(ctx context.Context) error {
	for {
		select {
		case sig := <-a.signals:
			a.handleSignal(ctx, sig)
		case <-ctx.Done():
			a.detector.Flush()
			// Sinks still get the flushed events; the run context is
			// already cancelled so give them their own deadline.
			drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			for {
				select {
				case sig := <-a.signals:
					a.handleSignal(drainCtx, sig)
					continue
				default:
				}
				break
			}
			cancel()
			return nil
		}
	}
}

func (a *App) handleSignal(ctx context.Context, sig event.Signal) {
	switch sig.Type {
	case event.SignalStart:
		if err := a.rec.Start(string(sig.Kind), sig.Time); err != nil {
			a.logger.Error("starting recording", "kind", sig.Kind, "error", err)
		}
		if a.eventLog != nil {
			if err := a.eventLog.Begin(string(sig.Kind), sig.Time); err != nil {
				a.logger.Warn("opening event detail log", "error", err)
			}
		}
		// The feed carries the start too, so a downstream consumer can
		// show an announcement while it is still in progress.
		a.fanout.Send(ctx, a.startRecord(sig))
	case event.SignalEnd:
		discard := sig.Discarded || sig.Event == nil
		art, err := a.rec.Stop(sig.Time, discard)
		if err != nil {
			a.logger.Error("stopping recording", "kind", sig.Kind, "error", err)
		}
		if a.eventLog != nil {
			a.eventLog.End(sig.Time, discard)
		}
		a.fanout.Send(ctx, a.endRecord(sig, art))
	}
}

func (a *App) startRecord(sig event.Signal) sink.Record {
	pi, ps := a.station()
	return sink.Record{
		Type:      sink.RecordStart,
		Kind:      string(sig.Kind),
		StartTime: sig.Time,
		PI:        pi,
		PS:        ps,
	}
}

// endRecord closes the feed entry opened by the matching start. A
// filtered announcement still gets its end, marked discarded, so the
// feed never leaves a start dangling.
func (a *App) endRecord(sig event.Signal, art *recorder.Artifact) sink.Record {
	pi, ps := a.station()
	r := sink.Record{
		Type:    sink.RecordEnd,
		Kind:    string(sig.Kind),
		EndTime: sig.Time,
		PI:      pi,
		PS:      ps,
	}
	if sig.Event == nil {
		r.Discarded = true
		return r
	}
	ev := sig.Event
	r.StartTime = ev.StartTime
	r.Duration = ev.Duration
	r.Radiotext = ev.Radiotext
	if art != nil {
		r.AudioPath = art.Path
		r.AudioBytes = art.Bytes
	}
	return r
}

func (a *App) station() (pi, ps string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPI, a.lastPS
}

// handleStatus runs on the supervisor's status-consumer goroutine for
// every line the decoder emits.
func (a *App) handleStatus(line string) {
	rec, ok := a.parser.ParseLine(line)
	if !ok {
		return
	}
	a.mu.Lock()
	if rec.PI != "" {
		a.lastPI = rec.PI
	}
	if rec.PS != "" {
		a.lastPS = rec.PS
	}
	a.mu.Unlock()
	if a.statusLog != nil {
		if b, err := json.Marshal(rec); err == nil {
			_, _ = a.statusLog.Write(append(b, '\n'))
		}
	}
	if a.eventLog != nil {
		a.eventLog.Record(rec)
	}
	if a.logger.Enabled(context.Background(), slog.LevelDebug) {
		a.logger.Debug("status", "summary", rds.Summary(rec))
	}
	a.detector.Process(rec)
}

// handleAudio runs on the supervisor's audio-consumer goroutine.
func (a *App) handleAudio(chunk []byte) {
	if err := a.rec.Write(chunk); err != nil {
		a.logger.Warn("writing audio", "error", err)
	}
}

// StatusProvider implementation for the HTTP server.

func (a *App) PipelineStatus() pipeline.Status  { return a.sup.Snapshot() }
func (a *App) DetectorStats() event.Stats       { return a.detector.Snapshot() }
func (a *App) ParserStats() rds.Stats           { return a.parser.Stats() }
func (a *App) RecorderStats() recorder.Stats    { return a.rec.Snapshot() }
func (a *App) RecentEvents(n int) []sink.Record { return a.fanout.Recent(n) }

// Probe runs the hardware readiness check once, outside of Run. Used
// by the probe subcommand.
func (a *App) Probe(ctx context.Context) error {
	return pipeline.Probe(ctx, a.cfg.PipelineConfig().Probe, a.logger)
}

// SweepOnce runs one retention sweep regardless of the retention
// schedule. Used by the cleanup subcommand.
func (a *App) SweepOnce() (cleanup.Summary, error) {
	sw := a.sweeper
	if sw == nil {
		sw = cleanup.New(a.cfg.CleanupConfig(), a.logger)
	}
	return sw.Sweep()
}
