// Package config loads the rdswatch TOML configuration.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/rdswatch/internal/cleanup"
	"github.com/loykin/rdswatch/internal/encoder"
	"github.com/loykin/rdswatch/internal/event"
	"github.com/loykin/rdswatch/internal/logger"
	"github.com/loykin/rdswatch/internal/pipeline"
	"github.com/loykin/rdswatch/internal/recorder"
)

// Radio describes the station being monitored and the receiver settings
// the default stage commands are built from.
type Radio struct {
	FrequencyMHz float64 `toml:"frequency_mhz" mapstructure:"frequency_mhz"`
	SampleRate   string  `toml:"sample_rate" mapstructure:"sample_rate"` // tuner rate, e.g. "171k"
	Gain         int     `toml:"gain" mapstructure:"gain"`
	// PPM is the frequency-correction offset passed to the tuner.
	PPM         int `toml:"ppm" mapstructure:"ppm"`
	DeviceIndex int `toml:"device_index" mapstructure:"device_index"`
}

// Pipeline overrides the external stage commands and recovery policy.
// Empty commands are derived from the radio settings.
type Pipeline struct {
	TunerCommand    string        `toml:"tuner_command" mapstructure:"tuner_command"`
	DecoderCommand  string        `toml:"decoder_command" mapstructure:"decoder_command"`
	RecorderCommand string        `toml:"recorder_command" mapstructure:"recorder_command"`
	RuntimeDir      string        `toml:"runtime_dir" mapstructure:"runtime_dir"`
	StartupGrace    time.Duration `toml:"startup_grace" mapstructure:"startup_grace"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	HealthInterval  time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	RestartBackoff  time.Duration `toml:"restart_backoff" mapstructure:"restart_backoff"`
	MaxRestarts     int           `toml:"max_restarts" mapstructure:"max_restarts"`
	ResetAfter      int           `toml:"reset_after" mapstructure:"reset_after"`
	ResetCommand    string        `toml:"reset_command" mapstructure:"reset_command"`
	ProbeCommand    string        `toml:"probe_command" mapstructure:"probe_command"`
	ProbeAttempts   int           `toml:"probe_attempts" mapstructure:"probe_attempts"`
}

// Detect tunes the announcement state machine.
type Detect struct {
	AlertTestPTY int           `toml:"alert_test_pty" mapstructure:"alert_test_pty"`
	AlertRealPTY int           `toml:"alert_real_pty" mapstructure:"alert_real_pty"`
	Debounce     time.Duration `toml:"debounce" mapstructure:"debounce"`
	MinTraffic   time.Duration `toml:"min_traffic" mapstructure:"min_traffic"`
	MinAlert     time.Duration `toml:"min_alert" mapstructure:"min_alert"`
	MaxDuration  time.Duration `toml:"max_duration" mapstructure:"max_duration"`
	MaxStatusGap time.Duration `toml:"max_status_gap" mapstructure:"max_status_gap"`
}

// Record controls the audio output.
type Record struct {
	Dir        string        `toml:"dir" mapstructure:"dir"`
	Format     string        `toml:"format" mapstructure:"format"` // wav|flac
	SampleRate int           `toml:"sample_rate" mapstructure:"sample_rate"`
	PreTrigger time.Duration `toml:"pre_trigger" mapstructure:"pre_trigger"`
	// MinDuration is the recording session's own duration floor,
	// separate from the announcement filters.
	MinDuration time.Duration `toml:"min_duration" mapstructure:"min_duration"`
}

// Sinks lists event destinations.
type Sinks struct {
	DSNs        []string      `toml:"dsns" mapstructure:"dsns"`
	HookCommand string        `toml:"hook_command" mapstructure:"hook_command"`
	HookTimeout time.Duration `toml:"hook_timeout" mapstructure:"hook_timeout"`
}

// Server exposes status and metrics over HTTP.
type Server struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Retention bounds disk usage of recordings and logs.
type Retention struct {
	Enabled          bool          `toml:"enabled" mapstructure:"enabled"`
	Interval         time.Duration `toml:"interval" mapstructure:"interval"`
	AudioMaxAge      time.Duration `toml:"audio_max_age" mapstructure:"audio_max_age"`
	LogMaxAge        time.Duration `toml:"log_max_age" mapstructure:"log_max_age"`
	EmergencyDiskPct float64       `toml:"emergency_disk_pct" mapstructure:"emergency_disk_pct"`
	EmergencyDivisor int           `toml:"emergency_divisor" mapstructure:"emergency_divisor"`
}

// Config is the top-level TOML structure.
type Config struct {
	DataDir   string        `toml:"data_dir" mapstructure:"data_dir"`
	Radio     Radio         `toml:"radio" mapstructure:"radio"`
	Pipeline  Pipeline      `toml:"pipeline" mapstructure:"pipeline"`
	Detect    Detect        `toml:"detect" mapstructure:"detect"`
	Record    Record        `toml:"record" mapstructure:"record"`
	Sinks     Sinks         `toml:"sinks" mapstructure:"sinks"`
	Server    Server        `toml:"server" mapstructure:"server"`
	Log       logger.Config `toml:"log" mapstructure:"log"`
	Retention Retention     `toml:"retention" mapstructure:"retention"`
}

func Default() Config {
	return Config{
		DataDir: "/var/lib/rdswatch",
		Radio: Radio{
			FrequencyMHz: 103.3,
			SampleRate:   "171k",
			Gain:         40,
		},
		Pipeline: Pipeline{
			StartupGrace:   2 * time.Second,
			StopGrace:      5 * time.Second,
			HealthInterval: time.Second,
			RestartBackoff: 3 * time.Second,
			MaxRestarts:    10,
			ResetAfter:     3,
			ProbeAttempts:  3,
		},
		Detect: Detect{
			AlertTestPTY: 30,
			AlertRealPTY: 31,
			Debounce:     2 * time.Second,
			MinTraffic:   15 * time.Second,
			MinAlert:     10 * time.Second,
			MaxDuration:  10 * time.Minute,
			MaxStatusGap: 30 * time.Second,
		},
		Record: Record{
			Format:      "wav",
			SampleRate:  48000,
			PreTrigger:  2 * time.Second,
			MinDuration: 5 * time.Second,
		},
		Sinks: Sinks{
			HookTimeout: 60 * time.Second,
		},
		Server: Server{
			Enabled: true,
			Listen:  ":9310",
		},
		Retention: Retention{
			Enabled:          true,
			Interval:         time.Hour,
			AudioMaxAge:      7 * 24 * time.Hour,
			LogMaxAge:        3 * 24 * time.Hour,
			EmergencyDiskPct: 85,
			EmergencyDivisor: 2,
		},
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Finalize fills derived paths and stage commands, then validates.
// Only empty fields are derived, so it is safe to call on a config
// that was already finalized or partially hand-built.
func (c *Config) Finalize() error {
	c.applyDerived()
	return c.Validate()
}

// applyDerived fills paths and stage commands left empty in the file.
func (c *Config) applyDerived() {
	if c.Record.Dir == "" {
		c.Record.Dir = filepath.Join(c.DataDir, "audio")
	}
	if c.Pipeline.RuntimeDir == "" {
		c.Pipeline.RuntimeDir = filepath.Join(c.DataDir, "run")
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.DataDir, "log")
	}
	if c.Pipeline.TunerCommand == "" {
		c.Pipeline.TunerCommand = fmt.Sprintf("rtl_fm -d %d -f %.1fM -M fm -s %s -g %d",
			c.Radio.DeviceIndex, c.Radio.FrequencyMHz, c.Radio.SampleRate, c.Radio.Gain)
		if c.Radio.PPM != 0 {
			c.Pipeline.TunerCommand += fmt.Sprintf(" -p %d", c.Radio.PPM)
		}
		c.Pipeline.TunerCommand += " -"
	}
	if c.Pipeline.DecoderCommand == "" {
		c.Pipeline.DecoderCommand = fmt.Sprintf("redsea -e -r %s", c.Radio.SampleRate)
	}
	if c.Pipeline.RecorderCommand == "" {
		c.Pipeline.RecorderCommand = fmt.Sprintf(
			"sox -t raw -r %s -e signed -b 16 -c 1 - -t raw -r %d -e signed -b 16 -c 1 -",
			c.Radio.SampleRate, c.Record.SampleRate)
	}
	if c.Pipeline.ProbeCommand == "" {
		c.Pipeline.ProbeCommand = fmt.Sprintf("rtl_test -d %d -t", c.Radio.DeviceIndex)
	}
}

func (c *Config) Validate() error {
	if c.Radio.FrequencyMHz < 65 || c.Radio.FrequencyMHz > 108 {
		return fmt.Errorf("radio frequency %.1f MHz outside the FM band", c.Radio.FrequencyMHz)
	}
	format := encoder.Format(strings.ToLower(c.Record.Format))
	if !format.Valid() {
		return fmt.Errorf("record format %q, want wav or flac", c.Record.Format)
	}
	if c.Detect.Debounce < 0 || c.Detect.MinTraffic < 0 || c.Detect.MinAlert < 0 {
		return fmt.Errorf("detect durations must not be negative")
	}
	if c.Detect.MaxDuration > 0 && c.Detect.MaxDuration < c.Detect.MinTraffic {
		return fmt.Errorf("detect max_duration %s below min_traffic %s", c.Detect.MaxDuration, c.Detect.MinTraffic)
	}
	if c.Retention.EmergencyDiskPct < 0 || c.Retention.EmergencyDiskPct > 100 {
		return fmt.Errorf("retention emergency_disk_pct %.1f outside 0-100", c.Retention.EmergencyDiskPct)
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server enabled without a listen address")
	}
	return nil
}

// DetectorConfig maps the detect section onto the state machine config.
func (c *Config) DetectorConfig() event.Config {
	return event.Config{
		AlertTestPTY: c.Detect.AlertTestPTY,
		AlertRealPTY: c.Detect.AlertRealPTY,
		Debounce:     c.Detect.Debounce,
		MinTraffic:   c.Detect.MinTraffic,
		MinAlert:     c.Detect.MinAlert,
		MaxDuration:  c.Detect.MaxDuration,
		MaxStatusGap: c.Detect.MaxStatusGap,
	}
}

// RecorderConfig maps the record section onto the recorder.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		Dir:    c.Record.Dir,
		Format: encoder.Format(strings.ToLower(c.Record.Format)),
		Params: encoder.Params{
			SampleRate:    c.Record.SampleRate,
			Channels:      1,
			BitsPerSample: 16,
		},
		PreTrigger:  c.Record.PreTrigger,
		MinDuration: c.Record.MinDuration,
	}
}

// PipelineConfig maps the pipeline section onto the supervisor.
func (c *Config) PipelineConfig() pipeline.Config {
	probe := pipeline.DefaultProbeConfig()
	probe.Command = c.Pipeline.ProbeCommand
	if c.Pipeline.ProbeAttempts > 0 {
		probe.Attempts = c.Pipeline.ProbeAttempts
	}
	return pipeline.Config{
		TunerCommand:    c.Pipeline.TunerCommand,
		DecoderCommand:  c.Pipeline.DecoderCommand,
		RecorderCommand: c.Pipeline.RecorderCommand,
		RuntimeDir:      c.Pipeline.RuntimeDir,
		LogDir:          c.Log.Dir,
		StartupGrace:    c.Pipeline.StartupGrace,
		StopGrace:       c.Pipeline.StopGrace,
		HealthInterval:  c.Pipeline.HealthInterval,
		RestartBackoff:  c.Pipeline.RestartBackoff,
		MaxRestarts:     c.Pipeline.MaxRestarts,
		ResetAfter:      c.Pipeline.ResetAfter,
		ResetCommand:    c.Pipeline.ResetCommand,
		ResetTimeout:    15 * time.Second,
		Probe:           probe,
	}
}

// CleanupConfig maps the retention section onto the sweeper.
func (c *Config) CleanupConfig() cleanup.Config {
	return cleanup.Config{
		AudioDir:         c.Record.Dir,
		LogDir:           c.Log.Dir,
		AudioMaxAge:      c.Retention.AudioMaxAge,
		LogMaxAge:        c.Retention.LogMaxAge,
		EmergencyDiskPct: c.Retention.EmergencyDiskPct,
		EmergencyDivisor: c.Retention.EmergencyDivisor,
	}
}
