package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full on-disk configuration. The relay binary reads the
// server and tracing sections; the workstation agent reads agent (and
// tracing). One file can drive both processes.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Agent   AgentConfig   `koanf:"agent"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds the relay's listen, room, and broadcast settings.
type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	Room        string   `koanf:"room"`
	CorsOrigins []string `koanf:"cors_origins"`
	LogLevel    string   `koanf:"log_level"`

	// HealthCheckInterval is the client-count heartbeat cadence in seconds.
	HealthCheckInterval float64 `koanf:"health_check_interval"`

	// OCRTimeout is the per-request deadline in seconds after which the
	// relay synthesizes a failed completion. Zero disables the deadline.
	OCRTimeout float64 `koanf:"ocr_timeout"`

	// ServiceType is the mDNS service type the relay advertises under.
	ServiceType string `koanf:"service_type"`

	// RateLimitWsIP is the per-IP connect budget for the upgrade endpoint,
	// in ulule's "<count>-<period>" format.
	RateLimitWsIP string `koanf:"rate_limit_ws_ip"`

	DevelopmentMode bool `koanf:"development_mode"`
}

// AgentConfig holds the capture/OCR worker settings.
type AgentConfig struct {
	// RelayURL is the WebSocket endpoint of the relay.
	RelayURL string `koanf:"relay_url"`

	// CaptureDir is where screenshot files are written and pruned.
	CaptureDir string `koanf:"capture_dir"`

	// TempDir is where the sentinel files live.
	TempDir string `koanf:"temp_dir"`

	// CleanupAge in seconds; captures older than this are deleted.
	CleanupAge float64 `koanf:"cleanup_age"`

	// FrequencyConfigPath is the JSON file re-read on the reload signal.
	FrequencyConfigPath string `koanf:"frequency_config"`

	// CaptureCommand / OCRCommand override the platform defaults for the
	// external capture and OCR binaries.
	CaptureCommand string `koanf:"capture_command"`
	OCRCommand     string `koanf:"ocr_command"`
}

// TracingConfig enables the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled       bool   `koanf:"enabled"`
	CollectorAddr string `koanf:"collector_addr"`
}

// Sentinel file names inside AgentConfig.TempDir. Presence of the pause
// file means the worker is paused; presence of the reload file means the
// frequency config is re-read and the file removed.
const (
	PauseSentinel  = "signal_pause_capture"
	ReloadSentinel = "reload_frequency"
)

// envPrefix maps T3T_SERVER__PORT to server.port, mirroring the config
// file structure.
const envPrefix = "T3T_"

// Load reads the JSON config file at path (optional), overlays T3T_*
// environment variables, and validates the result. A missing path yields
// a fully defaulted configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration: a relay on 0.0.0.0:5348
// with room "t3t", and an agent pointed at loopback.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                5348,
			Room:                "t3t",
			CorsOrigins:         []string{"*"},
			LogLevel:            "info",
			HealthCheckInterval: 30,
			OCRTimeout:          30,
			ServiceType:         "_http._tcp.local.",
			RateLimitWsIP:       "100-M",
		},
		Agent: AgentConfig{
			RelayURL:            "ws://127.0.0.1:5348/ws",
			CaptureDir:          filepath.Join(os.TempDir(), "t3t_screenshots"),
			TempDir:             os.TempDir(),
			CleanupAge:          180,
			FrequencyConfigPath: filepath.Join(os.TempDir(), "t3t_frequency.json"),
		},
	}
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.Server.Host == "" {
		errs = append(errs, "server.host must not be empty")
	}
	if c.Server.Room == "" {
		errs = append(errs, "server.room must not be empty")
	}
	if c.Server.HealthCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("server.health_check_interval must be positive (got %g)", c.Server.HealthCheckInterval))
	}
	if c.Server.OCRTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.ocr_timeout must not be negative (got %g)", c.Server.OCRTimeout))
	}
	if !strings.HasPrefix(c.Server.ServiceType, "_") {
		errs = append(errs, fmt.Sprintf("server.service_type must look like '_http._tcp.local.' (got %q)", c.Server.ServiceType))
	}
	if c.Agent.RelayURL != "" && !strings.HasPrefix(c.Agent.RelayURL, "ws://") && !strings.HasPrefix(c.Agent.RelayURL, "wss://") {
		errs = append(errs, fmt.Sprintf("agent.relay_url must be a ws:// or wss:// URL (got %q)", c.Agent.RelayURL))
	}
	if c.Agent.CleanupAge <= 0 {
		errs = append(errs, fmt.Sprintf("agent.cleanup_age must be positive (got %g)", c.Agent.CleanupAge))
	}
	if c.Tracing.Enabled && c.Tracing.CollectorAddr == "" {
		errs = append(errs, "tracing.collector_addr is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// --- Capture frequency ---

// Frequency bounds in seconds. Values outside the range fall back to the
// default with a warning rather than snapping to the nearest edge, so a
// fat-fingered config never silently runs at an extreme cadence.
const (
	DefaultFrequency = 4.0
	MinFrequency     = 0.1
	MaxFrequency     = 60.0
)

type frequencyFile struct {
	Frequency float64 `json:"frequency"`
}

// ReadFrequency reads `{"frequency": <seconds>}` from path and returns the
// clamped cadence. The second return is true when the configured value was
// out of range and replaced with the default.
func ReadFrequency(path string) (float64, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultFrequency, false, fmt.Errorf("reading frequency config %s: %w", path, err)
	}

	var ff frequencyFile
	if err := json.Unmarshal(raw, &ff); err != nil {
		return DefaultFrequency, false, fmt.Errorf("parsing frequency config %s: %w", path, err)
	}

	clamped, fellBack := ClampFrequency(ff.Frequency)
	return clamped, fellBack, nil
}

// ClampFrequency validates a cadence in seconds. Out-of-range values fall
// back to DefaultFrequency; the second return reports the fallback.
func ClampFrequency(f float64) (float64, bool) {
	if f < MinFrequency || f > MaxFrequency {
		return DefaultFrequency, true
	}
	return f, false
}

// WriteFrequency persists a cadence to the frequency config file. Used by
// tooling and tests; the worker itself only reads.
func WriteFrequency(path string, frequency float64) error {
	raw, err := json.Marshal(frequencyFile{Frequency: frequency})
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
