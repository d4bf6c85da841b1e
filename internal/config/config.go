package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/agentbridge/internal/media"
)

// PageMode mirrors what a browser page would render from its query string.
type PageMode string

const (
	PageIdle PageMode = "idle"
	PageDemo PageMode = "demo"
	PageLive PageMode = "live"
)

// IdleInstructions is shown when neither test mode nor connection details are set.
const IdleInstructions = "set AGENT_SERVER_URL and AGENT_TOKEN (or --server-url/--token), " +
	"enable AGENT_TEST_MODE for the scripted demo, or POST /v1/session/connect with server_url and token"

type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	TestMode       bool          `yaml:"test_mode"`
	AutoConnect    bool          `yaml:"auto_connect"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AgentNameHints []string      `yaml:"agent_name_hints"`

	CaptureMode        string        `yaml:"capture_mode"`
	CaptureSource      string        `yaml:"capture_source"`
	CaptureNativeRate  int           `yaml:"capture_native_rate"`
	PipelineSampleRate int           `yaml:"pipeline_sample_rate"`
	FrameMS            int           `yaml:"frame_ms"`
	PlaybackOutput     string        `yaml:"playback_output"`
	RequireGesture     bool          `yaml:"require_gesture"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	MonitorFFTSize     int           `yaml:"monitor_fft_size"`
	MonitorSmoothing   float64       `yaml:"monitor_smoothing"`
	MonitorReference   float64       `yaml:"monitor_reference"`

	ICEServers   []string `yaml:"ice_servers"`
	DialAttempts int      `yaml:"dial_attempts"`

	DemoStep time.Duration `yaml:"demo_step"`
	DemoLoop bool          `yaml:"demo_loop"`

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string `yaml:"-"`
}

func defaults() Config {
	return Config{
		BindAddr:          "127.0.0.1:8080",
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  "agentbridge",
		LogLevel:          "info",
		LogFormat:         "json",
		AutoConnect:       true,
		ConnectTimeout:    20 * time.Second,
		CaptureMode:       "raw",
		CaptureSource:     "silence",
		CaptureNativeRate: media.DefaultNativeRate,
		FrameMS:           media.DefaultFrameMS,
		PlaybackOutput:    "discard",
		MonitorInterval:   media.DefaultMonitorInterval,
		MonitorFFTSize:    256,
		MonitorSmoothing:  0.8,
		MonitorReference:  media.DefaultMonitorReference,
		DialAttempts:      3,
		DemoStep:          600 * time.Millisecond,
		DemoLoop:          true,
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// named by AGENT_CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("AGENT_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	var err error
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	cfg.ServerURL = envOrDefault("AGENT_SERVER_URL", cfg.ServerURL)
	cfg.Token = envOrDefault("AGENT_TOKEN", cfg.Token)
	if cfg.TestMode, err = boolFromEnv("AGENT_TEST_MODE", cfg.TestMode); err != nil {
		return Config{}, err
	}
	if cfg.AutoConnect, err = boolFromEnv("AGENT_AUTO_CONNECT", cfg.AutoConnect); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	cfg.AgentNameHints = listFromEnv("AGENT_NAME_HINTS", cfg.AgentNameHints)

	cfg.CaptureMode = strings.ToLower(envOrDefault("AUDIO_CAPTURE_MODE", cfg.CaptureMode))
	cfg.CaptureSource = envOrDefault("AUDIO_CAPTURE_SOURCE", cfg.CaptureSource)
	if cfg.CaptureNativeRate, err = intFromEnv("AUDIO_CAPTURE_NATIVE_RATE", cfg.CaptureNativeRate); err != nil {
		return Config{}, err
	}
	if cfg.PipelineSampleRate, err = intFromEnv("AUDIO_PIPELINE_SAMPLE_RATE", cfg.PipelineSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.FrameMS, err = intFromEnv("AUDIO_FRAME_MS", cfg.FrameMS); err != nil {
		return Config{}, err
	}
	cfg.PlaybackOutput = envOrDefault("AUDIO_PLAYBACK_OUTPUT", cfg.PlaybackOutput)
	if cfg.RequireGesture, err = boolFromEnv("AUDIO_REQUIRE_GESTURE", cfg.RequireGesture); err != nil {
		return Config{}, err
	}
	if cfg.MonitorInterval, err = durationFromEnv("AUDIO_MONITOR_INTERVAL", cfg.MonitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.MonitorFFTSize, err = intFromEnv("AUDIO_MONITOR_FFT_SIZE", cfg.MonitorFFTSize); err != nil {
		return Config{}, err
	}
	if cfg.MonitorSmoothing, err = floatFromEnv("AUDIO_MONITOR_SMOOTHING", cfg.MonitorSmoothing); err != nil {
		return Config{}, err
	}
	if cfg.MonitorReference, err = floatFromEnv("AUDIO_MONITOR_REFERENCE", cfg.MonitorReference); err != nil {
		return Config{}, err
	}

	cfg.ICEServers = listFromEnv("RTC_ICE_SERVERS", cfg.ICEServers)
	if cfg.DialAttempts, err = intFromEnv("RTC_DIAL_ATTEMPTS", cfg.DialAttempts); err != nil {
		return Config{}, err
	}

	if cfg.DemoStep, err = durationFromEnv("DEMO_STEP", cfg.DemoStep); err != nil {
		return Config{}, err
	}
	if cfg.DemoLoop, err = boolFromEnv("DEMO_LOOP", cfg.DemoLoop); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that Load cannot express through parsing alone. The
// command line calls it again after applying flag overrides.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return errors.New("APP_BIND_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("APP_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("AGENT_CONNECT_TIMEOUT must be > 0")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	switch c.CaptureMode {
	case "raw", "processed":
	default:
		return fmt.Errorf("AUDIO_CAPTURE_MODE must be raw or processed, got %q", c.CaptureMode)
	}
	if c.FrameMS < 5 || c.FrameMS > 100 {
		return fmt.Errorf("AUDIO_FRAME_MS must be within [5,100], got %d", c.FrameMS)
	}
	if c.CaptureNativeRate < 8000 || c.CaptureNativeRate > 192000 {
		return fmt.Errorf("AUDIO_CAPTURE_NATIVE_RATE must be within [8000,192000], got %d", c.CaptureNativeRate)
	}
	if c.PipelineSampleRate != 0 && (c.PipelineSampleRate < 8000 || c.PipelineSampleRate > 96000) {
		return fmt.Errorf("AUDIO_PIPELINE_SAMPLE_RATE must be 0 or within [8000,96000], got %d", c.PipelineSampleRate)
	}
	if c.MonitorInterval < 10*time.Millisecond {
		return errors.New("AUDIO_MONITOR_INTERVAL must be >= 10ms")
	}
	if c.MonitorFFTSize < 32 || c.MonitorFFTSize > 32768 || c.MonitorFFTSize&(c.MonitorFFTSize-1) != 0 {
		return fmt.Errorf("AUDIO_MONITOR_FFT_SIZE must be a power of two within [32,32768], got %d", c.MonitorFFTSize)
	}
	if c.MonitorSmoothing < 0 || c.MonitorSmoothing >= 1 {
		return errors.New("AUDIO_MONITOR_SMOOTHING must be within [0,1)")
	}
	if c.MonitorReference <= 0 {
		return errors.New("AUDIO_MONITOR_REFERENCE must be > 0")
	}
	if _, err := media.ParseOutput(c.PlaybackOutput); err != nil {
		return fmt.Errorf("AUDIO_PLAYBACK_OUTPUT: %w", err)
	}
	if c.DialAttempts < 1 {
		return errors.New("RTC_DIAL_ATTEMPTS must be >= 1")
	}
	if c.DemoStep <= 0 {
		return errors.New("DEMO_STEP must be > 0")
	}
	return nil
}

// PageMode reports what the session surface should do at startup.
func (c Config) PageMode() PageMode {
	switch {
	case c.TestMode:
		return PageDemo
	case strings.TrimSpace(c.ServerURL) != "" && strings.TrimSpace(c.Token) != "":
		return PageLive
	default:
		return PageIdle
	}
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("AGENT_CONFIG_FILE: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("AGENT_CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// listFromEnv splits a comma separated value, dropping empty entries.
func listFromEnv(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
