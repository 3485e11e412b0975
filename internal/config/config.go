package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration. Values come from defaults, then the
// optional YAML file, then environment variables.
type Config struct {
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Audio    AudioConfig    `yaml:"audio"`
	Grammar  GrammarConfig  `yaml:"grammar"`
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	APIBaseURL     string `yaml:"api_base"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	SmartFormat    bool   `yaml:"smart_format"`
	UtteranceEndMS int    `yaml:"utterance_end_ms"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
}

type GrammarConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig configures the conversational agent. Without an API key the
// offline agent is used.
type AgentConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTurns     int           `yaml:"max_turns"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	ChunkSize           int           `yaml:"chunk_size"`
	StreamingGrace      time.Duration `yaml:"streaming_grace"`
	SpeechTimeout       time.Duration `yaml:"speech_timeout"`
	Alternatives        int           `yaml:"alternatives"`
	QueueSize           int           `yaml:"queue_size"`
	NotifyRouteFailures bool          `yaml:"notify_route_failures"`
	RouteFailureMessage string        `yaml:"route_failure_message"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel returns the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load resolves configuration from defaults, the YAML file named by
// VOXRELAY_CONFIG (or ~/.config/voxrelay/config.yaml when present) and
// environment variables.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := defaults(home)

	path := strings.TrimSpace(os.Getenv("VOXRELAY_CONFIG"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, ".config", "voxrelay", "config.yaml")
	}
	if err := overlayFile(&cfg, path, explicit); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	normalize(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults(home string) Config {
	return Config{
		Deepgram: DeepgramConfig{
			APIBaseURL:     "https://api.deepgram.com/v1",
			Model:          "nova-2",
			SmartFormat:    true,
			UtteranceEndMS: 1000,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Grammar: GrammarConfig{
			Path: filepath.Join(home, ".config", "voxrelay", "commands.rules"),
		},
		Agent: AgentConfig{
			Model:    "gpt-4o-mini",
			MaxTurns: 6,
			Timeout:  20 * time.Second,
		},
		Session: SessionConfig{
			ChunkSize:           4096,
			StreamingGrace:      time.Second,
			SpeechTimeout:       8 * time.Second,
			Alternatives:        3,
			QueueSize:           64,
			RouteFailureMessage: "Sorry, something went wrong",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func overlayFile(cfg *Config, path string, required bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	if err := decodeYAML(f, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// decodeYAML overlays the document onto cfg; keys absent from the document
// keep their current values.
func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Deepgram.APIBaseURL, "DEEPGRAM_API_BASE")
	setString(&cfg.Deepgram.Model, "DEEPGRAM_MODEL")
	setString(&cfg.Deepgram.Language, "DEEPGRAM_LANGUAGE")
	setBool(&cfg.Deepgram.SmartFormat, "DEEPGRAM_SMART_FORMAT")
	setInt(&cfg.Deepgram.UtteranceEndMS, "DEEPGRAM_UTTERANCE_END_MS")

	setString(&cfg.Audio.RecorderCommand, "VOXRELAY_FFMPEG_COMMAND")
	setString(&cfg.Audio.InputFormat, "VOXRELAY_AUDIO_INPUT_FORMAT")
	setString(&cfg.Audio.InputDevice, "VOXRELAY_AUDIO_INPUT_DEVICE")
	setInt(&cfg.Audio.SampleRate, "VOXRELAY_SAMPLE_RATE")
	setInt(&cfg.Audio.Channels, "VOXRELAY_CHANNELS")

	setString(&cfg.Grammar.Path, "VOXRELAY_GRAMMAR_FILE")

	setString(&cfg.Agent.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Agent.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Agent.Model, "OPENAI_MODEL")
	setString(&cfg.Agent.SystemPrompt, "VOXRELAY_AGENT_PROMPT")
	setInt(&cfg.Agent.MaxTurns, "VOXRELAY_AGENT_MAX_TURNS")
	setInt(&cfg.Agent.MaxTokens, "VOXRELAY_AGENT_MAX_TOKENS")
	setMillis(&cfg.Agent.Timeout, "VOXRELAY_AGENT_TIMEOUT_MS")

	setInt(&cfg.Session.ChunkSize, "VOXRELAY_AUDIO_CHUNK_SIZE")
	setMillis(&cfg.Session.StreamingGrace, "VOXRELAY_STREAMING_GRACE_MS")
	setMillis(&cfg.Session.SpeechTimeout, "VOXRELAY_SPEECH_TIMEOUT_MS")
	setInt(&cfg.Session.Alternatives, "VOXRELAY_ALTERNATIVES")
	setInt(&cfg.Session.QueueSize, "VOXRELAY_QUEUE_SIZE")
	setBool(&cfg.Session.NotifyRouteFailures, "VOXRELAY_NOTIFY_ROUTE_FAILURES")
	setString(&cfg.Session.RouteFailureMessage, "VOXRELAY_ROUTE_FAILURE_MESSAGE")

	setString(&cfg.Log.Level, "VOXRELAY_LOG_LEVEL")
	setString(&cfg.Log.Format, "VOXRELAY_LOG_FORMAT")
}

// normalize replaces out-of-range numbers with defaults.
func normalize(cfg *Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Deepgram.UtteranceEndMS <= 0 {
		cfg.Deepgram.UtteranceEndMS = 1000
	}
	if cfg.Session.ChunkSize < 256 {
		cfg.Session.ChunkSize = 4096
	}
	if cfg.Session.StreamingGrace < 0 {
		cfg.Session.StreamingGrace = time.Second
	}
	if cfg.Session.SpeechTimeout < 0 {
		cfg.Session.SpeechTimeout = 0
	}
	if cfg.Session.Alternatives <= 0 {
		cfg.Session.Alternatives = 1
	}
	if cfg.Session.QueueSize <= 0 {
		cfg.Session.QueueSize = 64
	}
	if cfg.Agent.MaxTurns < 0 {
		cfg.Agent.MaxTurns = 0
	}
	if cfg.Agent.MaxTokens < 0 {
		cfg.Agent.MaxTokens = 0
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg Config) error {
	var errs []error

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}
	if cfg.Agent.APIKey != "" && strings.TrimSpace(cfg.Agent.Model) == "" {
		errs = append(errs, errors.New("agent.model must be set when an OpenAI API key is configured"))
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

// setInt keeps the current value when the variable is unset or not a number.
func setInt(dst *int, key string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*dst = parsed
	}
}

func setMillis(dst *time.Duration, key string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		*dst = time.Duration(parsed) * time.Millisecond
	}
}

func setBool(dst *bool, key string) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
