package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"voxrelay/internal/agent"
	"voxrelay/internal/agent/openai"
	"voxrelay/internal/audio"
	"voxrelay/internal/config"
	"voxrelay/internal/history"
	"voxrelay/internal/observe"
	"voxrelay/internal/ports"
	"voxrelay/internal/providers/deepgram"
	"voxrelay/internal/rules"
	"voxrelay/internal/usecase"
)

// Shell is what the desktop surface lends the core: the visible UI, the
// speech synthesizer and the haptic actuator.
type Shell interface {
	ports.UISurface
	ports.Synthesizer
	ports.Haptics
}

// Services is the assembled runtime graph.
type Services struct {
	Config  config.Config
	Logger  *slog.Logger
	Ledger  *history.Ledger
	Agent   ports.Agent
	Speech  *usecase.SpeechController
	Capture *usecase.CaptureController
}

// Build loads configuration, installs the process logger and wires all
// backend dependencies for the current runtime.
func Build(shell Shell) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logger := NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return BuildWith(cfg, shell, logger)
}

// BuildWith wires the runtime graph from an already loaded configuration.
func BuildWith(cfg config.Config, shell Shell, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	grammar, err := rules.NewEngine(cfg.Grammar.Path)
	if err != nil {
		return Services{}, err
	}
	logger.Info("command grammar loaded", "path", cfg.Grammar.Path, "rules", grammar.Len())

	conversational, err := newAgent(cfg.Agent, logger)
	if err != nil {
		return Services{}, err
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return Services{}, fmt.Errorf("create metrics: %w", err)
	}

	ledger := history.NewLedger()
	router := usecase.NewRouter(grammar, conversational, ledger,
		usecase.WithRouterMetrics(metrics),
		usecase.WithRouterLogger(logger.With("component", "router")),
	)
	feedback := usecase.NewFeedbackEmitter(shell, shell, shell, logger.With("component", "feedback"))
	speech := usecase.NewSpeechController(router, feedback,
		usecase.SpeechControllerConfig{
			QueueSize:           cfg.Session.QueueSize,
			NotifyRouteFailures: cfg.Session.NotifyRouteFailures,
			RouteFailureMessage: cfg.Session.RouteFailureMessage,
		},
		usecase.WithControllerMetrics(metrics),
		usecase.WithControllerLogger(logger.With("component", "speech")),
	)

	capture := usecase.NewCaptureController(
		audio.NewMicrophone(cfg.Audio.RecorderCommand, logger.With("component", "audio")),
		deepgram.NewProvider(deepgram.Config{
			APIKey:         cfg.Deepgram.APIKey,
			APIBaseURL:     cfg.Deepgram.APIBaseURL,
			Model:          cfg.Deepgram.Model,
			Language:       cfg.Deepgram.Language,
			SmartFormat:    cfg.Deepgram.SmartFormat,
			UtteranceEndMS: cfg.Deepgram.UtteranceEndMS,
		}),
		speech,
		usecase.CaptureConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Recognition: ports.RecognitionConfig{
				SampleRate:     cfg.Audio.SampleRate,
				Channels:       cfg.Audio.Channels,
				Encoding:       "linear16",
				InterimResults: true,
				Alternatives:   cfg.Session.Alternatives,
			},
			ChunkSize:      cfg.Session.ChunkSize,
			StreamingGrace: cfg.Session.StreamingGrace,
			SpeechTimeout:  cfg.Session.SpeechTimeout,
		},
		logger.With("component", "capture"),
	)

	return Services{
		Config:  cfg,
		Logger:  logger,
		Ledger:  ledger,
		Agent:   conversational,
		Speech:  speech,
		Capture: capture,
	}, nil
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newAgent(cfg config.AgentConfig, logger *slog.Logger) (ports.Agent, error) {
	if cfg.APIKey == "" {
		logger.Warn("no OpenAI API key configured; using offline agent")
		return agent.Offline{}, nil
	}

	opts := []openai.Option{
		openai.WithMaxTurns(cfg.MaxTurns),
		openai.WithMaxTokens(cfg.MaxTokens),
		openai.WithTimeout(cfg.Timeout),
		openai.WithLogger(logger.With("component", "agent")),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, openai.WithSystemPrompt(cfg.SystemPrompt))
	}

	a, err := openai.New(cfg.APIKey, cfg.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}
