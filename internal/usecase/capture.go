package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

var (
	ErrNoActiveCapture = errors.New("no active listening session")
	ErrRecognizerBusy  = errors.New("recognizer is busy")
)

// CaptureConfig controls microphone capture and streaming recognition.
type CaptureConfig struct {
	Audio          ports.AudioConfig
	Recognition    ports.RecognitionConfig
	ChunkSize      int
	StreamingGrace time.Duration
	// SpeechTimeout ends the capture with a speech-timeout error when no
	// speech begins within this window. Zero disables it.
	SpeechTimeout time.Duration
}

// CaptureController runs one push-to-listen capture at a time: it streams
// microphone audio to the recognition engine and forwards engine events to
// the speech session controller.
type CaptureController struct {
	audio  ports.AudioCapture
	engine ports.RecognitionEngine
	events ports.EventDispatcher
	cfg    CaptureConfig
	logger *slog.Logger

	startMu sync.Mutex
	mu      sync.Mutex
	current *activeCapture
}

type activeCapture struct {
	cancel func()
	audio  ports.AudioSession
	stream ports.RecognitionStream

	heardSpeech atomic.Bool
	stopping    atomic.Bool
	teardown    sync.Once
	eventsDone  chan struct{}
	audioDone   chan struct{}
	finished    chan struct{}
}

func NewCaptureController(
	audio ports.AudioCapture,
	engine ports.RecognitionEngine,
	events ports.EventDispatcher,
	cfg CaptureConfig,
	logger *slog.Logger,
) *CaptureController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureController{
		audio:  audio,
		engine: engine,
		events: events,
		cfg:    cfg,
		logger: logger,
	}
}

// Start begins capturing and recognizing. A second Start while a capture is
// running reports the recognizer as busy.
func (c *CaptureController) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.Active() {
		c.events.Dispatch(domain.RecognizerError(domain.ErrorRecognizerBusy))
		return ErrRecognizerBusy
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.engine.StartRecognition(ctx, c.cfg.Recognition)
	if err != nil {
		cancel()
		c.events.Dispatch(domain.RecognizerError(domain.ErrorCodeOf(err, domain.ErrorClient)))
		return fmt.Errorf("start recognition: %w", err)
	}

	audioSession, err := c.audio.Start(captureCtx, c.cfg.Audio)
	if err != nil {
		_ = stream.Close()
		cancel()
		c.events.Dispatch(domain.RecognizerError(audioErrorCode(err)))
		return fmt.Errorf("start audio capture: %w", err)
	}

	active := &activeCapture{
		cancel:     cancel,
		audio:      audioSession,
		stream:     stream,
		eventsDone: make(chan struct{}),
		audioDone:  make(chan struct{}),
		finished:   make(chan struct{}),
	}

	c.mu.Lock()
	c.current = active
	c.mu.Unlock()

	go forwardRecognizerEvents(active.stream, c.events, &active.heardSpeech, active.eventsDone)
	go pumpAudioChunks(active.audio, active.stream, c.cfg.ChunkSize, c.events, &active.stopping, active.audioDone)
	go c.supervise(captureCtx, active)

	c.logger.Debug("capture started")
	return nil
}

// Stop ends audio capture and lets the engine flush its final result.
func (c *CaptureController) Stop(ctx context.Context) error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}

	active.stopping.Store(true)
	if err := active.audio.Stop(); err != nil {
		c.logger.Warn("failed to stop audio capture cleanly", "err", err)
	}
	<-active.audioDone

	if c.cfg.StreamingGrace > 0 {
		timer := time.NewTimer(c.cfg.StreamingGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	_ = active.stream.CloseSend()
	if err := waitForStream(active.stream, 4*time.Second); err != nil {
		c.logger.Warn("recognition stream ended with error", "err", err)
	}
	<-active.finished
	return nil
}

// Abort discards the capture without waiting for a result.
func (c *CaptureController) Abort() error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}

	c.stopCapture(active)
	<-active.finished
	c.events.Dispatch(domain.Cancelled())
	return nil
}

// Active reports whether a capture is running.
func (c *CaptureController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *CaptureController) getCurrent() (*activeCapture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveCapture
	}
	return c.current, nil
}

// supervise enforces the speech timeout and releases the capture once the
// engine has closed its event stream.
func (c *CaptureController) supervise(ctx context.Context, active *activeCapture) {
	var timeout <-chan time.Time
	if c.cfg.SpeechTimeout > 0 {
		timer := time.NewTimer(c.cfg.SpeechTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-active.eventsDone:
	case <-ctx.Done():
	case <-timeout:
		if !active.heardSpeech.Load() {
			c.logger.Info("no speech before timeout", "timeout", c.cfg.SpeechTimeout)
			c.stopCapture(active)
			c.events.Dispatch(domain.RecognizerError(domain.ErrorSpeechTimeout))
		}
		<-active.eventsDone
	}

	c.stopCapture(active)

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()
	close(active.finished)
	c.logger.Debug("capture finished")
}

func (c *CaptureController) stopCapture(active *activeCapture) {
	active.teardown.Do(func() {
		active.stopping.Store(true)
		active.cancel()
		_ = active.audio.Stop()
		_ = active.stream.Close()
	})
	<-active.eventsDone
	<-active.audioDone
}

func audioErrorCode(err error) domain.RecognizerErrorCode {
	if errors.Is(err, os.ErrPermission) {
		return domain.ErrorInsufficientPermissions
	}
	return domain.ErrorCodeOf(err, domain.ErrorAudio)
}
