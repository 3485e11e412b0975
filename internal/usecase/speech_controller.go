package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxrelay/internal/domain"
	"voxrelay/internal/observe"
)

// ErrRoutePanic wraps a panic recovered while routing an utterance or
// delivering its response.
var ErrRoutePanic = errors.New("routing panicked")

const defaultQueueSize = 64

// SpeechControllerConfig tunes the session controller.
type SpeechControllerConfig struct {
	// QueueSize bounds pending recognizer events.
	QueueSize int
	// NotifyRouteFailures shows an ephemeral notification when routing
	// fails. When false a failed turn produces no user-visible output.
	NotifyRouteFailures bool
	// RouteFailureMessage is shown when NotifyRouteFailures is set.
	RouteFailureMessage string
}

// SpeechController consumes recognizer events and owns the speech session.
// Events are applied one at a time by Run; Handle must not be called
// concurrently with Run.
type SpeechController struct {
	router   *Router
	feedback *FeedbackEmitter
	cfg      SpeechControllerConfig
	metrics  *observe.Metrics
	logger   *slog.Logger
	now      func() time.Time

	queue    chan domain.RecognizerEvent
	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	session *domain.SpeechSession
}

// SpeechControllerOption customizes a SpeechController.
type SpeechControllerOption func(*SpeechController)

func WithControllerMetrics(m *observe.Metrics) SpeechControllerOption {
	return func(c *SpeechController) {
		c.metrics = m
	}
}

func WithControllerLogger(l *slog.Logger) SpeechControllerOption {
	return func(c *SpeechController) {
		c.logger = l
	}
}

func NewSpeechController(router *Router, feedback *FeedbackEmitter, cfg SpeechControllerConfig, opts ...SpeechControllerOption) *SpeechController {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RouteFailureMessage == "" {
		cfg.RouteFailureMessage = "Sorry, something went wrong"
	}
	c := &SpeechController{
		router:   router,
		feedback: feedback,
		cfg:      cfg,
		metrics:  observe.Noop(),
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan domain.RecognizerEvent, cfg.QueueSize),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run applies queued events until ctx is done.
func (c *SpeechController) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.stopped) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-c.queue:
			c.Handle(ctx, event)
		}
	}
}

// Dispatch queues an event for Run. Volume and buffer events are dropped
// when the queue is full so they never block the producer.
func (c *SpeechController) Dispatch(event domain.RecognizerEvent) {
	if event.Kind == domain.EventVolumeChanged || event.Kind == domain.EventBufferReceived {
		select {
		case c.queue <- event:
		default:
		}
		return
	}

	select {
	case c.queue <- event:
	case <-c.stopped:
		c.logger.Warn("recognizer event after controller stopped", "kind", event.Kind)
	}
}

// Handle applies one event to the session state machine.
func (c *SpeechController) Handle(ctx context.Context, event domain.RecognizerEvent) {
	switch event.Kind {
	case domain.EventReady:
		c.logger.Debug("recognizer ready")
	case domain.EventBeginningOfSpeech:
		c.beginSpeech()
	case domain.EventVolumeChanged:
		c.feedback.Level(event.Level)
	case domain.EventBufferReceived:
	case domain.EventEndOfSpeech:
		c.endSpeech()
	case domain.EventError:
		c.handleError(ctx, event.Code)
	case domain.EventResult:
		c.handleResult(ctx, event.Candidates)
	case domain.EventTextSubmitted:
		c.route(ctx, event.Text)
	case domain.EventCancelled:
		c.finish(ctx, "cancelled")
	case domain.EventPartialResult, domain.EventSessionEvent:
		c.logger.Debug("recognizer event ignored", "kind", event.Kind)
	default:
		c.logger.Warn("unknown recognizer event", "kind", event.Kind)
	}
}

// Status reports the current session. Safe for concurrent use.
func (c *SpeechController) Status() domain.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}
	return domain.Status{State: c.session.State, Active: true, SessionID: c.session.ID}
}

func (c *SpeechController) state() domain.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return domain.SessionStateIdle
	}
	return c.session.State
}

func (c *SpeechController) beginSpeech() {
	if c.state() == domain.SessionStateListening {
		c.logger.Debug("beginning of speech while already listening")
		return
	}

	session := &domain.SpeechSession{
		ID:        uuid.NewString(),
		State:     domain.SessionStateListening,
		StartedAt: c.now(),
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Debug("speech session started", "session", session.ID)
	c.feedback.MicActive(true)
}

func (c *SpeechController) endSpeech() {
	c.mu.Lock()
	if c.session == nil || c.session.State != domain.SessionStateListening {
		c.mu.Unlock()
		c.logger.Debug("end of speech outside listening state")
		return
	}
	c.session.State = domain.SessionStateProcessing
	c.mu.Unlock()

	c.feedback.MicActive(false)
	c.feedback.Pulse()
}

func (c *SpeechController) handleError(ctx context.Context, code domain.RecognizerErrorCode) {
	c.finish(ctx, "error")

	event, known := Classify(code)
	c.metrics.RecordRecognizerError(ctx, int(code), known)
	if !known {
		c.logger.Warn("unrecognized recognizer error", "code", int(code))
		return
	}
	c.logger.Info("recognizer error", "code", int(event.Code), "message", event.Message)
	c.feedback.EmitError(event.Message)
}

func (c *SpeechController) handleResult(ctx context.Context, candidates []string) {
	utterance, err := domain.NewUtterance(candidates)
	if err != nil {
		c.logger.Warn("malformed recognition result", "err", err)
		c.finish(ctx, "malformed")
		return
	}
	defer c.finish(ctx, "result")

	c.logger.Debug("recognition result", "candidates", len(utterance.Candidates), "chosen", utterance.ChosenText)
	c.feedback.InputText(utterance.ChosenText)
	c.route(ctx, utterance.ChosenText)
}

func (c *SpeechController) route(ctx context.Context, text string) {
	if err := c.deliver(ctx, text); err != nil {
		c.logger.Error("routing failed", "utterance", text, "err", err)
		reason := "error"
		if errors.Is(err, ErrRoutePanic) {
			reason = "panic"
		}
		c.metrics.RecordRouteFailure(ctx, reason)
		if c.cfg.NotifyRouteFailures {
			c.feedback.EmitError(c.cfg.RouteFailureMessage)
		}
	}
}

// deliver routes text and hands the response to the emitter. Panics from the
// parser, the agent or the output adapters come back as ErrRoutePanic.
func (c *SpeechController) deliver(ctx context.Context, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRoutePanic, r)
		}
	}()

	result, err := c.router.Route(ctx, text)
	if err != nil {
		return err
	}
	c.feedback.Emit(ctx, result.Response)
	return nil
}

// finish returns the controller to idle and stops the mic indicator.
func (c *SpeechController) finish(ctx context.Context, outcome string) {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	c.feedback.MicActive(false)
	if session == nil {
		return
	}
	c.metrics.RecordSession(ctx, outcome)
	c.logger.Debug("speech session finished", "session", session.ID, "outcome", outcome, "duration", c.now().Sub(session.StartedAt))
}
