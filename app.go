package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"golang.org/x/sync/errgroup"

	"voxrelay/internal/bootstrap"
	"voxrelay/internal/config"
	"voxrelay/internal/domain"
	"voxrelay/internal/history"
	"voxrelay/internal/ports"
	"voxrelay/internal/usecase"
)

const (
	eventInput    = "voxrelay:input"
	eventResponse = "voxrelay:response"
	eventNotify   = "voxrelay:notify"
	eventMic      = "voxrelay:mic"
	eventLevel    = "voxrelay:level"
	eventSpeak    = "voxrelay:speak"
	eventHaptic   = "voxrelay:haptic"
)

type emitFunc func(ctx context.Context, name string, data ...interface{})

// App is the Wails application root. It is the UI surface, speech
// synthesizer and haptic actuator for the core; the frontend performs the
// actual rendering, speaking and vibrating when it receives the events.
type App struct {
	ctx  context.Context
	emit emitFunc

	speech  *usecase.SpeechController
	capture *usecase.CaptureController
	ledger  *history.Ledger
	agent   ports.Agent
	cfg     config.Config
	logger  *slog.Logger
	bootErr error

	stop  context.CancelFunc
	group *errgroup.Group
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit, logger: slog.Default()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.ShowEphemeralNotification("Startup failed: " + err.Error())
		return
	}
	a.attach(ctx, services)
}

// attach starts the speech session loop for an assembled runtime graph.
func (a *App) attach(ctx context.Context, services bootstrap.Services) {
	a.cfg = services.Config
	a.logger = services.Logger
	a.speech = services.Speech
	a.capture = services.Capture
	a.ledger = services.Ledger
	a.agent = services.Agent

	runCtx, stop := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return a.speech.Run(groupCtx)
	})
	a.stop = stop
	a.group = group
	a.SetMicActive(false)
}

func (a *App) shutdown(_ context.Context) {
	if a.capture != nil && a.capture.Active() {
		if err := a.capture.Abort(); err != nil && !errors.Is(err, usecase.ErrNoActiveCapture) {
			a.logger.Warn("failed to abort capture on shutdown", "err", err)
		}
	}
	if a.stop != nil {
		a.stop()
		if err := a.group.Wait(); err != nil {
			a.logger.Warn("speech loop ended with error", "err", err)
		}
	}
}

// StartListening opens the microphone and starts recognition.
func (a *App) StartListening() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.capture.Start(a.ctx); err != nil {
		// The recognizer error has already been dispatched to the session.
		return a.speech.Status(), err
	}
	return a.speech.Status(), nil
}

// StopListening closes the microphone and waits for the final result.
func (a *App) StopListening() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.capture.Stop(a.ctx); err != nil && !errors.Is(err, usecase.ErrNoActiveCapture) {
		return a.speech.Status(), err
	}
	return a.speech.Status(), nil
}

// AbortListening discards an in-progress capture.
func (a *App) AbortListening() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.capture.Abort(); err != nil && !errors.Is(err, usecase.ErrNoActiveCapture) {
		return err
	}
	return nil
}

// Submit routes typed text as if it had been recognized.
func (a *App) Submit(text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	a.speech.Dispatch(domain.TextSubmitted(text))
	return nil
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.speech == nil {
		status := domain.Status{State: domain.SessionStateIdle}
		if a.bootErr != nil {
			status.Message = a.bootErr.Error()
		}
		return status
	}
	return a.speech.Status()
}

// GetHistory returns the conversation ledger in insertion order.
func (a *App) GetHistory() []domain.HistoryEntry {
	if a.ledger == nil {
		return nil
	}
	return a.ledger.Entries()
}

// ExportHistory returns the conversation as a JSON object keyed by
// "HH:MM:SS: utterance", in the order the entries were recorded.
func (a *App) ExportHistory() (string, error) {
	if a.ledger == nil {
		return "{}", nil
	}
	data, err := a.ledger.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("export history: %w", err)
	}
	return string(data), nil
}

type conversationResetter interface {
	Reset()
}

// ResetConversation makes the agent forget earlier turns. The history view is
// kept. Agents without conversation memory ignore it.
func (a *App) ResetConversation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if resetter, ok := a.agent.(conversationResetter); ok {
		resetter.Reset()
		a.logger.Info("agent conversation reset")
	}
	return nil
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	agent := "offline"
	if a.cfg.Agent.APIKey != "" {
		agent = a.cfg.Agent.Model
	}
	return map[string]string{
		"recognizer":       "Deepgram",
		"model":            a.cfg.Deepgram.Model,
		"language":         a.cfg.Deepgram.Language,
		"grammarFile":      a.cfg.Grammar.Path,
		"agent":            agent,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.speech == nil || a.capture == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SetInputText shows the recognized utterance in the input field.
func (a *App) SetInputText(text string) {
	a.send(eventInput, map[string]string{"text": text})
}

// AppendResponseText appends to the response view.
func (a *App) AppendResponseText(text string) {
	a.send(eventResponse, map[string]string{"text": text})
}

// ShowEphemeralNotification shows a short-lived toast.
func (a *App) ShowEphemeralNotification(message string) {
	a.send(eventNotify, map[string]string{"message": message})
}

func (a *App) SetMicActive(active bool) {
	a.send(eventMic, map[string]bool{"active": active})
}

// SetMicLevel drives the input level meter; level is in [0, 1].
func (a *App) SetMicLevel(level float64) {
	a.send(eventLevel, map[string]float64{"level": level})
}

// Speak asks the frontend to say text. In flush mode the frontend cancels
// whatever it is still saying first.
func (a *App) Speak(_ context.Context, text string, mode domain.SynthesisMode) error {
	if a.ctx == nil {
		return errors.New("speech output is not available before startup")
	}
	a.send(eventSpeak, map[string]string{"text": text, "mode": string(mode)})
	return nil
}

func (a *App) Pulse(d time.Duration) {
	a.send(eventHaptic, map[string]int64{"ms": d.Milliseconds()})
}

func (a *App) send(name string, payload interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, payload)
}
