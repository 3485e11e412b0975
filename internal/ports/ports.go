package ports

import (
	"context"
	"io"
	"time"

	"voxrelay/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// RecognitionConfig describes provider-agnostic streaming recognition settings.
type RecognitionConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
	Alternatives   int
}

// RecognitionStream is an active recognition session. Events are closed once
// the engine has flushed its final result.
type RecognitionStream interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.RecognizerEvent
	Wait() error
	Close() error
}

// RecognitionEngine starts streaming recognition sessions.
type RecognitionEngine interface {
	StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognitionStream, error)
}

// Parser turns an utterance into a command reply, or domain.AgentSentinel
// when the text is not a structured command.
type Parser interface {
	ParseSentence(ctx context.Context, text string) (string, error)
}

// Agent answers free-form conversational turns.
type Agent interface {
	Ask(ctx context.Context, text string) (string, error)
}

// Synthesizer speaks text aloud.
type Synthesizer interface {
	Speak(ctx context.Context, text string, mode domain.SynthesisMode) error
}

// Haptics fires a short vibration. Implementations must not block.
type Haptics interface {
	Pulse(duration time.Duration)
}

// UISurface is the visible interaction surface.
type UISurface interface {
	SetInputText(text string)
	AppendResponseText(text string)
	ShowEphemeralNotification(text string)
	SetMicActive(active bool)
}

// LevelIndicator is implemented by surfaces that can scale the mic indicator
// with input volume. Level is normalized to [0, 1].
type LevelIndicator interface {
	SetMicLevel(level float64)
}

// EventDispatcher accepts recognizer events from asynchronous producers.
type EventDispatcher interface {
	Dispatch(event domain.RecognizerEvent)
}
