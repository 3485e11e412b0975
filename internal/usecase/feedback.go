package usecase

import (
	"context"
	"log/slog"
	"time"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

// EndOfSpeechPulse is the haptic pulse fired when the user stops talking.
const EndOfSpeechPulse = 50 * time.Millisecond

// FeedbackEmitter drives speech synthesis, UI text, the mic indicator, and
// haptics.
type FeedbackEmitter struct {
	synth   ports.Synthesizer
	ui      ports.UISurface
	haptics ports.Haptics
	logger  *slog.Logger
}

func NewFeedbackEmitter(synth ports.Synthesizer, ui ports.UISurface, haptics ports.Haptics, logger *slog.Logger) *FeedbackEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackEmitter{synth: synth, ui: ui, haptics: haptics, logger: logger}
}

// Emit speaks response in flush mode and appends it to the response display.
// An empty response is never spoken but still opens a new line in the
// display.
func (f *FeedbackEmitter) Emit(ctx context.Context, response domain.Response) {
	if !response.Empty() {
		if err := f.synth.Speak(ctx, response.Text, domain.SynthesisFlush); err != nil {
			f.logger.Warn("speech synthesis failed", "err", err)
		}
	}
	f.ui.AppendResponseText("\n " + response.Text)
}

// EmitError shows message as an ephemeral notification.
func (f *FeedbackEmitter) EmitError(message string) {
	f.ui.ShowEphemeralNotification(message)
}

func (f *FeedbackEmitter) MicActive(active bool) {
	f.ui.SetMicActive(active)
}

func (f *FeedbackEmitter) InputText(text string) {
	f.ui.SetInputText(text)
}

// Pulse fires the end-of-speech haptic. It never reports failure.
func (f *FeedbackEmitter) Pulse() {
	if f.haptics == nil {
		return
	}
	f.haptics.Pulse(EndOfSpeechPulse)
}

// Level forwards an input volume in dB to surfaces with a level indicator.
func (f *FeedbackEmitter) Level(levelDB float64) {
	indicator, ok := f.ui.(ports.LevelIndicator)
	if !ok {
		return
	}
	indicator.SetMicLevel(normalizeLevel(levelDB))
}

// normalizeLevel maps recognizer dB (roughly -120..60) onto [0, 1].
func normalizeLevel(levelDB float64) float64 {
	level := (levelDB + 120) / 1.8 / 100
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
