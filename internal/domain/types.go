package domain

import (
	"errors"
	"fmt"
	"time"
)

// SessionState models the recognition lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateListening  SessionState = "listening"
	SessionStateProcessing SessionState = "processing"
)

// SpeechSession tracks one recognition attempt from begin-of-speech until the
// controller returns to idle.
type SpeechSession struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
}

// RecognizerErrorCode is the closed set of recognizer failures. The numeric
// values follow the platform recognizer so raw codes can be logged as-is.
type RecognizerErrorCode int

const (
	ErrorNetworkTimeout          RecognizerErrorCode = 1
	ErrorNetwork                 RecognizerErrorCode = 2
	ErrorAudio                   RecognizerErrorCode = 3
	ErrorServer                  RecognizerErrorCode = 4
	ErrorClient                  RecognizerErrorCode = 5
	ErrorSpeechTimeout           RecognizerErrorCode = 6
	ErrorNoMatch                 RecognizerErrorCode = 7
	ErrorRecognizerBusy          RecognizerErrorCode = 8
	ErrorInsufficientPermissions RecognizerErrorCode = 9
)

// ErrorEvent is a classified recognizer error. It is never persisted.
type ErrorEvent struct {
	Code    RecognizerErrorCode `json:"code"`
	Message string              `json:"message"`
}

// RecognizerFailure attaches a recognizer error code to a Go error so
// adapters can report which code a transport or device failure maps to.
type RecognizerFailure struct {
	Code RecognizerErrorCode
	Err  error
}

func (f *RecognizerFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("recognizer error %d", f.Code)
	}
	return f.Err.Error()
}

func (f *RecognizerFailure) Unwrap() error {
	return f.Err
}

// ErrorCodeOf extracts the recognizer code from err, or fallback when err
// carries none.
func ErrorCodeOf(err error, fallback RecognizerErrorCode) RecognizerErrorCode {
	var failure *RecognizerFailure
	if errors.As(err, &failure) {
		return failure.Code
	}
	return fallback
}

// EventKind tags a RecognizerEvent variant.
type EventKind string

const (
	EventReady             EventKind = "ready"
	EventBeginningOfSpeech EventKind = "beginning_of_speech"
	EventVolumeChanged     EventKind = "volume_changed"
	EventBufferReceived    EventKind = "buffer_received"
	EventEndOfSpeech       EventKind = "end_of_speech"
	EventError             EventKind = "error"
	EventResult            EventKind = "result"
	EventPartialResult     EventKind = "partial_result"
	EventSessionEvent      EventKind = "session_event"

	// EventTextSubmitted carries text typed by the user instead of spoken.
	EventTextSubmitted EventKind = "text_submitted"
	// EventCancelled reports that listening was aborted by the user.
	EventCancelled EventKind = "cancelled"
)

// RecognizerEvent is one notification from the recognition engine. Only the
// fields relevant to Kind are populated.
type RecognizerEvent struct {
	Kind       EventKind
	Level      float64
	Buffer     []byte
	Code       RecognizerErrorCode
	Candidates []string
	Text       string
}

func Ready() RecognizerEvent             { return RecognizerEvent{Kind: EventReady} }
func BeginningOfSpeech() RecognizerEvent { return RecognizerEvent{Kind: EventBeginningOfSpeech} }
func EndOfSpeech() RecognizerEvent       { return RecognizerEvent{Kind: EventEndOfSpeech} }
func Cancelled() RecognizerEvent         { return RecognizerEvent{Kind: EventCancelled} }

func VolumeChanged(levelDB float64) RecognizerEvent {
	return RecognizerEvent{Kind: EventVolumeChanged, Level: levelDB}
}

func BufferReceived(buf []byte) RecognizerEvent {
	return RecognizerEvent{Kind: EventBufferReceived, Buffer: buf}
}

func RecognizerError(code RecognizerErrorCode) RecognizerEvent {
	return RecognizerEvent{Kind: EventError, Code: code}
}

func Result(candidates ...string) RecognizerEvent {
	return RecognizerEvent{Kind: EventResult, Candidates: candidates}
}

func PartialResult(candidates ...string) RecognizerEvent {
	return RecognizerEvent{Kind: EventPartialResult, Candidates: candidates}
}

func SessionEvent(code int) RecognizerEvent {
	return RecognizerEvent{Kind: EventSessionEvent, Code: RecognizerErrorCode(code)}
}

func TextSubmitted(text string) RecognizerEvent {
	return RecognizerEvent{Kind: EventTextSubmitted, Text: text}
}

// ErrNoCandidates is returned for a result event without any candidate.
var ErrNoCandidates = errors.New("recognition result has no candidates")

// Utterance holds ranked recognizer candidates, best first.
type Utterance struct {
	Candidates []string `json:"candidates"`
	ChosenText string   `json:"chosenText"`
}

// NewUtterance picks the top-ranked candidate.
func NewUtterance(candidates []string) (Utterance, error) {
	if len(candidates) == 0 {
		return Utterance{}, ErrNoCandidates
	}
	return Utterance{Candidates: candidates, ChosenText: candidates[0]}, nil
}

// Response is the text produced for one utterance. Empty means no response.
type Response struct {
	Text string `json:"text"`
}

// Empty reports whether there is nothing to say.
func (r Response) Empty() bool {
	return r.Text == ""
}

// AgentSentinel is the parser output meaning "not a structured command".
const AgentSentinel = "BOT_CALL"

// HistoryTimeLayout formats history timestamps as HH:MM:SS.
const HistoryTimeLayout = "15:04:05"

// HistoryEntry records one routed utterance and its response.
type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Utterance string `json:"utterance"`
	Response  string `json:"response"`
}

// Key identifies the entry in the ledger. Entries for the same utterance
// within the same second share a key.
func (e HistoryEntry) Key() string {
	return e.Timestamp + ": " + e.Utterance
}

// RouteSource identifies which collaborator produced a response.
type RouteSource string

const (
	RouteSourceCommand RouteSource = "command"
	RouteSourceAgent   RouteSource = "agent"
)

// SynthesisMode selects how new speech interacts with queued speech.
type SynthesisMode string

const (
	// SynthesisFlush discards in-flight and queued speech.
	SynthesisFlush   SynthesisMode = "flush"
	SynthesisEnqueue SynthesisMode = "enqueue"
)

// Status summarizes the current runtime status.
type Status struct {
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId,omitempty"`
	Message   string       `json:"message,omitempty"`
}
