package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	if p.cfg.APIBaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("unexpected base url: %q", p.cfg.APIBaseURL)
	}
	if p.cfg.Model != "nova-2" {
		t.Fatalf("unexpected model: %q", p.cfg.Model)
	}
	if p.cfg.UtteranceEndMS != 1000 {
		t.Fatalf("unexpected utterance end: %d", p.cfg.UtteranceEndMS)
	}
}

func TestProviderStartRecognitionRequiresAPIKey(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{APIKey: ""})
	_, err := p.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err == nil {
		t.Fatalf("expected missing key error")
	}
	if code := domain.ErrorCodeOf(err, 0); code != domain.ErrorClient {
		t.Fatalf("expected client error code, got %d", code)
	}
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(Config{APIBaseURL: "https://api.deepgram.com/v1", Model: "nova-2"}, ports.RecognitionConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"wss://api.deepgram.com/v1/listen",
		"encoding=linear16",
		"sample_rate=16000",
		"channels=1",
		"alternatives=1",
		"vad_events=true",
		"interim_results=false",
	} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
	if strings.Contains(url, "utterance_end_ms") {
		t.Fatalf("utterance end requires interim results: %s", url)
	}
}

func TestBuildListenURLWithInterimResults(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(
		Config{APIBaseURL: "http://localhost:8080/v1", Model: "m", Language: "en-US", SmartFormat: true, UtteranceEndMS: 1500},
		ports.RecognitionConfig{Encoding: "linear16", SampleRate: 8000, Channels: 2, InterimResults: true, Alternatives: 3},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"ws://localhost:8080/v1/listen",
		"language=en-US",
		"smart_format=true",
		"alternatives=3",
		"interim_results=true",
		"utterance_end_ms=1500",
	} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	_, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.RecognitionConfig{})
	if err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestExtractAlternatives(t *testing.T) {
	t.Parallel()

	var r deepgramResponse
	r.Channel.Alternatives = []deepgramAlternative{
		{Transcript: " turn on the light "},
		{Transcript: ""},
		{Transcript: "turn on the lights"},
	}
	got := extractAlternatives(r)
	if len(got) != 2 || got[0] != "turn on the light" || got[1] != "turn on the lights" {
		t.Fatalf("unexpected alternatives: %v", got)
	}
	if got := extractAlternatives(deepgramResponse{}); len(got) != 0 {
		t.Fatalf("expected no alternatives, got %v", got)
	}
}

func TestRankCandidates(t *testing.T) {
	t.Parallel()

	got := rankCandidates([][]string{
		{"turn on", "turn in"},
		{"the light"},
	})
	want := []string{"turn on the light", "turn in the light"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected candidates: %v", got)
	}

	got = rankCandidates([][]string{{"same", "same"}})
	if len(got) != 1 {
		t.Fatalf("expected duplicates removed, got %v", got)
	}
}

func TestClassifyDialError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		err    error
		want   domain.RecognizerErrorCode
	}{
		{status: http.StatusUnauthorized, want: domain.ErrorInsufficientPermissions},
		{status: http.StatusForbidden, want: domain.ErrorInsufficientPermissions},
		{status: http.StatusTooManyRequests, want: domain.ErrorRecognizerBusy},
		{status: http.StatusBadGateway, want: domain.ErrorServer},
		{status: http.StatusBadRequest, want: domain.ErrorClient},
		{err: context.DeadlineExceeded, want: domain.ErrorNetworkTimeout},
		{err: errors.New("connection refused"), want: domain.ErrorNetwork},
	}
	for _, tc := range cases {
		var resp *http.Response
		if tc.status != 0 {
			resp = &http.Response{StatusCode: tc.status}
		}
		err := tc.err
		if err == nil {
			err = websocket.ErrBadHandshake
		}
		if got := classifyDialError(resp, err); got != tc.want {
			t.Fatalf("status %d err %v: expected %d, got %d", tc.status, tc.err, tc.want, got)
		}
	}
}

func TestClassifyReadError(t *testing.T) {
	t.Parallel()

	cases := map[int]domain.RecognizerErrorCode{
		websocket.ClosePolicyViolation:   domain.ErrorInsufficientPermissions,
		websocket.CloseInternalServerErr: domain.ErrorServer,
		websocket.CloseUnsupportedData:   domain.ErrorClient,
		websocket.CloseAbnormalClosure:   domain.ErrorNetwork,
	}
	for code, want := range cases {
		if got := classifyReadError(&websocket.CloseError{Code: code}); got != want {
			t.Fatalf("close code %d: expected %d, got %d", code, want, got)
		}
	}
}

func TestStreamingSessionSendAudioClosed(t *testing.T) {
	t.Parallel()

	s := &streamingSession{sendClosed: true}
	if err := s.SendAudio([]byte("x")); err == nil {
		t.Fatalf("expected closed error")
	}
}

func TestStreamingSessionCloseSendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := &streamingSession{audio: make(chan []byte, 1)}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected second error: %v", err)
	}
}

func TestStreamingSessionSetErrIgnoresCloseErrors(t *testing.T) {
	t.Parallel()

	s := &streamingSession{}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	if s.waitErr() != nil {
		t.Fatalf("expected close error to be ignored")
	}

	s.setErr(errors.New("first"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "first" {
		t.Fatalf("expected first error to win")
	}
}

func TestStreamingSessionSpeechFinalDeliversResult(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, `{"type":"SpeechStarted"}`)
		writeJSON(t, conn, `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"turn on"}]}}`)
		writeJSON(t, conn, `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"turn on the light"},{"transcript":"turn on the lights"}]}}`)
		awaitCloseStream(conn)
		closeNormally(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{InterimResults: true, Alternatives: 2})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := stream.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	first := collect(t, stream, 4)
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send failed: %v", err)
	}
	rest := drain(t, stream)
	if err := stream.Wait(); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	events := append(first, rest...)
	wantKinds := []domain.EventKind{
		domain.EventReady,
		domain.EventBeginningOfSpeech,
		domain.EventPartialResult,
		domain.EventEndOfSpeech,
		domain.EventResult,
	}
	assertKinds(t, events, wantKinds)

	result := events[len(events)-1]
	if len(result.Candidates) != 2 || result.Candidates[0] != "turn on the light" {
		t.Fatalf("unexpected candidates: %v", result.Candidates)
	}
}

func TestStreamingSessionUtteranceEndJoinsSegments(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"set a timer"}]}}`)
		writeJSON(t, conn, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"for five minutes"}]}}`)
		writeJSON(t, conn, `{"type":"UtteranceEnd"}`)
		awaitCloseStream(conn)
		closeNormally(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{InterimResults: true})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := collect(t, stream, 4)
	_ = stream.CloseSend()
	events = append(events, drain(t, stream)...)

	assertKinds(t, events, []domain.EventKind{
		domain.EventReady,
		domain.EventBeginningOfSpeech,
		domain.EventEndOfSpeech,
		domain.EventResult,
	})
	if got := events[3].Candidates; len(got) != 1 || got[0] != "set a timer for five minutes" {
		t.Fatalf("unexpected candidates: %v", got)
	}
}

func TestStreamingSessionCloseStreamFlushesPendingSegments(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		awaitCloseStream(conn)
		writeJSON(t, conn, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"goodnight"}]}}`)
		closeNormally(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_ = stream.CloseSend()

	assertKinds(t, drain(t, stream), []domain.EventKind{
		domain.EventReady,
		domain.EventBeginningOfSpeech,
		domain.EventEndOfSpeech,
		domain.EventResult,
	})
}

func TestStreamingSessionNothingHeardIsNoMatch(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		awaitCloseStream(conn)
		closeNormally(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_ = stream.CloseSend()

	events := drain(t, stream)
	assertKinds(t, events, []domain.EventKind{domain.EventReady, domain.EventError})
	if events[1].Code != domain.ErrorNoMatch {
		t.Fatalf("expected no match, got %d", events[1].Code)
	}
}

func TestStreamingSessionProviderErrorIsServerError(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, `{"type":"Error","description":"bad audio"}`)
		awaitCloseStream(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := collect(t, stream, 2)
	assertKinds(t, events, []domain.EventKind{domain.EventReady, domain.EventError})
	if events[1].Code != domain.ErrorServer {
		t.Fatalf("expected server error, got %d", events[1].Code)
	}

	_ = stream.CloseSend()
	drain(t, stream)
	if err := stream.Wait(); err == nil || err.Error() != "bad audio" {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestStreamingSessionCloseDropsPendingResult(t *testing.T) {
	t.Parallel()

	provider := newScriptedServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"never mind"}]}}`)
		awaitCloseStream(conn)
	})

	stream, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	collect(t, stream, 2)
	_ = stream.Close()

	for event := range stream.Events() {
		if event.Kind == domain.EventResult || event.Kind == domain.EventError {
			t.Fatalf("unexpected event after close: %s", event.Kind)
		}
	}
}

func TestProviderStartRecognitionUnauthorized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	provider := NewProvider(Config{APIKey: "key", APIBaseURL: server.URL})
	_, err := provider.StartRecognition(context.Background(), ports.RecognitionConfig{})
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if code := domain.ErrorCodeOf(err, 0); code != domain.ErrorInsufficientPermissions {
		t.Fatalf("expected permissions code, got %d", code)
	}
}

func newScriptedServer(t *testing.T, script func(conn *websocket.Conn)) *Provider {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(server.Close)

	return NewProvider(Config{APIKey: "test-key", APIBaseURL: server.URL})
}

func writeJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Errorf("server write failed: %v", err)
	}
}

// awaitCloseStream reads client frames until the CloseStream control message
// or a read failure.
func awaitCloseStream(conn *websocket.Conn) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage && strings.Contains(string(payload), "CloseStream") {
			return
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func collect(t *testing.T, stream ports.RecognitionStream, n int) []domain.RecognizerEvent {
	t.Helper()

	events := make([]domain.RecognizerEvent, 0, n)
	timeout := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				t.Fatalf("stream closed after %d events, wanted %d", len(events), n)
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("timed out after %d events, wanted %d", len(events), n)
		}
	}
	return events
}

func drain(t *testing.T, stream ports.RecognitionStream) []domain.RecognizerEvent {
	t.Helper()

	var events []domain.RecognizerEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(events))
		}
	}
}

func assertKinds(t *testing.T, events []domain.RecognizerEvent, want []domain.EventKind) {
	t.Helper()

	got := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		got = append(got, e.Kind)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
