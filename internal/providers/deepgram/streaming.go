package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	// UtteranceEndMS is the silence gap after which Deepgram reports the end
	// of an utterance.
	UtteranceEndMS int
}

// Provider implements ports.RecognitionEngine for Deepgram live streaming.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.UtteranceEndMS <= 0 {
		cfg.UtteranceEndMS = 1000
	}
	return &Provider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *Provider) StartRecognition(ctx context.Context, cfg ports.RecognitionConfig) (ports.RecognitionStream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, &domain.RecognizerFailure{
			Code: domain.ErrorClient,
			Err:  errors.New("DEEPGRAM_API_KEY is not configured"),
		}
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, &domain.RecognizerFailure{Code: domain.ErrorClient, Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, &domain.RecognizerFailure{
			Code: classifyDialError(resp, err),
			Err:  fmt.Errorf("failed to connect to Deepgram websocket: %w", err),
		}
	}

	session := &streamingSession{
		conn:     conn,
		events:   make(chan domain.RecognizerEvent, 64),
		audio:    make(chan []byte, 32),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	session.events <- domain.Ready()

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type streamingSession struct {
	conn *websocket.Conn

	events   chan domain.RecognizerEvent
	audio    chan []byte
	done     chan struct{}
	closing  chan struct{}
	readDone chan struct{}
	aborted  atomic.Bool

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	// The read lock keeps CloseSend from closing the channel mid-send.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.closing:
		return errors.New("session closed")
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

// CloseSend asks Deepgram to flush; the final result arrives before the
// event channel closes.
func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.RecognizerEvent {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close drops the connection without delivering any pending result.
func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		s.aborted.Store(true)
		close(s.closing)
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || isNormalClose(err) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				s.sendCloseStream()
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				if !s.aborted.Load() {
					s.setErr(fmt.Errorf("failed to send audio: %w", err))
				}
				return
			}
		case <-s.readDone:
			// The provider hung up; nothing more will be recognized.
			return
		}
	}
}

func (s *streamingSession) sendCloseStream() {
	if s.aborted.Load() {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	var utterance utteranceState
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.aborted.Load() {
				return
			}
			s.flush(&utterance)
			if !isNormalClose(err) {
				s.setErr(fmt.Errorf("failed to read provider event: %w", err))
				s.emit(domain.RecognizerError(classifyReadError(err)))
				return
			}
			if !utterance.delivered {
				s.emit(domain.RecognizerError(domain.ErrorNoMatch))
			}
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		switch {
		case strings.EqualFold(response.Type, "Error"):
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = strings.TrimSpace(response.Description)
			}
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			s.emit(domain.RecognizerError(domain.ErrorServer))
			return

		case strings.EqualFold(response.Type, "SpeechStarted"):
			s.beginSpeech(&utterance)

		case strings.EqualFold(response.Type, "UtteranceEnd"):
			s.flush(&utterance)

		default:
			alternatives := extractAlternatives(response)
			if len(alternatives) == 0 {
				if response.SpeechFinal {
					s.flush(&utterance)
				}
				continue
			}
			s.beginSpeech(&utterance)
			if !response.IsFinal && !response.SpeechFinal {
				s.emit(domain.PartialResult(alternatives...))
				continue
			}
			utterance.segments = append(utterance.segments, alternatives)
			if response.SpeechFinal {
				s.flush(&utterance)
			}
		}
	}
}

// utteranceState tracks the utterance being recognized. It is owned by the
// read loop.
type utteranceState struct {
	speaking  bool
	segments  [][]string
	delivered bool
}

func (s *streamingSession) beginSpeech(u *utteranceState) {
	if u.speaking {
		return
	}
	u.speaking = true
	s.emit(domain.BeginningOfSpeech())
}

func (s *streamingSession) flush(u *utteranceState) {
	if len(u.segments) == 0 {
		return
	}
	s.emit(domain.EndOfSpeech())
	s.emit(domain.Result(rankCandidates(u.segments)...))
	u.segments = nil
	u.speaking = false
	u.delivered = true
}

func (s *streamingSession) emit(event domain.RecognizerEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

// rankCandidates joins final segments into whole-utterance candidates. The
// n-th candidate uses each segment's n-th alternative, falling back to the
// segment's best one.
func rankCandidates(segments [][]string) []string {
	width := 0
	for _, alts := range segments {
		width = max(width, len(alts))
	}

	seen := make(map[string]struct{}, width)
	candidates := make([]string, 0, width)
	for i := 0; i < width; i++ {
		parts := make([]string, 0, len(segments))
		for _, alts := range segments {
			if i < len(alts) {
				parts = append(parts, alts[i])
			} else {
				parts = append(parts, alts[0])
			}
		}
		candidate := strings.Join(parts, " ")
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	return candidates
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

func extractAlternatives(response deepgramResponse) []string {
	out := make([]string, 0, len(response.Channel.Alternatives))
	for _, alt := range response.Channel.Alternatives {
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func classifyDialError(resp *http.Response, err error) domain.RecognizerErrorCode {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return domain.ErrorInsufficientPermissions
		case resp.StatusCode == http.StatusTooManyRequests:
			return domain.ErrorRecognizerBusy
		case resp.StatusCode >= 500:
			return domain.ErrorServer
		case resp.StatusCode >= 400:
			return domain.ErrorClient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorNetworkTimeout
	}
	return domain.ErrorNetwork
}

func classifyReadError(err error) domain.RecognizerErrorCode {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.ClosePolicyViolation:
			return domain.ErrorInsufficientPermissions
		case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
			return domain.ErrorServer
		case websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData:
			return domain.ErrorClient
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorNetworkTimeout
	}
	return domain.ErrorNetwork
}

func buildListenURL(providerCfg Config, streamCfg ports.RecognitionConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	if streamCfg.Alternatives <= 0 {
		streamCfg.Alternatives = 1
	}
	// Deepgram only reports utterance ends alongside interim results.
	utteranceEnd := providerCfg.UtteranceEndMS
	if utteranceEnd <= 0 {
		utteranceEnd = 1000
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
	query.Set("channels", strconv.Itoa(streamCfg.Channels))
	query.Set("alternatives", strconv.Itoa(streamCfg.Alternatives))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("vad_events", "true")
	if streamCfg.InterimResults {
		query.Set("utterance_end_ms", strconv.Itoa(utteranceEnd))
	}
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if providerCfg.Language != "" {
		query.Set("language", providerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
