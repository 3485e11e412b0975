package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

// startupProbe is how long ffmpeg must stay alive before the microphone is
// considered open.
const startupProbe = 250 * time.Millisecond

// Microphone streams s16le PCM from the default input device through an
// ffmpeg child process.
type Microphone struct {
	command string
	logger  *slog.Logger
}

func NewMicrophone(command string, logger *slog.Logger) *Microphone {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{command: command, logger: logger}
}

// Start opens the microphone. Failures carry the recognizer error code the
// speech session should report.
func (m *Microphone) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withDefaults(cfg)

	cmd := exec.CommandContext(ctx, m.command, ffmpegArgs(cfg)...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.RecognizerFailure{Code: domain.ErrorAudio, Err: fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		code := domain.ErrorAudio
		if errors.Is(err, os.ErrPermission) {
			code = domain.ErrorInsufficientPermissions
		}
		return nil, &domain.RecognizerFailure{Code: code, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		diagnostics := strings.TrimSpace(stderr.String())
		failure := &domain.RecognizerFailure{Code: classifyDiagnostics(diagnostics)}
		if err != nil {
			failure.Err = fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, diagnostics)
		} else {
			failure.Err = errors.New("ffmpeg exited before capture started")
		}
		return nil, failure
	case <-time.After(startupProbe):
	}

	m.logger.Debug("microphone opened", "format", cfg.InputFormat, "device", cfg.InputDevice, "sample_rate", cfg.SampleRate)
	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func withDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func ffmpegArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// classifyDiagnostics maps ffmpeg's stderr to a recognizer error code.
func classifyDiagnostics(stderr string) domain.RecognizerErrorCode {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"):
		return domain.ErrorInsufficientPermissions
	case strings.Contains(lower, "device or resource busy"):
		return domain.ErrorRecognizerBusy
	default:
		return domain.ErrorAudio
	}
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg, escalating to kill if it does not exit promptly.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil {
			if diagnostics := strings.TrimSpace(s.stderr.String()); diagnostics != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, diagnostics)
			}
		}
	})

	return s.stopErr
}

// normalizeStopErr ignores the non-zero exit ffmpeg reports when interrupted.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer is written by the exec copier goroutine and read by Stop.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
