package usecase

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

// pumpAudioChunks streams PCM from the microphone to the recognizer and
// reports the input level of every chunk. Read failures that happen while
// the capture is not being stopped are reported as audio errors.
func pumpAudioChunks(
	audio ports.AudioSession,
	stream ports.RecognitionStream,
	chunkSize int,
	events ports.EventDispatcher,
	stopping *atomic.Bool,
	done chan struct{},
) {
	defer close(done)

	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			events.Dispatch(domain.VolumeChanged(levelDB(buf[:n])))
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				// The stream reports its own failure through its events.
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !stopping.Load() {
				events.Dispatch(domain.RecognizerError(domain.ErrorAudio))
				_ = stream.Close()
			}
			return
		}
	}
}

// levelDB returns the RMS level of little-endian 16-bit PCM in dBFS, floored
// at -120.
func levelDB(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return -120
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(samples))
	if rms == 0 {
		return -120
	}
	return math.Max(20*math.Log10(rms), -120)
}

func waitForStream(session ports.RecognitionStream, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
