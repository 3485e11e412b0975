package usecase

import (
	"sync/atomic"

	"voxrelay/internal/domain"
	"voxrelay/internal/ports"
)

// forwardRecognizerEvents relays engine events to the session controller
// until the stream closes, noting when speech has begun.
func forwardRecognizerEvents(
	stream ports.RecognitionStream,
	events ports.EventDispatcher,
	heardSpeech *atomic.Bool,
	done chan struct{},
) {
	defer close(done)

	for event := range stream.Events() {
		if event.Kind == domain.EventBeginningOfSpeech {
			heardSpeech.Store(true)
		}
		events.Dispatch(event)
	}
}
