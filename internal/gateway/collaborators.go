package gateway

import (
	"context"
	"fmt"
)

// Responder produces the reply text for a user utterance. The real
// implementation lives behind this seam; the gateway only needs text back.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Transcriber turns raw audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, supplement string) (string, error)
}

// EchoResponder answers every utterance by reflecting it back. Stands in
// for a language model during development and tests.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, text string) (string, error) {
	return fmt.Sprintf("You said: %s", text), nil
}

// StaticTranscriber resolves a transcript without running speech
// recognition: the supplementary text travels with the audio frame and is
// used verbatim when present
type StaticTranscriber struct{}

func (StaticTranscriber) Transcribe(_ context.Context, _ []byte, supplement string) (string, error) {
	if supplement != "" {
		return supplement, nil
	}
	return "(no transcription available)", nil
}
