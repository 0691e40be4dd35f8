package tts

import "github.com/vocalisai/voice-session/internal/protocol"

// StreamEventKind discriminates the events of a synthesis stream
type StreamEventKind int

const (
	// EventChunk carries one audio fragment
	EventChunk StreamEventKind = iota

	// EventEnd is the terminal sentinel, emitted exactly once per stream,
	// on clean completion and on interrupt alike
	EventEnd

	// EventError is the terminal event of a failed stream
	EventError
)

// StreamEvent is one element of a synthesis stream. A stream is a finite
// sequence of zero or more chunk events followed by exactly one terminal
// event (EventEnd or EventError).
type StreamEvent struct {
	Kind  StreamEventKind
	Chunk []byte
	Err   error
}

// FrameWriter pushes protocol frames toward a connected client
type FrameWriter interface {
	WriteFrame(frame protocol.Frame) error
}
