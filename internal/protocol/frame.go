// Package protocol defines the websocket wire contract between the
// conversation client and the backend. Frames are decoded exactly once at
// the transport boundary; components past this point only see typed values.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the frame kinds carried over the connection
type Type string

const (
	// Outbound (client -> backend)
	TypeAudio       Type = "audio"        // begins an audio turn
	TypeTextMessage Type = "text_message" // begins a text turn

	// Inbound (backend -> client)
	TypeTranscription Type = "transcription"
	TypeLLMResponse   Type = "llm_response"
	TypeTTSStart      Type = "tts_start"
	TypeTTSChunk      Type = "tts_chunk"
	TypeTTSEnd        Type = "tts_end"
	TypeStatus        Type = "status"
	TypeError         Type = "error"
)

// ErrUnknownType is returned when a frame carries a type outside the contract
var ErrUnknownType = errors.New("unknown frame type")

// Frame is the closed set of messages exchanged over the connection.
// Field names match the wire format; unused fields stay empty per kind.
type Frame struct {
	Type Type `json:"type"`

	// audio
	AudioData         string `json:"audio_data,omitempty"`
	SupplementaryText string `json:"supplementary_text,omitempty"`

	// text_message, transcription, llm_response
	Text string `json:"text,omitempty"`

	// tts_chunk
	AudioChunk string `json:"audio_chunk,omitempty"`
	Format     string `json:"format,omitempty"`

	// status
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

var knownTypes = map[Type]bool{
	TypeAudio:         true,
	TypeTextMessage:   true,
	TypeTranscription: true,
	TypeLLMResponse:   true,
	TypeTTSStart:      true,
	TypeTTSChunk:      true,
	TypeTTSEnd:        true,
	TypeStatus:        true,
	TypeError:         true,
}

// Decode parses a raw frame and rejects types outside the contract
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if !knownTypes[f.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return &f, nil
}

// Encode serializes a frame for the wire
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NewAudioTurn builds the frame that begins an audio turn
func NewAudioTurn(audio []byte, supplementaryText string) Frame {
	return Frame{
		Type:              TypeAudio,
		AudioData:         base64.StdEncoding.EncodeToString(audio),
		SupplementaryText: supplementaryText,
	}
}

// NewTextTurn builds the frame that begins a text turn
func NewTextTurn(text string) Frame {
	return Frame{Type: TypeTextMessage, Text: text}
}

// NewTranscription builds a transcription result frame
func NewTranscription(text string) Frame {
	return Frame{Type: TypeTranscription, Text: text}
}

// NewLLMResponse builds a reply text frame
func NewLLMResponse(text string) Frame {
	return Frame{Type: TypeLLMResponse, Text: text}
}

// NewTTSStart builds the frame announcing the start of an audio stream
func NewTTSStart() Frame {
	return Frame{Type: TypeTTSStart}
}

// NewTTSChunk builds one audio fragment frame
func NewTTSChunk(chunk []byte, format string) Frame {
	return Frame{
		Type:       TypeTTSChunk,
		AudioChunk: base64.StdEncoding.EncodeToString(chunk),
		Format:     format,
	}
}

// NewTTSEnd builds the terminal sentinel frame for an audio stream
func NewTTSEnd() Frame {
	return Frame{Type: TypeTTSEnd}
}

// NewStatus builds an informational status frame
func NewStatus(status string, data json.RawMessage) Frame {
	return Frame{Type: TypeStatus, Status: status, Data: data}
}

// NewError builds an error frame
func NewError(message string) Frame {
	return Frame{Type: TypeError, Error: message}
}

// DecodeAudioData returns the decoded audio payload of an audio frame
func (f *Frame) DecodeAudioData() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode audio_data: %w", err)
	}
	return data, nil
}

// DecodeAudioChunk returns the decoded audio payload of a tts_chunk frame
func (f *Frame) DecodeAudioChunk() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.AudioChunk)
	if err != nil {
		return nil, fmt.Errorf("decode audio_chunk: %w", err)
	}
	return data, nil
}
