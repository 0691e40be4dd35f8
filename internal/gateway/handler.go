// Package gateway hosts the backend side of the conversation: a websocket
// endpoint that accepts turn-initiating frames and answers with the
// transcription, reply, and synthesized-audio stages.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/protocol"
	"github.com/vocalisai/voice-session/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Development only; validate the origin before exposing this
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Speech is the slice of the synthesis client the gateway needs
type Speech interface {
	StreamToConn(text string, w tts.FrameWriter) error
	ResetState()
	IsProcessing() bool
}

// session is the state of one connected conversation client
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	speech      Speech
	responder   Responder
	transcriber Transcriber
	logger      zerolog.Logger
}

// WriteFrame sends one frame to the client. Serialized because turn
// goroutines and the read loop both write.
func (s *session) WriteFrame(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	observability.RecordFrame("out", string(f.Type))
	return nil
}

// HandleWS returns the websocket endpoint. Each connection gets its own
// session; a new utterance arriving while synthesis is still streaming
// interrupts that stream before the new turn starts.
func HandleWS(speech Speech, responder Responder, transcriber Transcriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		s := &session{
			conn:        conn,
			speech:      speech,
			responder:   responder,
			transcriber: transcriber,
			logger: observability.WithCorrelationID("").
				With().
				Str("component", "gateway").
				Str("remote", r.RemoteAddr).
				Logger(),
		}
		s.logger.Info().Msg("Conversation client connected")
		defer s.logger.Info().Msg("Conversation client disconnected")

		s.readLoop(r.Context())
	}
}

// readLoop keeps reading so interruptions land even while a turn is still
// streaming; turns themselves run on their own goroutine
func (s *session) readLoop(ctx context.Context) {
	var turns sync.WaitGroup
	defer turns.Wait()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Websocket read error")
			}
			// Release any in-flight synthesis before waiting it out
			s.speech.ResetState()
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rejecting undecodable frame")
			if werr := s.WriteFrame(protocol.NewError(fmt.Sprintf("bad frame: %v", err))); werr != nil {
				return
			}
			continue
		}
		observability.RecordFrame("in", string(f.Type))

		switch f.Type {
		case protocol.TypeTextMessage:
			s.interruptIfBusy()
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				s.runTextTurn(ctx, text)
			}(f.Text)

		case protocol.TypeAudio:
			audio, err := f.DecodeAudioData()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Rejecting undecodable audio payload")
				if werr := s.WriteFrame(protocol.NewError(fmt.Sprintf("bad audio payload: %v", err))); werr != nil {
					return
				}
				continue
			}
			s.interruptIfBusy()
			turns.Add(1)
			go func(audio []byte, supplement string) {
				defer turns.Done()
				s.runAudioTurn(ctx, audio, supplement)
			}(audio, f.SupplementaryText)

		default:
			s.logger.Warn().Str("type", string(f.Type)).Msg("Ignoring non-turn frame")
		}
	}
}

// interruptIfBusy stops an in-flight synthesis so the newer utterance wins
func (s *session) interruptIfBusy() {
	if s.speech.IsProcessing() {
		s.logger.Info().Msg("New utterance during synthesis, interrupting")
		s.speech.ResetState()
	}
}

func (s *session) runTextTurn(ctx context.Context, text string) {
	s.logger.Info().Int("text_len", len(text)).Msg("Text turn started")

	if err := s.WriteFrame(protocol.NewStatus("processing", nil)); err != nil {
		return
	}
	s.respond(ctx, text)
}

func (s *session) runAudioTurn(ctx context.Context, audio []byte, supplement string) {
	s.logger.Info().Int("audio_bytes", len(audio)).Msg("Audio turn started")

	if err := s.WriteFrame(protocol.NewStatus("transcribing", nil)); err != nil {
		return
	}

	transcript, err := s.transcriber.Transcribe(ctx, audio, supplement)
	if err != nil {
		s.logger.Error().Err(err).Msg("Transcription failed")
		observability.RecordError("transcribe", "gateway")
		s.WriteFrame(protocol.NewError(fmt.Sprintf("transcription failed: %v", err)))
		return
	}
	if err := s.WriteFrame(protocol.NewTranscription(transcript)); err != nil {
		return
	}

	s.respond(ctx, transcript)
}

// respond runs the reply and synthesis stages shared by both turn kinds
func (s *session) respond(ctx context.Context, text string) {
	reply, err := s.responder.Respond(ctx, text)
	if err != nil {
		s.logger.Error().Err(err).Msg("Responder failed")
		observability.RecordError("respond", "gateway")
		s.WriteFrame(protocol.NewError(fmt.Sprintf("response failed: %v", err)))
		return
	}
	if err := s.WriteFrame(protocol.NewLLMResponse(reply)); err != nil {
		return
	}

	if err := s.speech.StreamToConn(reply, s); err != nil {
		s.logger.Error().Err(err).Msg("Synthesis stream failed")
		observability.RecordError("synthesis", "gateway")
	}
}
