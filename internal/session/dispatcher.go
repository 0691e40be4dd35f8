package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/history"
	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/protocol"
)

const (
	stageChannelBuffer = 8
	audioChannelBuffer = 64
)

// AudioEventKind tags an element of the audio stage channel
type AudioEventKind int

const (
	AudioChunk AudioEventKind = iota
	AudioEnd
)

// AudioEvent is one element of the audio stage stream: a decoded chunk or
// the terminal sentinel
type AudioEvent struct {
	Kind  AudioEventKind
	Chunk []byte
}

// Dispatcher is the single reader of the backend connection. It runs one
// long-lived loop, polling the manager for a connection with fixed backoff
// when disconnected, and routes each inbound frame by kind into the
// per-stage channel the coordinator waits on. Read errors reset the
// connection and the loop keeps going; only context cancellation stops it.
type Dispatcher struct {
	manager      *Manager
	history      *history.Log
	pollInterval time.Duration
	logger       zerolog.Logger

	transcripts chan string
	replies     chan string
	audio       chan AudioEvent
}

// NewDispatcher creates a dispatcher routing into fresh stage channels
func NewDispatcher(m *Manager, hist *history.Log, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		manager:      m,
		history:      hist,
		pollInterval: cfg.PollInterval(),
		logger:       observability.WithComponent("dispatcher"),
		transcripts:  make(chan string, stageChannelBuffer),
		replies:      make(chan string, stageChannelBuffer),
		audio:        make(chan AudioEvent, audioChannelBuffer),
	}
}

// Transcripts is the transcription stage channel
func (d *Dispatcher) Transcripts() <-chan string {
	return d.transcripts
}

// Replies is the reply text stage channel
func (d *Dispatcher) Replies() <-chan string {
	return d.replies
}

// Audio is the audio stage channel
func (d *Dispatcher) Audio() <-chan AudioEvent {
	return d.audio
}

// Run reads and routes frames until ctx is cancelled. It must be awaited
// before the manager's connection is closed for good, so the socket never
// has a concurrent reader while shutting down.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Msg("Dispatcher started")
	defer d.logger.Info().Msg("Dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		conn := d.manager.Current()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.readConn(ctx, conn)
	}
}

// readConn reads one connection until it fails or ctx is cancelled. A
// watcher resets the connection on cancel so the blocking read cannot
// outlive the loop on an idle socket.
func (d *Dispatcher) readConn(ctx context.Context, conn *websocket.Conn) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			d.manager.Reset(conn)
		case <-watchDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn().Err(err).Msg("Read failed, resetting connection")
			d.manager.Reset(conn)
			return
		}

		if !d.route(ctx, data) {
			return
		}
	}
}

// route decodes one raw frame and delivers it. Returns false only when ctx
// was cancelled while delivering.
func (d *Dispatcher) route(ctx context.Context, data []byte) bool {
	f, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Dropping undecodable frame")
		observability.RecordError("decode", "dispatcher")
		return true
	}

	observability.RecordFrame("in", string(f.Type))

	switch f.Type {
	case protocol.TypeTranscription:
		return d.deliverText(ctx, d.transcripts, f.Text)

	case protocol.TypeLLMResponse:
		return d.deliverText(ctx, d.replies, f.Text)

	case protocol.TypeTTSChunk:
		chunk, err := f.DecodeAudioChunk()
		if err != nil {
			d.logger.Warn().Err(err).Msg("Dropping undecodable audio chunk")
			observability.RecordError("decode", "dispatcher")
			return true
		}
		return d.deliverAudio(ctx, AudioEvent{Kind: AudioChunk, Chunk: chunk})

	case protocol.TypeTTSEnd:
		return d.deliverAudio(ctx, AudioEvent{Kind: AudioEnd})

	case protocol.TypeTTSStart:
		d.logger.Debug().Msg("Audio stream starting")

	case protocol.TypeStatus:
		d.logger.Info().Str("status", f.Status).RawJSON("data", nonEmptyJSON(f.Data)).Msg("Backend status")

	case protocol.TypeError:
		d.logger.Error().Str("message", f.Error).Msg("Backend reported error")
		d.history.AppendError(f.Error)

	default:
		// Outbound kinds are never expected inbound
		d.logger.Warn().Str("type", string(f.Type)).Msg("Ignoring unexpected frame kind")
	}
	return true
}

func (d *Dispatcher) deliverText(ctx context.Context, ch chan<- string, text string) bool {
	select {
	case ch <- text:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) deliverAudio(ctx context.Context, ev AudioEvent) bool {
	select {
	case d.audio <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func nonEmptyJSON(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
