package tts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/protocol"
)

// speechRequest is the request payload for the OpenAI-format speech endpoint
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// Client talks to an OpenAI-format speech synthesis endpoint. It presents a
// uniform chunk stream to callers whether or not the upstream supports
// chunked transfer, and every stream it produces is interruptible at chunk
// boundaries through the shared InterruptSignal.
type Client struct {
	endpoint  string
	model     string
	voice     string
	format    string
	speed     float64
	chunkSize int

	httpClient *http.Client
	cache      *Cache
	interrupt  *InterruptSignal
	logger     zerolog.Logger

	mu           sync.Mutex
	isProcessing bool
	lastDuration time.Duration
}

// New creates a synthesis client from configuration
func New(cfg *config.Config) *Client {
	return &Client{
		endpoint:   cfg.TTSAPIEndpoint,
		model:      cfg.TTSModel,
		voice:      cfg.TTSVoice,
		format:     cfg.TTSOutputFormat,
		speed:      cfg.TTSSpeed,
		chunkSize:  cfg.TTSChunkSize,
		httpClient: &http.Client{Timeout: cfg.TTSRequestTimeout()},
		cache:      NewCache(cfg.TTSCacheSize),
		interrupt:  NewInterruptSignal(),
		logger:     observability.WithComponent("tts"),
	}
}

// Synthesize converts text to a complete audio blob, serving repeated
// phrases from the cache without touching the network
func (c *Client) Synthesize(text string) ([]byte, error) {
	start := time.Now()
	c.setProcessing(true)
	defer func() {
		c.finishProcessing(start)
	}()

	if audio, ok := c.cache.Get(text); ok {
		c.logger.Debug().Int("text_len", len(text)).Msg("TTS cache hit")
		return audio, nil
	}

	timer := observability.StartTTSTimer()

	resp, err := c.post(text)
	if err != nil {
		timer.Observe(false)
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		timer.Observe(false)
		return nil, fmt.Errorf("read TTS response: %w", err)
	}

	c.cache.Put(text, audio)
	timer.Observe(true)

	c.logger.Debug().
		Int("text_len", len(text)).
		Int("audio_bytes", len(audio)).
		Msg("TTS synthesis complete")

	return audio, nil
}

// StreamSynthesize converts text to a finite chunk stream. The blocking
// network work runs on its own goroutine; results reach the caller only
// through the returned channel, which always ends with exactly one
// terminal event. The stream is not restartable.
func (c *Client) StreamSynthesize(text string) <-chan StreamEvent {
	events := make(chan StreamEvent, 8)

	if audio, ok := c.cache.Get(text); ok {
		// Cache hit never touches the network or the interrupt signal
		go func() {
			defer close(events)
			for _, chunk := range splitChunks(audio, c.chunkSize) {
				events <- StreamEvent{Kind: EventChunk, Chunk: chunk}
			}
			events <- StreamEvent{Kind: EventEnd}
		}()
		return events
	}

	// A new streaming request is the only place the signal is cleared
	c.interrupt.Clear()
	c.setProcessing(true)

	go func() {
		start := time.Now()
		defer close(events)
		defer c.finishProcessing(start)

		c.run(text, events)
	}()

	return events
}

// run performs the upstream request and forwards chunks until the stream
// ends, fails, or the interrupt signal is observed at a chunk boundary
func (c *Client) run(text string, events chan<- StreamEvent) {
	timer := observability.StartTTSTimer()

	resp, err := c.post(text)
	if err != nil {
		timer.Observe(false)
		c.logger.Error().Err(err).Msg("TTS streaming request failed")
		events <- StreamEvent{Kind: EventError, Err: err}
		return
	}
	defer resp.Body.Close()

	if c.interrupt.Interrupted() {
		timer.Observe(true)
		observability.RecordTTSInterrupt()
		c.logger.Info().Msg("TTS stream interrupted before first chunk")
		events <- StreamEvent{Kind: EventEnd}
		return
	}

	var forwardErr error
	if isChunked(resp) {
		forwardErr = c.forwardChunked(resp.Body, events)
	} else {
		forwardErr = c.forwardBuffered(resp.Body, events)
	}

	if forwardErr != nil {
		timer.Observe(false)
		c.logger.Error().Err(forwardErr).Msg("TTS stream aborted")
		events <- StreamEvent{Kind: EventError, Err: forwardErr}
		return
	}

	timer.Observe(true)
	if c.interrupt.Interrupted() {
		observability.RecordTTSInterrupt()
		c.logger.Info().Msg("TTS stream interrupted")
	}
	events <- StreamEvent{Kind: EventEnd}
}

// forwardChunked relays a chunked upstream body, capping reads at the
// configured chunk size. Returns nil when the body is exhausted or the
// interrupt signal stopped the stream.
func (c *Client) forwardChunked(body io.Reader, events chan<- StreamEvent) error {
	buf := make([]byte, c.chunkSize)
	for {
		if c.interrupt.Interrupted() {
			return nil
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			events <- StreamEvent{Kind: EventChunk, Chunk: chunk}

			// Second check right after forwarding keeps interrupt
			// latency to one chunk
			if c.interrupt.Interrupted() {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read TTS stream: %w", err)
		}
	}
}

// forwardBuffered reads a non-chunked body whole and re-slices it so
// callers cannot tell the two upstream modes apart
func (c *Client) forwardBuffered(body io.Reader, events chan<- StreamEvent) error {
	audio, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read TTS response: %w", err)
	}

	for _, chunk := range splitChunks(audio, c.chunkSize) {
		if c.interrupt.Interrupted() {
			return nil
		}
		events <- StreamEvent{Kind: EventChunk, Chunk: chunk}
		if c.interrupt.Interrupted() {
			return nil
		}
	}
	return nil
}

// StreamToConn streams synthesized audio to a connected client as
// tts_start / tts_chunk / tts_end frames. The tts_end sentinel is sent even
// when the stream is interrupted or fails, so the far side never waits
// forever; stream failures additionally surface as an error frame.
func (c *Client) StreamToConn(text string, w FrameWriter) error {
	c.logger.Info().Int("text_len", len(text)).Msg("Starting TTS stream")

	events := c.StreamSynthesize(text)

	if err := w.WriteFrame(protocol.NewTTSStart()); err != nil {
		c.drain(events)
		return fmt.Errorf("send tts_start: %w", err)
	}

	var streamErr error
loop:
	for ev := range events {
		switch ev.Kind {
		case EventChunk:
			if err := w.WriteFrame(protocol.NewTTSChunk(ev.Chunk, c.format)); err != nil {
				// Peer is gone; stop the producer at its next boundary
				c.interrupt.Set()
				streamErr = fmt.Errorf("send tts_chunk: %w", err)
				break loop
			}
		case EventError:
			streamErr = ev.Err
			if err := w.WriteFrame(protocol.NewError(fmt.Sprintf("TTS error: %v", ev.Err))); err != nil {
				c.logger.Error().Err(err).Msg("Failed to send TTS error frame")
			}
		case EventEnd:
		}
	}
	c.drain(events)

	if err := w.WriteFrame(protocol.NewTTSEnd()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send tts_end")
	}

	return streamErr
}

// ResetState forcibly preempts any in-flight synthesis: the interrupt
// signal is raised and the processing flag cleared unconditionally
func (c *Client) ResetState() {
	c.logger.Info().Msg("Forcibly resetting TTS client state")
	c.interrupt.Set()
	c.mu.Lock()
	c.isProcessing = false
	c.mu.Unlock()
}

// IsProcessing reports whether a request is between start and terminal outcome
func (c *Client) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isProcessing
}

// LastProcessingDuration returns the duration of the last completed request
func (c *Client) LastProcessingDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDuration
}

// Interrupt exposes the shared interrupt signal
func (c *Client) Interrupt() *InterruptSignal {
	return c.interrupt
}

// CacheStats returns cache hit and miss counts
func (c *Client) CacheStats() (hits, misses int64) {
	return c.cache.Stats()
}

func (c *Client) post(text string) (*http.Response, error) {
	payload := speechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: c.format,
		Speed:          c.speed,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal TTS request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create TTS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("TTS API returned status %d", resp.StatusCode)
	}

	return resp, nil
}

func (c *Client) setProcessing(v bool) {
	c.mu.Lock()
	c.isProcessing = v
	c.mu.Unlock()
}

func (c *Client) finishProcessing(start time.Time) {
	c.mu.Lock()
	c.isProcessing = false
	c.lastDuration = time.Since(start)
	c.mu.Unlock()
}

func (c *Client) drain(events <-chan StreamEvent) {
	for range events {
	}
}

// isChunked reports whether the upstream answered with chunked transfer
func isChunked(resp *http.Response) bool {
	for _, enc := range resp.TransferEncoding {
		if enc == "chunked" {
			return true
		}
	}
	return false
}

// splitChunks slices audio into fixed-size chunks, preserving order
func splitChunks(audio []byte, size int) [][]byte {
	if size <= 0 || len(audio) == 0 {
		if len(audio) == 0 {
			return nil
		}
		return [][]byte{audio}
	}

	chunks := make([][]byte, 0, (len(audio)+size-1)/size)
	for start := 0; start < len(audio); start += size {
		end := start + size
		if end > len(audio) {
			end = len(audio)
		}
		chunks = append(chunks, audio[start:end])
	}
	return chunks
}
