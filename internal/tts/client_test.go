package tts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/protocol"
)

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		TTSAPIEndpoint:  endpoint,
		TTSModel:        "tts-1",
		TTSVoice:        "tara",
		TTSOutputFormat: "wav",
		TTSSpeed:        1.0,
		TTSTimeout:      5,
		TTSChunkSize:    1024,
		TTSCacheSize:    10,
	}
}

func testAudio(n int) []byte {
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = byte(i % 251)
	}
	return audio
}

// collect drains a stream and returns the chunks and terminal events seen
func collect(t *testing.T, events <-chan StreamEvent) (chunks [][]byte, terminals []StreamEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return chunks, terminals
			}
			switch ev.Kind {
			case EventChunk:
				chunks = append(chunks, ev.Chunk)
			default:
				terminals = append(terminals, ev)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for stream to terminate")
		}
	}
}

func concat(chunks [][]byte) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	return buf.Bytes()
}

func TestSynthesize_SendsSpeechRequest(t *testing.T) {
	audio := testAudio(64)
	var gotReq speechRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write(audio)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	got, err := client.Synthesize("hello world")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if !bytes.Equal(got, audio) {
		t.Error("Expected synthesized audio to match upstream body")
	}
	if gotReq.Model != "tts-1" || gotReq.Voice != "tara" || gotReq.ResponseFormat != "wav" {
		t.Errorf("Unexpected request payload: %+v", gotReq)
	}
	if gotReq.Input != "hello world" {
		t.Errorf("Expected input 'hello world', got %q", gotReq.Input)
	}
	if gotReq.Speed != 1.0 {
		t.Errorf("Expected speed 1.0, got %v", gotReq.Speed)
	}
}

func TestSynthesize_CacheIdempotence(t *testing.T) {
	audio := testAudio(256)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(audio)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))

	first, err := client.Synthesize("cached phrase")
	if err != nil {
		t.Fatalf("First Synthesize failed: %v", err)
	}
	second, err := client.Synthesize("cached phrase")
	if err != nil {
		t.Fatalf("Second Synthesize failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("Expected byte-identical output on warm cache")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected exactly 1 upstream call, got %d", n)
	}
}

func TestSynthesize_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	if _, err := client.Synthesize("boom"); err == nil {
		t.Error("Expected error for upstream 500")
	}
}

func TestStreamSynthesize_LosslessChunking(t *testing.T) {
	// 10000 bytes across 1024-byte chunks: chunking must be lossless and
	// order-preserving, with every chunk capped at the configured size
	audio := testAudio(10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(audio)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client := New(cfg)

	chunks, terminals := collect(t, client.StreamSynthesize("a long passage"))

	if len(terminals) != 1 || terminals[0].Kind != EventEnd {
		t.Fatalf("Expected exactly one EventEnd terminal, got %v", terminals)
	}
	if !bytes.Equal(concat(chunks), audio) {
		t.Error("Expected concatenated chunks to equal full audio")
	}
	if len(chunks) < 2 {
		t.Errorf("Expected multiple chunks for %d bytes, got %d", len(audio), len(chunks))
	}
	for i, c := range chunks {
		if len(c) > cfg.TTSChunkSize {
			t.Errorf("Chunk %d exceeds chunk size: %d", i, len(c))
		}
	}
}

func TestStreamSynthesize_ChunkedUpstream(t *testing.T) {
	audio := testAudio(8192)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("Response writer does not support flushing")
		}
		// Force chunked transfer encoding by flushing between writes
		for start := 0; start < len(audio); start += 2048 {
			end := start + 2048
			if end > len(audio) {
				end = len(audio)
			}
			w.Write(audio[start:end])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	chunks, terminals := collect(t, client.StreamSynthesize("chunked passage"))

	if len(terminals) != 1 || terminals[0].Kind != EventEnd {
		t.Fatalf("Expected exactly one EventEnd terminal, got %v", terminals)
	}
	if !bytes.Equal(concat(chunks), audio) {
		t.Error("Expected chunked path to be lossless")
	}
}

func TestStreamSynthesize_CacheHit(t *testing.T) {
	audio := testAudio(4000)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(audio)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	if _, err := client.Synthesize("warm phrase"); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	chunks, terminals := collect(t, client.StreamSynthesize("warm phrase"))

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected cache hit to avoid the network, got %d calls", n)
	}
	if !bytes.Equal(concat(chunks), audio) {
		t.Error("Expected cached stream to reproduce the full audio")
	}
	if len(terminals) != 1 || terminals[0].Kind != EventEnd {
		t.Fatalf("Expected exactly one EventEnd terminal, got %v", terminals)
	}
}

func TestStreamSynthesize_InterruptBeforeFirstChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write(testAudio(4096))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	events := client.StreamSynthesize("interrupted early")
	client.ResetState()

	chunks, terminals := collect(t, events)

	if len(chunks) != 0 {
		t.Errorf("Expected zero chunks after early interrupt, got %d", len(chunks))
	}
	if len(terminals) != 1 || terminals[0].Kind != EventEnd {
		t.Fatalf("Expected exactly one EventEnd terminal, got %v", terminals)
	}
}

func TestStreamSynthesize_InterruptMidStream(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write(testAudio(1024))
		flusher.Flush()
		<-released
		for i := 0; i < 8; i++ {
			w.Write(testAudio(1024))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	events := client.StreamSynthesize("interrupted midway")

	// Take the first chunk, then interrupt
	first := <-events
	if first.Kind != EventChunk {
		t.Fatalf("Expected first event to be a chunk, got %v", first.Kind)
	}
	client.ResetState()
	close(released)

	chunks, terminals := collect(t, events)

	// The boundary check permits at most the chunk already in flight
	if len(chunks) > 1 {
		t.Errorf("Expected at most one in-flight chunk after interrupt, got %d", len(chunks))
	}
	if len(terminals) != 1 || terminals[0].Kind != EventEnd {
		t.Fatalf("Expected exactly one EventEnd terminal, never two, got %v", terminals)
	}
}

func TestStreamSynthesize_UpstreamFailureIsExplicit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	chunks, terminals := collect(t, client.StreamSynthesize("failing"))

	if len(chunks) != 0 {
		t.Errorf("Expected zero chunks, got %d", len(chunks))
	}
	if len(terminals) != 1 || terminals[0].Kind != EventError {
		t.Fatalf("Expected exactly one EventError terminal, got %v", terminals)
	}
	if terminals[0].Err == nil {
		t.Error("Expected EventError to carry a cause")
	}
}

func TestStreamSynthesize_MidStreamAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write(testAudio(1024))
		flusher.Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	_, terminals := collect(t, client.StreamSynthesize("aborted"))

	if len(terminals) != 1 || terminals[0].Kind != EventError {
		t.Fatalf("Expected a mid-stream abort to surface as EventError, got %v", terminals)
	}
}

// frameRecorder captures frames pushed by StreamToConn
type frameRecorder struct {
	frames []protocol.Frame
}

func (r *frameRecorder) WriteFrame(f protocol.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func TestStreamToConn_FrameSequence(t *testing.T) {
	audio := testAudio(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(audio)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	rec := &frameRecorder{}

	if err := client.StreamToConn("hello", rec); err != nil {
		t.Fatalf("StreamToConn failed: %v", err)
	}

	if len(rec.frames) < 3 {
		t.Fatalf("Expected at least start+chunk+end, got %d frames", len(rec.frames))
	}
	if rec.frames[0].Type != protocol.TypeTTSStart {
		t.Errorf("Expected first frame tts_start, got %q", rec.frames[0].Type)
	}
	if rec.frames[len(rec.frames)-1].Type != protocol.TypeTTSEnd {
		t.Errorf("Expected last frame tts_end, got %q", rec.frames[len(rec.frames)-1].Type)
	}

	var assembled []byte
	for _, f := range rec.frames[1 : len(rec.frames)-1] {
		if f.Type != protocol.TypeTTSChunk {
			t.Fatalf("Expected tts_chunk between start and end, got %q", f.Type)
		}
		if f.Format != "wav" {
			t.Errorf("Expected chunk format 'wav', got %q", f.Format)
		}
		chunk, err := f.DecodeAudioChunk()
		if err != nil {
			t.Fatalf("Failed to decode chunk: %v", err)
		}
		assembled = append(assembled, chunk...)
	}
	if !bytes.Equal(assembled, audio) {
		t.Error("Expected assembled frames to equal the full audio")
	}
}

func TestStreamToConn_ErrorStillSendsEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))
	rec := &frameRecorder{}

	if err := client.StreamToConn("boom", rec); err == nil {
		t.Error("Expected StreamToConn to report the stream error")
	}

	sawError := false
	for _, f := range rec.frames {
		if f.Type == protocol.TypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("Expected an error frame on the wire")
	}
	if rec.frames[len(rec.frames)-1].Type != protocol.TypeTTSEnd {
		t.Error("Expected tts_end even after a stream error")
	}
}

func TestClient_ProcessingState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write(testAudio(64))
	}))
	defer srv.Close()

	client := New(testConfig(srv.URL))

	if client.IsProcessing() {
		t.Error("Expected not processing before any request")
	}

	if _, err := client.Synthesize("state check"); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if client.IsProcessing() {
		t.Error("Expected not processing after completion")
	}
	if client.LastProcessingDuration() <= 0 {
		t.Error("Expected a positive last processing duration")
	}
}

func TestResetState_SetsInterrupt(t *testing.T) {
	client := New(testConfig("http://localhost:0"))

	client.ResetState()
	if !client.Interrupt().Interrupted() {
		t.Error("Expected ResetState to set the interrupt signal")
	}
	if client.IsProcessing() {
		t.Error("Expected ResetState to clear the processing flag")
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name      string
		audioLen  int
		chunkSize int
		expected  int
	}{
		{"exact multiple", 4096, 1024, 4},
		{"remainder", 4100, 1024, 5},
		{"single", 100, 1024, 1},
		{"empty", 0, 1024, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio := testAudio(tt.audioLen)
			chunks := splitChunks(audio, tt.chunkSize)
			if len(chunks) != tt.expected {
				t.Errorf("Expected %d chunks, got %d", tt.expected, len(chunks))
			}
			if !bytes.Equal(concat(chunks), audio) {
				t.Error("Expected chunks to reassemble exactly")
			}
		})
	}
}
