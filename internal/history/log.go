package history

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/observability"
)

// updateBuffer bounds how far the renderer may fall behind before
// updates are dropped
const updateBuffer = 64

// EntryKind distinguishes conversation exchanges from error markers
type EntryKind int

const (
	EntryExchange EntryKind = iota
	EntryError
)

// Entry is one element of the conversation transcript. An exchange entry
// pairs a user utterance with its AI reply; either half may be missing
// while the turn is still in flight. Error entries carry no speaker.
type Entry struct {
	Kind    EntryKind
	User    string
	AI      string
	HasUser bool
	HasAI   bool
	Err     string
}

// UpdateKind tags a transcript update for the renderer
type UpdateKind int

const (
	UpdateUser UpdateKind = iota
	UpdateAI
	UpdateError
)

// Update is a single transcript delta delivered to the renderer in
// append order
type Update struct {
	Kind UpdateKind
	Text string
}

// Log is the append-only conversation transcript. Multiple turns may
// append concurrently; appends are mutex-serialized so an AI reply
// back-fills a stable "most recent open entry". Exactly one renderer
// consumes Updates.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	updates chan Update
	closed  bool
	logger  zerolog.Logger
}

// NewLog creates an empty transcript
func NewLog() *Log {
	return &Log{
		updates: make(chan Update, updateBuffer),
		logger:  observability.WithComponent("history"),
	}
}

// AppendUser records a user utterance as a new open exchange entry
func (l *Log) AppendUser(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		Kind:    EntryExchange,
		User:    text,
		HasUser: true,
	})
	l.publish(Update{Kind: UpdateUser, Text: text})
}

// AppendAI records an AI reply. It back-fills the most recent exchange
// entry still missing its AI half; when no such entry exists the reply
// stands alone. Matching is positional, so callers must not run turns
// against the same conversation concurrently.
func (l *Log) AppendAI(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if e.Kind == EntryExchange && e.HasUser && !e.HasAI {
			e.AI = text
			e.HasAI = true
			l.publish(Update{Kind: UpdateAI, Text: text})
			return
		}
	}

	l.entries = append(l.entries, Entry{
		Kind:  EntryExchange,
		AI:    text,
		HasAI: true,
	})
	l.publish(Update{Kind: UpdateAI, Text: text})
}

// AppendError records a speaker-free error marker
func (l *Log) AppendError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		Kind: EntryError,
		Err:  msg,
	})
	l.publish(Update{Kind: UpdateError, Text: msg})
}

// Entries returns a snapshot of the transcript
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	return snapshot
}

// Updates returns the renderer's update stream. The channel is closed
// by Close.
func (l *Log) Updates() <-chan Update {
	return l.updates
}

// Close ends the update stream. Idempotent. Appends after Close still
// land in the transcript but publish nothing.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.updates)
}

// publish hands an update to the renderer without blocking the turn.
// Caller holds the mutex.
func (l *Log) publish(u Update) {
	if l.closed {
		return
	}
	select {
	case l.updates <- u:
	default:
		l.logger.Warn().Msg("History renderer falling behind, dropping update")
	}
}
