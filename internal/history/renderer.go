package history

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/observability"
)

// Renderer is the transcript's single consumer. It drains the log's
// update stream and writes a plain-text view; it owns no conversation
// logic and never mutates the log.
type Renderer struct {
	log    *Log
	w      io.Writer
	logger zerolog.Logger
}

// NewRenderer creates a renderer writing to w
func NewRenderer(log *Log, w io.Writer) *Renderer {
	return &Renderer{
		log:    log,
		w:      w,
		logger: observability.WithComponent("renderer"),
	}
}

// Run consumes updates until the stream is closed or ctx is cancelled
func (r *Renderer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-r.log.Updates():
			if !ok {
				return
			}
			r.render(u)
		}
	}
}

func (r *Renderer) render(u Update) {
	var err error
	switch u.Kind {
	case UpdateUser:
		_, err = fmt.Fprintf(r.w, "You: %s\n", u.Text)
	case UpdateAI:
		_, err = fmt.Fprintf(r.w, "AI: %s\n", u.Text)
	case UpdateError:
		_, err = fmt.Fprintf(r.w, "[error] %s\n", u.Text)
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to render history update")
	}
}
