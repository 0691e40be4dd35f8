package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/history"
	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/protocol"
)

// Stage timeout placeholders. Timeouts are non-fatal; the turn proceeds
// with these standing in for the missing stage result.
const (
	transcriptTimeoutText = "Transcription timed out."
	replyTimeoutText      = "AI response timed out."
	audioTimeoutNote      = "(Audio timed out)"
	audioMissingNote      = "(Audio not received)"
)

// Status is the terminal state of a turn
type Status int

const (
	StatusPending Status = iota
	StatusPartial
	StatusComplete
	StatusTimedOut
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	case StatusTimedOut:
		return "timed_out"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Result is everything a finished turn produced
type Result struct {
	Status     Status
	Transcript string
	Reply      string
	Audio      []byte
}

// Coordinator drives one conversational turn at a time: it sends the
// turn-initiating frame, then walks the stage channels in order, each wait
// bounded by an even slice of the turn's timeout budget. Turns are
// serialized so history back-fill never interleaves.
type Coordinator struct {
	manager    *Manager
	dispatcher *Dispatcher
	history    *history.Log
	logger     zerolog.Logger

	audioBudget time.Duration
	textBudget  time.Duration

	turnMu chan struct{}
}

// NewCoordinator creates a coordinator over an existing manager and
// dispatcher pair
func NewCoordinator(m *Manager, d *Dispatcher, hist *history.Log, cfg *config.Config) *Coordinator {
	c := &Coordinator{
		manager:     m,
		dispatcher:  d,
		history:     hist,
		logger:      observability.WithComponent("coordinator"),
		audioBudget: cfg.AudioTurnBudget(),
		textBudget:  cfg.TextTurnBudget(),
		turnMu:      make(chan struct{}, 1),
	}
	c.turnMu <- struct{}{}
	return c
}

// SubmitText runs a text turn: send, await reply, await audio. The budget
// splits across the two stages.
func (c *Coordinator) SubmitText(ctx context.Context, text string) (*Result, error) {
	if err := c.acquireTurn(ctx); err != nil {
		return nil, err
	}
	defer c.releaseTurn()

	return c.runTurn(ctx, func(ctx context.Context, res *Result, logger zerolog.Logger) error {
		c.history.AppendUser(text)

		if err := c.manager.Send(ctx, protocol.NewTextTurn(text)); err != nil {
			c.history.AppendError(fmt.Sprintf("Failed to reach backend: %v", err))
			res.Status = StatusErrored
			return err
		}

		stage := c.textBudget / 2
		c.awaitReplyAndAudio(ctx, res, stage, false, logger)
		return nil
	})
}

// SubmitAudio runs an audio turn: send, await transcript, await reply,
// await audio. The budget splits across the three stages. The user history
// entry is appended once the transcript resolves, so the transcript (or
// its timeout placeholder) is what the transcript shows.
func (c *Coordinator) SubmitAudio(ctx context.Context, audio []byte, supplement string) (*Result, error) {
	if err := c.acquireTurn(ctx); err != nil {
		return nil, err
	}
	defer c.releaseTurn()

	return c.runTurn(ctx, func(ctx context.Context, res *Result, logger zerolog.Logger) error {
		if err := c.manager.Send(ctx, protocol.NewAudioTurn(audio, supplement)); err != nil {
			c.history.AppendError(fmt.Sprintf("Failed to reach backend: %v", err))
			res.Status = StatusErrored
			return err
		}

		stage := c.audioBudget / 3

		transcript, ok, err := c.awaitText(ctx, c.dispatcher.Transcripts(), stage)
		if err != nil {
			return err
		}
		transcriptTimedOut := false
		if !ok {
			logger.Warn().Msg("Transcription stage timed out")
			observability.RecordStageTimeout("transcript")
			transcript = transcriptTimeoutText
			transcriptTimedOut = true
		}
		res.Transcript = transcript
		c.history.AppendUser(transcript)

		c.awaitReplyAndAudio(ctx, res, stage, transcriptTimedOut, logger)
		return nil
	})
}

// runTurn wraps one turn with stale-channel draining, metrics, and panic
// containment. A panic becomes a single history error entry and kills only
// this turn.
func (c *Coordinator) runTurn(ctx context.Context, turn func(context.Context, *Result, zerolog.Logger) error) (res *Result, err error) {
	start := time.Now()
	logger := c.logger.With().Str("correlation_id", observability.NewCorrelationID()).Logger()

	observability.RecordTurnStart()
	res = &Result{Status: StatusPending}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Turn panicked")
			observability.RecordError("panic", "coordinator")
			c.history.AppendError(fmt.Sprintf("Turn failed: %v", r))
			res.Status = StatusErrored
			err = fmt.Errorf("turn panic: %v", r)
		}
		observability.RecordTurnEnd(res.Status.String(), time.Since(start))
		logger.Info().
			Str("status", res.Status.String()).
			Dur("duration", time.Since(start)).
			Msg("Turn finished")
	}()

	c.drainStale()

	if err := turn(ctx, res, logger); err != nil {
		if res.Status == StatusPending {
			res.Status = StatusErrored
		}
		return res, err
	}
	return res, nil
}

// awaitReplyAndAudio runs the reply and audio stages shared by both turn
// kinds, reconciles the AI history entry, and settles the final status
func (c *Coordinator) awaitReplyAndAudio(ctx context.Context, res *Result, stage time.Duration, priorTimeout bool, logger zerolog.Logger) {
	reply, ok, err := c.awaitText(ctx, c.dispatcher.Replies(), stage)
	if err != nil {
		c.history.AppendError(fmt.Sprintf("Turn cancelled: %v", err))
		res.Status = StatusErrored
		return
	}
	replyTimedOut := false
	if !ok {
		logger.Warn().Msg("Reply stage timed out")
		observability.RecordStageTimeout("reply")
		reply = replyTimeoutText
		replyTimedOut = true
	}
	res.Reply = reply

	audio, ended, err := c.awaitAudio(ctx, stage)
	if err != nil {
		c.history.AppendError(fmt.Sprintf("Turn cancelled: %v", err))
		res.Status = StatusErrored
		return
	}
	res.Audio = audio

	if !ended {
		logger.Warn().Int("chunks_bytes", len(audio)).Msg("Audio stage timed out")
		observability.RecordStageTimeout("audio")
	}

	// Zero chunks is annotated whether the sentinel arrived or not: a
	// backend-side interrupt or synthesis failure still sends tts_end,
	// and the entry must say the audio never came
	entry := reply
	audioMissing := len(audio) == 0
	switch {
	case audioMissing:
		entry = reply + " " + audioMissingNote
	case !ended:
		entry = reply + " " + audioTimeoutNote
	}
	c.history.AppendAI(entry)

	switch {
	case replyTimedOut:
		res.Status = StatusTimedOut
	case !ended || audioMissing || priorTimeout:
		res.Status = StatusPartial
	default:
		res.Status = StatusComplete
	}
}

// awaitText waits for one value on a stage channel. ok is false on a
// stage timeout; err is non-nil only on context cancellation.
func (c *Coordinator) awaitText(ctx context.Context, ch <-chan string, stage time.Duration) (string, bool, error) {
	select {
	case text := <-ch:
		return text, true, nil
	case <-time.After(stage):
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// awaitAudio accumulates chunks until the terminal sentinel or the stage
// deadline. ended reports whether the sentinel arrived; a timeout still
// returns whatever was accumulated.
func (c *Coordinator) awaitAudio(ctx context.Context, stage time.Duration) (audio []byte, ended bool, err error) {
	var buf bytes.Buffer
	deadline := time.After(stage)

	for {
		select {
		case ev := <-c.dispatcher.Audio():
			if ev.Kind == AudioEnd {
				return buf.Bytes(), true, nil
			}
			buf.Write(ev.Chunk)
		case <-deadline:
			return buf.Bytes(), false, nil
		case <-ctx.Done():
			return buf.Bytes(), false, ctx.Err()
		}
	}
}

// drainStale discards stage results left over from an earlier turn that
// timed out before its backend finished
func (c *Coordinator) drainStale() {
	for {
		select {
		case <-c.dispatcher.Transcripts():
		case <-c.dispatcher.Replies():
		case <-c.dispatcher.Audio():
		default:
			return
		}
	}
}

func (c *Coordinator) acquireTurn(ctx context.Context) error {
	select {
	case <-c.turnMu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) releaseTurn() {
	c.turnMu <- struct{}{}
}
