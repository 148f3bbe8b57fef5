// Package worker implements the session loop that runs inside a worker
// process. It bridges three streams: the engine's typed event stream, the
// file mailbox it polls for follow-up input, and the framed records it emits
// on stdout for the host to parse.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marcus/warden/internal/engine"
	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/mailbox"
	"github.com/marcus/warden/internal/protocol"
)

// Outcome is how one engine conversation ended, from the worker's point of
// view. The worker process maps it to an exit code (or, for Interrupted,
// stays alive and waits for the next mailbox message).
type Outcome int

const (
	// OutcomeClean means the engine stream ended on its own after a normal
	// result.
	OutcomeClean Outcome = iota
	// OutcomeClosed means a close sentinel ended the session.
	OutcomeClosed
	// OutcomeInterrupted means an interrupt sentinel canceled the in-flight
	// turn; the session remains resumable.
	OutcomeInterrupted
	// OutcomeOverflowed means the engine reported a context-window overflow.
	OutcomeOverflowed
	// OutcomeUnrecoverable means the transcript is permanently poisoned.
	OutcomeUnrecoverable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeClosed:
		return "closed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeOverflowed:
		return "overflowed"
	case OutcomeUnrecoverable:
		return "unrecoverable"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DefaultPollInterval is how often the loop checks the mailbox while the
// engine streams.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultHeartbeatInterval is how often an idle worker (a turn finished,
// nothing queued) emits a heartbeat frame. The host counts parsed frames as
// progress, so without heartbeats a healthily idle session would trip the
// progress watchdog.
const DefaultHeartbeatInterval = 15 * time.Second

// engineGrace bounds how long the loop waits for the engine to wind down
// after an interrupt before killing it.
const engineGrace = 5 * time.Second

// Loop drives one worker session. Not safe for concurrent Runs.
type Loop struct {
	eng           engine.Client
	box           *mailbox.Mailbox
	out           io.Writer
	log           *logging.Logger
	pollInterval  time.Duration
	heartbeatIntv time.Duration
	maxImageDim   int
	workDir       string

	handle string // latest session handle reported by the engine
	cursor string // last assistant turn id seen
}

// Option configures a Loop.
type Option func(*Loop)

// WithOutput sets the frame destination. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(l *Loop) { l.out = w }
}

// WithPollInterval overrides the mailbox poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithHeartbeatInterval overrides the idle heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.heartbeatIntv = d
		}
	}
}

// WithMaxImageDim overrides the per-axis image pixel limit.
func WithMaxImageDim(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxImageDim = n
		}
	}
}

// WithWorkDir sets the engine's working directory.
func WithWorkDir(dir string) Option {
	return func(l *Loop) { l.workDir = dir }
}

// WithLoopLogger sets the logger.
func WithLoopLogger(lg *logging.Logger) Option {
	return func(l *Loop) { l.log = lg }
}

// New creates a session loop over the given engine client and mailbox.
func New(eng engine.Client, box *mailbox.Mailbox, opts ...Option) *Loop {
	l := &Loop{
		eng:           eng,
		box:           box,
		out:           os.Stdout,
		log:           logging.Component("worker"),
		pollInterval:  DefaultPollInterval,
		heartbeatIntv: DefaultHeartbeatInterval,
		maxImageDim:   DefaultMaxImageDim,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle returns the latest session handle the engine reported.
func (l *Loop) Handle() string { return l.handle }

// Cursor returns the id of the last assistant turn seen.
func (l *Loop) Cursor() string { return l.cursor }

// Run executes one engine conversation to completion. It emits stream records
// for engine activity, a terminal record for success or close, and returns
// how the conversation ended. Overflow and unrecoverable outcomes emit no
// terminal record; they are reported through the process exit code instead,
// so a half-finished answer is never mistaken for a result.
func (l *Loop) Run(ctx context.Context, input protocol.RunInput) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if input.SessionHandle != "" {
		l.handle = input.SessionHandle
	}
	if input.ResumeCursor != "" {
		l.cursor = input.ResumeCursor
	}

	feed := NewFeed()
	defer feed.Stop()
	feed.Push(engine.Turn{Text: input.Prompt, Images: l.admitImages(input.Images)})

	events, err := l.eng.Stream(ctx, engine.Request{
		SessionHandle: l.handle,
		ResumeCursor:  l.cursor,
		ToolPolicy:    input.ToolPolicy,
		WorkDir:       l.workDir,
	}, feed.C())
	if err != nil {
		return OutcomeClean, fmt.Errorf("starting engine stream: %w", err)
	}

	// finish ends the conversation: no more input, wait out a grace window
	// for the engine to wind down, then cut it loose.
	finish := func(o Outcome, grace time.Duration) (Outcome, error) {
		feed.Close()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return o, nil
				}
			case <-timer.C:
				cancel()
				for range events {
				}
				return o, nil
			}
		}
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var partial strings.Builder

	// idle means a turn has finished and nothing new is queued. Idle periods
	// produce heartbeat frames so the host's progress watchdog never mistakes
	// a waiting session for a wedged one.
	idle := false
	lastBeat := time.Now()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return OutcomeClean, nil
			}
			idle = false
			switch ev.Type {
			case engine.EventInit:
				if ev.SessionID != "" {
					l.handle = ev.SessionID
				}
				l.emit(protocol.OutputRecord{
					Status:        protocol.StatusStream,
					Event:         protocol.EventInit,
					SessionHandle: l.handle,
				})

			case engine.EventText:
				partial.WriteString(ev.Text)
				l.advance(ev.TurnID)
				l.emit(protocol.OutputRecord{
					Status:    protocol.StatusStream,
					Event:     protocol.EventText,
					EventText: ev.Text,
				})

			case engine.EventThinking:
				l.advance(ev.TurnID)
				l.emit(protocol.OutputRecord{
					Status:    protocol.StatusStream,
					Event:     protocol.EventThinking,
					EventText: ev.Text,
				})

			case engine.EventToolUse:
				l.advance(ev.TurnID)
				l.emit(protocol.OutputRecord{
					Status:    protocol.StatusStream,
					Event:     protocol.EventToolUse,
					EventText: ev.ToolName,
				})

			case engine.EventCompactWarning:
				l.emit(protocol.OutputRecord{
					Status: protocol.StatusStream,
					Event:  protocol.EventCompactWarning,
				})

			case engine.EventResult:
				switch engine.Classify(ev) {
				case engine.ResultOverflow:
					// Anything streamed so far is a casualty of the overflow;
					// the retry must not double-count it.
					partial.Reset()
					l.log.WarnCtx("engine reported context overflow", map[string]any{"session": l.handle})
					return finish(OutcomeOverflowed, 0)

				case engine.ResultUnrecoverable:
					partial.Reset()
					l.log.ErrorCtx("engine rejected the transcript", map[string]any{
						"session": l.handle,
						"error":   ev.Text,
					})
					return finish(OutcomeUnrecoverable, 0)
				}

				if ev.SessionID != "" {
					l.handle = ev.SessionID
				}
				result := ev.Text
				if result == "" {
					result = partial.String()
				}
				partial.Reset()
				l.emit(protocol.OutputRecord{
					Status:        protocol.StatusSuccess,
					Result:        result,
					SessionHandle: l.handle,
					ResumeCursor:  l.cursor,
				})
				// The conversation stays open; the next mailbox message
				// extends it.
				idle = true
				lastBeat = time.Now()
			}

		case <-ticker.C:
			res, err := l.box.PollOnce()
			if err != nil {
				l.log.WarnCtx("mailbox poll failed", map[string]any{"error": err.Error()})
				continue
			}
			switch {
			case res.Closed:
				l.emit(protocol.OutputRecord{
					Status:        protocol.StatusClosed,
					SessionHandle: l.handle,
					ResumeCursor:  l.cursor,
				})
				return finish(OutcomeClosed, 0)

			case res.Interrupted:
				if err := l.eng.Interrupt(ctx); err != nil {
					l.log.WarnCtx("engine interrupt failed", map[string]any{"error": err.Error()})
				}
				l.emit(protocol.OutputRecord{
					Status: protocol.StatusStream,
					Event:  protocol.EventInterrupted,
				})
				return finish(OutcomeInterrupted, engineGrace)

			case len(res.Messages) > 0:
				idle = false
				merged := mailbox.Merge(res.Messages)
				feed.Push(engine.Turn{
					Text:   merged.Text,
					Images: l.admitImages(merged.Images),
				})

			default:
				if idle && time.Since(lastBeat) >= l.heartbeatIntv {
					l.emit(protocol.OutputRecord{
						Status: protocol.StatusStream,
						Event:  protocol.EventHeartbeat,
					})
					lastBeat = time.Now()
				}
			}

		case <-ctx.Done():
			return OutcomeClean, ctx.Err()
		}
	}
}

// emit writes one framed record to stdout. Write failures mean the host is
// gone; there is nothing useful to do but log.
func (l *Loop) emit(rec protocol.OutputRecord) {
	data, err := protocol.EncodeFrame(rec)
	if err != nil {
		l.log.Err(err).Msg("encoding output record")
		return
	}
	if _, err := l.out.Write(data); err != nil {
		l.log.Err(err).Msg("writing output record")
	}
}

// advance moves the resume cursor to the given turn id.
func (l *Loop) advance(turnID string) {
	if turnID != "" {
		l.cursor = turnID
	}
}
