// Package session orchestrates resumable sessions on the host. It launches
// worker runs, persists resume state across them, retries context overflows,
// and guarantees the caller sees exactly one terminal record per session run.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/marcus/warden/internal/frame"
	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/protocol"
	"github.com/marcus/warden/internal/runner"
	"github.com/marcus/warden/internal/store"
)

const (
	// DefaultMaxOverflowRetries bounds how many times an overflowed run is
	// relaunched before giving up.
	DefaultMaxOverflowRetries = 3
	// DefaultRetryBackoff is the fixed pause between overflow retries.
	DefaultRetryBackoff = 2 * time.Second
)

// flushPrompt drives the pre-retry memory flush run. The narrowed tool policy
// keeps the engine from doing anything else with it.
const flushPrompt = "Persist any important working context to memory now, then stop. Do not produce any other output."

// overflowHint is appended to the final overflow error so operators know the
// way out.
const overflowHint = "the conversation no longer fits the engine's context window; start a new session or trim the prompt"

// resetHint accompanies unrecoverable failures.
const resetHint = "a transcript turn is permanently rejected by the engine on every resume; reset the session to recover"

// Runner launches one supervised worker run. Satisfied by *runner.Runner.
type Runner interface {
	Run(ctx context.Context, spec runner.SpawnSpec, input protocol.RunInput, emit frame.Consumer) (runner.RunResult, error)
}

// Emit receives records destined for the external caller.
type Emit func(rec protocol.OutputRecord)

// Config holds orchestrator settings.
type Config struct {
	// Spawn is the template for worker processes; SessionID and MailboxDir
	// are filled in per session.
	Spawn runner.SpawnSpec
	// MailboxRoot is the directory holding one mailbox per session, and the
	// per-session lock files.
	MailboxRoot string

	MaxOverflowRetries int
	RetryBackoff       time.Duration

	// Privileged allows the pre-retry memory flush run.
	Privileged bool
}

// Orchestrator drives sessions to a terminal record.
type Orchestrator struct {
	run   Runner
	store *store.Store
	cfg   Config
	log   *logging.Logger

	flushDone bool // at most one memory flush per orchestrator
}

// New creates an Orchestrator.
func New(run Runner, st *store.Store, cfg Config) *Orchestrator {
	if cfg.MaxOverflowRetries <= 0 {
		cfg.MaxOverflowRetries = DefaultMaxOverflowRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Orchestrator{
		run:   run,
		store: st,
		cfg:   cfg,
		log:   logging.Component("session"),
	}
}

// MailboxDir returns the mailbox directory for a session id.
func (o *Orchestrator) MailboxDir(sessionID string) string {
	return filepath.Join(o.cfg.MailboxRoot, sessionID)
}

// RunSession drives one session run to its terminal record. A fresh session
// is registered on first use; a known one resumes from its stored handle and
// cursor. Exactly one terminal record reaches emit, whether the worker
// produced it or the orchestrator synthesized it.
func (o *Orchestrator) RunSession(ctx context.Context, sessionID, prompt string, images []protocol.Image, emit Emit) error {
	if err := os.MkdirAll(o.cfg.MailboxRoot, 0755); err != nil {
		return fmt.Errorf("creating mailbox root: %w", err)
	}

	lock := flock.New(filepath.Join(o.cfg.MailboxRoot, sessionID+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("session %s is already running on this host", sessionID)
	}
	defer func() { _ = lock.Unlock() }()

	sess, err := o.loadOrCreate(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sess.MailboxDir, 0755); err != nil {
		return fmt.Errorf("creating mailbox dir: %w", err)
	}

	spec := o.cfg.Spawn
	spec.SessionID = sessionID
	spec.MailboxDir = sess.MailboxDir

	input := protocol.RunInput{
		Prompt:        prompt,
		Images:        images,
		SessionHandle: sess.Handle,
		ResumeCursor:  sess.Cursor,
	}

	// The wrapper forwards worker records and remembers whether a terminal
	// one already went out, so a synthesized record is never a second one.
	// Heartbeats are watchdog food, not caller output. A compact warning is
	// noted so the memory flush can run between worker runs.
	terminalSent := false
	compactPending := false
	forward := func(rec protocol.OutputRecord) {
		if rec.Status == protocol.StatusStream {
			switch rec.Event {
			case protocol.EventHeartbeat:
				return
			case protocol.EventCompactWarning:
				compactPending = true
			}
		}
		if rec.Terminal() {
			if terminalSent {
				o.log.WarnCtx("dropping extra terminal record", map[string]any{"session": sessionID})
				return
			}
			terminalSent = true
		}
		if emit != nil {
			emit(rec)
		}
	}
	// emitTerminal is for synthesized records only.
	emitTerminal := func(rec protocol.OutputRecord) {
		if terminalSent {
			return
		}
		terminalSent = true
		if emit != nil {
			emit(rec)
		}
	}

	for attempt := 1; ; attempt++ {
		started := time.Now()
		res, err := o.run.Run(ctx, spec, input, forward)
		if err != nil {
			return fmt.Errorf("running worker: %w", err)
		}
		o.bookkeep(sessionID, attempt, started, res)

		// Carry the freshest resume state into any follow-up attempt.
		input.SessionHandle = res.SessionHandle
		input.ResumeCursor = res.ResumeCursor

		// The engine warned that context is about to be compacted; flush
		// memory now that the worker run is over.
		if compactPending {
			compactPending = false
			o.maybeFlushMemory(ctx, spec, input)
		}

		switch {
		case res.TerminalSeen:
			status := store.StatusActive
			if res.ClosedSeen {
				status = store.StatusEnded
			}
			o.setStatus(sessionID, status)
			return nil

		case res.Overflowed():
			// attempt equals the number of consecutive overflows here, so
			// the bound caps total engine invocations on the overflow path.
			if attempt >= o.cfg.MaxOverflowRetries {
				rec, _ := res.FailureRecord()
				rec.Error = rec.Error + "; " + overflowHint
				emitTerminal(rec)
				o.setStatus(sessionID, store.StatusFailed)
				return nil
			}
			o.log.WarnCtx("context overflow, retrying", map[string]any{
				"session": sessionID,
				"attempt": attempt,
			})
			o.maybeFlushMemory(ctx, spec, input)
			select {
			case <-time.After(o.cfg.RetryBackoff):
			case <-ctx.Done():
				emitTerminal(protocol.Errorf(protocol.ErrPrefixOverflow, "retry canceled: %v", ctx.Err()))
				return nil
			}

		case res.Unrecoverable():
			rec, _ := res.FailureRecord()
			rec.Error = rec.Error + "; " + resetHint
			emitTerminal(rec)
			o.setStatus(sessionID, store.StatusFailed)
			return nil

		default:
			// A stop signal ends the run successfully with no result text,
			// and the session stays resumable.
			if res.Classification == runner.ClassGraceful {
				emitTerminal(protocol.OutputRecord{
					Status:        protocol.StatusSuccess,
					SessionHandle: res.SessionHandle,
					ResumeCursor:  res.ResumeCursor,
				})
				o.setStatus(sessionID, store.StatusInterrupted)
				return nil
			}
			// Every run ends in a terminal record, even an exit 0 in which
			// the worker framed none.
			rec, ok := res.FailureRecord()
			if !ok {
				rec = protocol.Errorf(protocol.ErrPrefixCrash, "worker exited without reporting a result")
				rec.SessionHandle = res.SessionHandle
				rec.ResumeCursor = res.ResumeCursor
			}
			emitTerminal(rec)
			// Timeouts leave the session resumable; crashes do not get that
			// benefit of the doubt.
			if res.Classification == runner.ClassCrash {
				o.setStatus(sessionID, store.StatusFailed)
			} else {
				o.setStatus(sessionID, store.StatusInterrupted)
			}
			return nil
		}
	}
}

// maybeFlushMemory runs the engine once with the memory-only tool policy so
// durable context survives the upcoming compaction. At most once per
// orchestrator, and only when privileged. Its output never reaches the
// caller; its resume state still counts.
func (o *Orchestrator) maybeFlushMemory(ctx context.Context, spec runner.SpawnSpec, input protocol.RunInput) {
	if !o.cfg.Privileged || o.flushDone || input.SessionHandle == "" {
		return
	}
	o.flushDone = true

	flushInput := protocol.RunInput{
		Prompt:        flushPrompt,
		SessionHandle: input.SessionHandle,
		ResumeCursor:  input.ResumeCursor,
		ToolPolicy:    protocol.ToolPolicyMemoryOnly,
	}
	res, err := o.run.Run(ctx, spec, flushInput, nil)
	if err != nil {
		o.log.WarnCtx("memory flush run failed", map[string]any{"error": err.Error()})
		return
	}
	if err := o.store.UpdateResume(spec.SessionID, res.SessionHandle, res.ResumeCursor); err != nil {
		o.log.WarnCtx("recording flush resume state", map[string]any{"error": err.Error()})
	}
	o.log.InfoCtx("memory flush completed", map[string]any{
		"session":        spec.SessionID,
		"classification": string(res.Classification),
	})
}

func (o *Orchestrator) loadOrCreate(sessionID string) (store.Session, error) {
	sess, err := o.store.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess = store.Session{
			ID:         sessionID,
			Backend:    string(o.cfg.Spawn.Backend),
			MailboxDir: o.MailboxDir(sessionID),
		}
		if err := o.store.CreateSession(sess); err != nil {
			return store.Session{}, fmt.Errorf("registering session: %w", err)
		}
		return sess, nil
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("loading session: %w", err)
	}
	if err := o.store.SetStatus(sessionID, store.StatusActive); err != nil {
		return store.Session{}, fmt.Errorf("reactivating session: %w", err)
	}
	return sess, nil
}

func (o *Orchestrator) bookkeep(sessionID string, attempt int, started time.Time, res runner.RunResult) {
	if err := o.store.UpdateResume(sessionID, res.SessionHandle, res.ResumeCursor); err != nil {
		o.log.WarnCtx("recording resume state", map[string]any{"error": err.Error()})
	}
	var errText string
	if rec, ok := res.FailureRecord(); ok {
		errText = rec.Error
	}
	err := o.store.RecordRun(store.Run{
		SessionID:      sessionID,
		Classification: string(res.Classification),
		ExitCode:       res.ExitCode,
		Attempt:        attempt,
		Error:          errText,
		StartedAt:      started,
		EndedAt:        time.Now(),
	})
	if err != nil {
		o.log.WarnCtx("recording run", map[string]any{"error": err.Error()})
	}
}

func (o *Orchestrator) setStatus(sessionID, status string) {
	if err := o.store.SetStatus(sessionID, status); err != nil {
		o.log.WarnCtx("updating session status", map[string]any{
			"session": sessionID,
			"status":  status,
			"error":   err.Error(),
		})
	}
}
