package runner

import (
	"strings"
	"sync"

	"github.com/marcus/warden/internal/protocol"
)

// Classification is the runner's verdict on how a worker process ended.
type Classification string

const (
	// ClassClean means exit 0.
	ClassClean Classification = "clean"
	// ClassTimeout means the runner stopped the worker after the progress
	// timeout expired.
	ClassTimeout Classification = "timeout"
	// ClassGraceful means the worker exited on a kill signal the runner did
	// not send (128+signum, the codes container runtimes use).
	ClassGraceful Classification = "gracefulShutdown"
	// ClassCrash is any other non-zero exit, including spawn failures.
	ClassCrash Classification = "crash"
)

// RunResult summarizes one worker run. Record-level data reflects what the
// frame parser extracted before the process ended.
type RunResult struct {
	Classification Classification
	ExitCode       int

	// Terminal is the last terminal record the worker emitted, valid only
	// when TerminalSeen is set.
	Terminal     protocol.OutputRecord
	TerminalSeen bool
	ClosedSeen   bool

	// Latest resume state observed in any record.
	SessionHandle string
	ResumeCursor  string

	StderrTail   string
	StdoutLog    string
	StderrLog    string
	RawTruncated bool
	Extracted    int
	Skipped      int

	spawnFailed     bool
	inputWriteError bool
}

// Overflowed reports whether the worker signaled a context-window overflow
// through its exit code.
func (r RunResult) Overflowed() bool {
	return r.ExitCode == protocol.ExitOverflow
}

// Unrecoverable reports whether the worker signaled a permanently poisoned
// transcript through its exit code.
func (r RunResult) Unrecoverable() bool {
	return r.ExitCode == protocol.ExitUnrecoverable
}

// Patterns in stderr that identify a spawn-level failure even when the
// process technically started (sandbox runtimes report a missing image or
// binary this way).
var spawnFailureSignatures = []string{
	"executable file not found",
	"no such file or directory",
	"unable to find image",
	"permission denied",
}

// FailureRecord synthesizes the terminal error record for a run that ended
// without the worker emitting one. Returns ok=false when the worker already
// produced a terminal record, or when the run is not a failure at all: clean
// exits and stop-signal shutdowns are successful runs, never errors.
func (r RunResult) FailureRecord() (protocol.OutputRecord, bool) {
	if r.TerminalSeen {
		return protocol.OutputRecord{}, false
	}
	// Reserved exit codes are failures no matter how the exit was classified.
	if !r.Overflowed() && !r.Unrecoverable() &&
		(r.Classification == ClassClean || r.Classification == ClassGraceful) {
		return protocol.OutputRecord{}, false
	}

	var rec protocol.OutputRecord
	switch {
	case r.spawnFailed:
		rec = protocol.Errorf(protocol.ErrPrefixSpawn, "could not start worker: %s", r.StderrTail)

	case r.inputWriteError:
		rec = protocol.Errorf(protocol.ErrPrefixInputWrite, "could not deliver input to worker")

	case r.Overflowed():
		rec = protocol.Errorf(protocol.ErrPrefixOverflow, "engine context window exhausted")

	case r.Unrecoverable():
		rec = protocol.Errorf(protocol.ErrPrefixUnrecoverable,
			"a transcript turn is permanently rejected by the engine; the session cannot be resumed")

	case r.Classification == ClassTimeout:
		rec = protocol.Errorf(protocol.ErrPrefixTimeout, "worker made no progress within the timeout%s", r.stderrSuffix())

	default:
		kind := protocol.ErrPrefixCrash
		tail := strings.ToLower(r.StderrTail)
		for _, sig := range spawnFailureSignatures {
			if strings.Contains(tail, sig) {
				kind = protocol.ErrPrefixSpawn
				break
			}
		}
		rec = protocol.Errorf(kind, "worker exited with code %d%s", r.ExitCode, r.stderrSuffix())
	}

	rec.SessionHandle = r.SessionHandle
	rec.ResumeCursor = r.ResumeCursor
	return rec, true
}

func (r RunResult) stderrSuffix() string {
	tail := strings.TrimSpace(r.StderrTail)
	if tail == "" {
		return ""
	}
	return "; stderr: " + tail
}

// tailRing keeps the last max bytes written to it. Used to carry a worker's
// final stderr output into synthesized error records.
type tailRing struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailRing(max int) *tailRing {
	return &tailRing{max: max}
}

func (t *tailRing) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailRing) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
