// Package runner spawns and supervises worker processes on the host side.
// It owns the process lifecycle: writing the one-shot input to stdin, parsing
// framed records out of stdout, capping and persisting the raw streams,
// enforcing the progress timeout, and classifying the exit.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/warden/internal/frame"
	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/protocol"
)

// Backend selects where the worker process runs.
type Backend string

const (
	// BackendHost runs the worker directly on the host.
	BackendHost Backend = "host"
	// BackendSandbox runs the worker inside a container with the mailbox
	// directory bind-mounted in.
	BackendSandbox Backend = "sandbox"
)

// SandboxMailboxPath is where the session mailbox appears inside a sandboxed
// worker.
const SandboxMailboxPath = "/var/warden/mailbox"

const (
	// DefaultProgressTimeout bounds how long a worker may go without
	// producing a parsed record. Raw stdout and stderr chatter do not count
	// as progress.
	DefaultProgressTimeout = 5 * time.Minute
	// DefaultGracePeriod is the window between the stop signal and the kill.
	DefaultGracePeriod = 10 * time.Second
	// settleTimeout bounds the post-exit wait for in-flight record consumers.
	settleTimeout = 5 * time.Second

	readChunkSize = 32 * 1024
	stderrTailCap = 4 * 1024
)

// SpawnSpec describes one worker process to launch.
type SpawnSpec struct {
	Backend Backend

	// Host backend: the worker binary and its arguments.
	WorkerBinary string
	WorkerArgs   []string

	// Sandbox backend: container runtime (docker, podman) and image. The
	// worker command inside the container is WorkerArgs verbatim.
	SandboxRuntime string
	SandboxImage   string

	// MailboxDir is bind-mounted to SandboxMailboxPath for sandboxed workers.
	MailboxDir string

	WorkDir string
	Env     []string

	// SessionID names the raw log files; a random one is used when empty.
	SessionID string

	ProgressTimeout time.Duration
	GracePeriod     time.Duration

	// RawLogDir receives the full stdout and stderr captures. Empty disables
	// on-disk capture; the parser's in-memory diagnostic buffer still applies.
	RawLogDir string
}

// Runner launches workers and supervises their runs.
type Runner struct {
	log *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		log: logging.Component("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// buildCommand assembles the exec.Cmd for a spec. The worker learns its
// mailbox location through argv: the real directory on the host, the mount
// point inside a sandbox.
func (r *Runner) buildCommand(spec SpawnSpec) *exec.Cmd {
	var cmd *exec.Cmd
	if spec.Backend == BackendSandbox {
		args := []string{"run", "--rm", "-i"}
		if spec.MailboxDir != "" {
			args = append(args, "-v", spec.MailboxDir+":"+SandboxMailboxPath)
		}
		for _, env := range spec.Env {
			args = append(args, "-e", env)
		}
		args = append(args, spec.SandboxImage)
		args = append(args, spec.WorkerArgs...)
		if spec.MailboxDir != "" {
			args = append(args, "--mailbox", SandboxMailboxPath)
		}
		cmd = exec.Command(spec.SandboxRuntime, args...)
	} else {
		args := append([]string{}, spec.WorkerArgs...)
		if spec.MailboxDir != "" {
			args = append(args, "--mailbox", spec.MailboxDir)
		}
		cmd = exec.Command(spec.WorkerBinary, args...)
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.WorkDir != "" && spec.Backend == BackendHost {
		cmd.Dir = spec.WorkDir
	}
	return cmd
}

// Run launches one worker, delivers input, and supervises it to exit. Every
// parsed record is forwarded to emit in arrival order; emit invocations are
// serialized. Run itself returns only on infrastructure errors (log file
// creation); process-level failures are reported through the RunResult.
func (r *Runner) Run(ctx context.Context, spec SpawnSpec, input protocol.RunInput, emit frame.Consumer) (RunResult, error) {
	if spec.ProgressTimeout <= 0 {
		spec.ProgressTimeout = DefaultProgressTimeout
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}

	stdoutLog, stderrLog, logPaths, err := r.openRawLogs(spec)
	if err != nil {
		return RunResult{}, err
	}
	defer closeIfFile(stdoutLog)
	defer closeIfFile(stderrLog)

	result := RunResult{
		SessionHandle: input.SessionHandle,
		ResumeCursor:  input.ResumeCursor,
		StdoutLog:     logPaths[0],
		StderrLog:     logPaths[1],
	}

	cmd := r.buildCommand(spec)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		result.Classification = ClassCrash
		result.ExitCode = -1
		result.StderrTail = err.Error()
		result.spawnFailed = true
		r.log.ErrorCtx("worker spawn failed", map[string]any{
			"session": spec.SessionID,
			"error":   err.Error(),
		})
		return result, nil
	}

	r.log.InfoCtx("worker started", map[string]any{
		"session": spec.SessionID,
		"backend": string(spec.Backend),
		"pid":     cmd.Process.Pid,
	})

	var (
		stateMu sync.Mutex
		progress = make(chan struct{}, 1)
	)

	parser := frame.New(func(rec protocol.OutputRecord) {
		stateMu.Lock()
		if rec.SessionHandle != "" {
			result.SessionHandle = rec.SessionHandle
		}
		if rec.ResumeCursor != "" {
			result.ResumeCursor = rec.ResumeCursor
		}
		if rec.Terminal() {
			result.Terminal = rec
			result.TerminalSeen = true
		}
		if rec.Status == protocol.StatusClosed {
			result.ClosedSeen = true
		}
		stateMu.Unlock()

		if emit != nil {
			emit(rec)
		}
	}, frame.WithLogger(r.log), frame.WithExtractHook(func() {
		select {
		case progress <- struct{}{}:
		default:
		}
	}))

	// Input delivery: one blob, then EOF. A write failure means the worker
	// never saw its instructions, so it is killed rather than left to idle.
	inputErr := make(chan error, 1)
	go func() {
		defer func() { _ = stdin.Close() }()
		data, err := json.Marshal(input)
		if err != nil {
			inputErr <- err
			return
		}
		if _, err := stdin.Write(append(data, '\n')); err != nil {
			inputErr <- err
			_ = cmd.Process.Kill()
			return
		}
		inputErr <- nil
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				_, _ = stdoutLog.Write(buf[:n])
				parser.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	stderrTail := newTailRing(stderrTailCap)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(io.MultiWriter(stderrLog, stderrTail), stderr)
	}()

	// Watchdog: only parsed records count as progress. On expiry, a stop
	// signal first, then the kill after the grace window.
	var timedOut, ctxStopped bool
	procDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		timer := time.NewTimer(spec.ProgressTimeout)
		defer timer.Stop()
		for {
			select {
			case <-progress:
				timer.Reset(spec.ProgressTimeout)
			case <-timer.C:
				stateMu.Lock()
				timedOut = true
				stateMu.Unlock()
				r.stop(cmd, spec.GracePeriod, procDone)
				return
			case <-ctx.Done():
				stateMu.Lock()
				ctxStopped = true
				stateMu.Unlock()
				r.stop(cmd, spec.GracePeriod, procDone)
				return
			case <-procDone:
				return
			}
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(procDone)
	<-watchdogDone

	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := parser.Settle(settleCtx); err != nil {
		r.log.WarnCtx("record consumers did not settle", map[string]any{
			"session": spec.SessionID,
			"error":   err.Error(),
		})
	}

	stateMu.Lock()
	defer stateMu.Unlock()

	result.ExitCode = exitCode(cmd, waitErr)
	result.StderrTail = stderrTail.String()
	_, result.RawTruncated = parser.Raw()
	result.Extracted = parser.Extracted()
	result.Skipped = parser.Skipped()

	// The delivery goroutine sends exactly once; a write error racing the
	// process exit may land only after Wait returned, so this receive must
	// not be a snapshot.
	select {
	case err := <-inputErr:
		if err != nil {
			result.inputWriteError = true
		}
	case <-time.After(settleTimeout):
		r.log.WarnCtx("input delivery did not settle", map[string]any{"session": spec.SessionID})
	}

	switch {
	case result.inputWriteError && result.ExitCode != protocol.ExitClean:
		result.Classification = ClassCrash
	case timedOut:
		result.Classification = ClassTimeout
	case result.ExitCode == protocol.ExitClean:
		result.Classification = ClassClean
	case ctxStopped,
		result.ExitCode == protocol.ExitKilled,
		result.ExitCode == protocol.ExitTerminated:
		result.Classification = ClassGraceful
	default:
		result.Classification = ClassCrash
	}

	r.log.InfoCtx("worker finished", map[string]any{
		"session":        spec.SessionID,
		"exit_code":      result.ExitCode,
		"classification": string(result.Classification),
		"records":        result.Extracted,
	})
	return result, nil
}

// stop sends the termination signal, waits out the grace window, then kills.
func (r *Runner) stop(cmd *exec.Cmd, grace time.Duration, procDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-procDone:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
	}
}

// exitCode maps a finished process to its exit code, translating signal
// deaths to the conventional 128+signum used by container runtimes.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	code := state.ExitCode()
	if code < 0 && waitErr != nil {
		return -1
	}
	return code
}

// openRawLogs creates the per-run capture files, or io.Discard sinks when
// capture is disabled.
func (r *Runner) openRawLogs(spec SpawnSpec) (io.Writer, io.Writer, [2]string, error) {
	if spec.RawLogDir == "" {
		return io.Discard, io.Discard, [2]string{}, nil
	}
	if err := os.MkdirAll(spec.RawLogDir, 0755); err != nil {
		return nil, nil, [2]string{}, fmt.Errorf("creating raw log dir: %w", err)
	}

	base := spec.SessionID
	if base == "" {
		base = "run"
	}
	base = fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])

	outPath := filepath.Join(spec.RawLogDir, base+"-stdout.log")
	errPath := filepath.Join(spec.RawLogDir, base+"-stderr.log")

	outFile, err := os.Create(outPath)
	if err != nil {
		return nil, nil, [2]string{}, fmt.Errorf("creating stdout log: %w", err)
	}
	errFile, err := os.Create(errPath)
	if err != nil {
		_ = outFile.Close()
		return nil, nil, [2]string{}, fmt.Errorf("creating stderr log: %w", err)
	}
	return outFile, errFile, [2]string{outPath, errPath}, nil
}

func closeIfFile(w io.Writer) {
	if f, ok := w.(*os.File); ok {
		_ = f.Close()
	}
}
