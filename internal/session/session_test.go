package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/marcus/warden/internal/frame"
	"github.com/marcus/warden/internal/protocol"
	"github.com/marcus/warden/internal/runner"
	"github.com/marcus/warden/internal/store"
)

// scriptedRunner returns canned results in order and records every input it
// was launched with.
type scriptedRunner struct {
	mu      sync.Mutex
	results []runner.RunResult
	emits   [][]protocol.OutputRecord // records to emit per call
	inputs  []protocol.RunInput
	calls   int
}

func (s *scriptedRunner) Run(ctx context.Context, spec runner.SpawnSpec, input protocol.RunInput, emit frame.Consumer) (runner.RunResult, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()

	if i < len(s.emits) && emit != nil {
		for _, rec := range s.emits[i] {
			emit(rec)
		}
	}
	if i >= len(s.results) {
		return runner.RunResult{Classification: runner.ClassClean}, nil
	}
	return s.results[i], nil
}

func (s *scriptedRunner) recordedInputs() []protocol.RunInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RunInput(nil), s.inputs...)
}

type recordSink struct {
	mu   sync.Mutex
	recs []protocol.OutputRecord
}

func (r *recordSink) emit(rec protocol.OutputRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordSink) all() []protocol.OutputRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.OutputRecord(nil), r.recs...)
}

func (r *recordSink) terminals() []protocol.OutputRecord {
	var out []protocol.OutputRecord
	for _, rec := range r.all() {
		if rec.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, run Runner, cfg Config) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if cfg.MailboxRoot == "" {
		cfg.MailboxRoot = t.TempDir()
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return New(run, st, cfg), st
}

func successResult(handle, cursor string) runner.RunResult {
	return runner.RunResult{
		Classification: runner.ClassClean,
		Terminal: protocol.OutputRecord{
			Status:        protocol.StatusSuccess,
			Result:        "done",
			SessionHandle: handle,
			ResumeCursor:  cursor,
		},
		TerminalSeen:  true,
		SessionHandle: handle,
		ResumeCursor:  cursor,
	}
}

func overflowResult(handle, cursor string) runner.RunResult {
	return runner.RunResult{
		Classification: runner.ClassCrash,
		ExitCode:       protocol.ExitOverflow,
		SessionHandle:  handle,
		ResumeCursor:   cursor,
	}
}

func TestRunSessionSuccess(t *testing.T) {
	res := successResult("h1", "m1")
	run := &scriptedRunner{
		results: []runner.RunResult{res},
		emits:   [][]protocol.OutputRecord{{res.Terminal}},
	}
	o, st := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hello", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	terms := sink.terminals()
	if len(terms) != 1 {
		t.Fatalf("got %d terminal records, want 1: %+v", len(terms), terms)
	}
	if terms[0].Status != protocol.StatusSuccess {
		t.Errorf("terminal = %+v", terms[0])
	}

	sess, err := st.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Handle != "h1" || sess.Cursor != "m1" {
		t.Errorf("resume state = (%q, %q), want (h1, m1)", sess.Handle, sess.Cursor)
	}
	if sess.Status != store.StatusActive {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusActive)
	}

	runs, err := st.Runs("sess-1", 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Classification != string(runner.ClassClean) {
		t.Errorf("run history = %+v", runs)
	}
}

func TestRunSessionClosed(t *testing.T) {
	closed := protocol.OutputRecord{Status: protocol.StatusClosed, SessionHandle: "h1"}
	run := &scriptedRunner{
		results: []runner.RunResult{{
			Classification: runner.ClassClean,
			Terminal:       closed,
			TerminalSeen:   true,
			ClosedSeen:     true,
			SessionHandle:  "h1",
		}},
		emits: [][]protocol.OutputRecord{{closed}},
	}
	o, st := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "bye", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	sess, _ := st.GetSession("sess-1")
	if sess.Status != store.StatusEnded {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusEnded)
	}
}

func TestRunSessionResumesFromStore(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{successResult("h2", "m9")}}
	o, st := newTestOrchestrator(t, run, Config{})

	if err := st.CreateSession(store.Session{ID: "sess-1", Handle: "h1", Cursor: "m5", MailboxDir: o.MailboxDir("sess-1")}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := o.RunSession(context.Background(), "sess-1", "continue", nil, nil); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	inputs := run.recordedInputs()
	if len(inputs) != 1 {
		t.Fatalf("runner called %d times, want 1", len(inputs))
	}
	if inputs[0].SessionHandle != "h1" || inputs[0].ResumeCursor != "m5" {
		t.Errorf("resume input = (%q, %q), want (h1, m5)", inputs[0].SessionHandle, inputs[0].ResumeCursor)
	}
}

func TestRunSessionOverflowRetriesThenSucceeds(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{
		overflowResult("h1", "m1"),
		overflowResult("h1", "m2"),
		successResult("h1", "m3"),
	}}
	// The success terminal comes from the worker on the third run.
	run.emits = [][]protocol.OutputRecord{nil, nil, {run.results[2].Terminal}}

	o, st := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 3})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "big job", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	inputs := run.recordedInputs()
	if len(inputs) != 3 {
		t.Fatalf("runner called %d times, want 3", len(inputs))
	}
	// Later attempts resume from the freshest observed state.
	if inputs[1].SessionHandle != "h1" || inputs[1].ResumeCursor != "m1" {
		t.Errorf("retry 1 input = (%q, %q)", inputs[1].SessionHandle, inputs[1].ResumeCursor)
	}
	if inputs[2].ResumeCursor != "m2" {
		t.Errorf("retry 2 cursor = %q, want m2", inputs[2].ResumeCursor)
	}

	terms := sink.terminals()
	if len(terms) != 1 || terms[0].Status != protocol.StatusSuccess {
		t.Errorf("terminals = %+v, want exactly one success", terms)
	}

	runs, _ := st.Runs("sess-1", 0)
	if len(runs) != 3 {
		t.Errorf("run history has %d entries, want 3", len(runs))
	}
}

func TestRunSessionOverflowExhaustsRetries(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{
		overflowResult("h1", "m1"),
		overflowResult("h1", "m1"),
		overflowResult("h1", "m1"),
	}}
	o, st := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 2})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "big job", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	if got := len(run.recordedInputs()); got != 2 {
		t.Errorf("runner called %d times, want 2 (the bound caps total overflow invocations)", got)
	}

	terms := sink.terminals()
	if len(terms) != 1 {
		t.Fatalf("got %d terminal records, want 1", len(terms))
	}
	if terms[0].ErrorKind() != protocol.ErrPrefixOverflow {
		t.Errorf("error kind = %q, want %q", terms[0].ErrorKind(), protocol.ErrPrefixOverflow)
	}
	if !strings.Contains(terms[0].Error, "start a new session") {
		t.Errorf("overflow error lacks remediation hint: %q", terms[0].Error)
	}

	sess, _ := st.GetSession("sess-1")
	if sess.Status != store.StatusFailed {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusFailed)
	}
}

func TestRunSessionOverflowNeverRunsFourth(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{
		overflowResult("h1", "m1"),
		overflowResult("h1", "m2"),
		overflowResult("h1", "m3"),
		successResult("h1", "m4"), // must never be reached
	}}
	o, _ := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 3})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "big job", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	if got := len(run.recordedInputs()); got != 3 {
		t.Errorf("engine invoked %d times after three consecutive overflows, want 3", got)
	}
	terms := sink.terminals()
	if len(terms) != 1 || terms[0].ErrorKind() != protocol.ErrPrefixOverflow {
		t.Errorf("terminals = %+v, want one overflow error", terms)
	}
}

func TestRunSessionUnrecoverableNeverRetries(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{{
		Classification: runner.ClassCrash,
		ExitCode:       protocol.ExitUnrecoverable,
		SessionHandle:  "h1",
	}}}
	o, st := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 5})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hi", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	if got := len(run.recordedInputs()); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
	terms := sink.terminals()
	if len(terms) != 1 || terms[0].ErrorKind() != protocol.ErrPrefixUnrecoverable {
		t.Errorf("terminals = %+v", terms)
	}
	if !strings.Contains(terms[0].Error, "reset the session") {
		t.Errorf("unrecoverable error lacks reset instruction: %q", terms[0].Error)
	}

	sess, _ := st.GetSession("sess-1")
	if sess.Status != store.StatusFailed {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusFailed)
	}
}

func TestRunSessionTimeoutLeavesSessionResumable(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{{
		Classification: runner.ClassTimeout,
		ExitCode:       protocol.ExitTerminated,
		SessionHandle:  "h1",
		ResumeCursor:   "m4",
	}}}
	o, st := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hi", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	terms := sink.terminals()
	if len(terms) != 1 || terms[0].ErrorKind() != protocol.ErrPrefixTimeout {
		t.Errorf("terminals = %+v", terms)
	}

	sess, _ := st.GetSession("sess-1")
	if sess.Status != store.StatusInterrupted {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusInterrupted)
	}
	if sess.Handle != "h1" || sess.Cursor != "m4" {
		t.Errorf("resume state = (%q, %q), want (h1, m4)", sess.Handle, sess.Cursor)
	}
}

func TestRunSessionGracefulStopIsSuccess(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{{
		Classification: runner.ClassGraceful,
		ExitCode:       protocol.ExitTerminated,
		SessionHandle:  "h1",
		ResumeCursor:   "m3",
	}}}
	o, st := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hi", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	terms := sink.terminals()
	if len(terms) != 1 {
		t.Fatalf("got %d terminal records, want 1: %+v", len(terms), terms)
	}
	if terms[0].Status != protocol.StatusSuccess {
		t.Errorf("terminal status = %q, want %q", terms[0].Status, protocol.StatusSuccess)
	}
	if terms[0].Result != "" {
		t.Errorf("graceful stop carried result text %q, want none", terms[0].Result)
	}
	if terms[0].SessionHandle != "h1" || terms[0].ResumeCursor != "m3" {
		t.Errorf("terminal resume state = (%q, %q), want (h1, m3)", terms[0].SessionHandle, terms[0].ResumeCursor)
	}

	sess, _ := st.GetSession("sess-1")
	if sess.Status != store.StatusInterrupted {
		t.Errorf("status = %q, want %q", sess.Status, store.StatusInterrupted)
	}
}

func TestRunSessionCleanWithoutTerminalRecord(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{{
		Classification: runner.ClassClean,
		SessionHandle:  "h1",
	}}}
	o, _ := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hi", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	terms := sink.terminals()
	if len(terms) != 1 {
		t.Fatalf("got %d terminal records, want exactly 1: %+v", len(terms), terms)
	}
	if terms[0].ErrorKind() != protocol.ErrPrefixCrash {
		t.Errorf("error kind = %q, want %q", terms[0].ErrorKind(), protocol.ErrPrefixCrash)
	}
	if terms[0].SessionHandle != "h1" {
		t.Errorf("terminal handle = %q, want h1", terms[0].SessionHandle)
	}
}

func TestRunSessionFlushesOnCompactWarning(t *testing.T) {
	res := successResult("h1", "m1")
	run := &scriptedRunner{
		results: []runner.RunResult{
			res,
			{Classification: runner.ClassClean, SessionHandle: "h1", ResumeCursor: "m1"}, // flush run
		},
		emits: [][]protocol.OutputRecord{{
			{Status: protocol.StatusStream, Event: protocol.EventCompactWarning},
			res.Terminal,
		}},
	}
	o, _ := newTestOrchestrator(t, run, Config{Privileged: true})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "long job", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	inputs := run.recordedInputs()
	if len(inputs) != 2 {
		t.Fatalf("runner called %d times, want 2 (main run + flush)", len(inputs))
	}
	if inputs[1].ToolPolicy != protocol.ToolPolicyMemoryOnly {
		t.Errorf("flush tool policy = %q, want %q", inputs[1].ToolPolicy, protocol.ToolPolicyMemoryOnly)
	}

	terms := sink.terminals()
	if len(terms) != 1 || terms[0].Status != protocol.StatusSuccess {
		t.Errorf("terminals = %+v, want exactly one success", terms)
	}
}

func TestRunSessionFiltersHeartbeats(t *testing.T) {
	res := successResult("h1", "m1")
	run := &scriptedRunner{
		results: []runner.RunResult{res},
		emits: [][]protocol.OutputRecord{{
			{Status: protocol.StatusStream, Event: protocol.EventHeartbeat},
			res.Terminal,
		}},
	}
	o, _ := newTestOrchestrator(t, run, Config{})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "hi", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	for _, rec := range sink.all() {
		if rec.Event == protocol.EventHeartbeat {
			t.Errorf("heartbeat record reached the caller: %+v", rec)
		}
	}
}

func TestRunSessionMemoryFlush(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{
		overflowResult("h1", "m1"),
		{Classification: runner.ClassClean, SessionHandle: "h1", ResumeCursor: "m1"}, // flush run
		overflowResult("h1", "m1"),
		successResult("h1", "m2"),
	}}
	run.emits = [][]protocol.OutputRecord{nil, nil, nil, {run.results[3].Terminal}}

	o, _ := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 3, Privileged: true})
	var sink recordSink

	if err := o.RunSession(context.Background(), "sess-1", "big", nil, sink.emit); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	inputs := run.recordedInputs()
	if len(inputs) != 4 {
		t.Fatalf("runner called %d times, want 4", len(inputs))
	}

	var flushes int
	for _, in := range inputs {
		if in.ToolPolicy == protocol.ToolPolicyMemoryOnly {
			flushes++
			if in.Prompt == "big" {
				t.Error("flush run reused the caller's prompt")
			}
		}
	}
	if flushes != 1 {
		t.Errorf("got %d memory flush runs, want exactly 1", flushes)
	}

	// Flush output must not leak to the caller.
	terms := sink.terminals()
	if len(terms) != 1 || terms[0].Status != protocol.StatusSuccess {
		t.Errorf("terminals = %+v", terms)
	}
}

func TestRunSessionUnprivilegedNeverFlushes(t *testing.T) {
	run := &scriptedRunner{results: []runner.RunResult{
		overflowResult("h1", "m1"),
		successResult("h1", "m2"),
	}}
	o, _ := newTestOrchestrator(t, run, Config{MaxOverflowRetries: 2, Privileged: false})

	if err := o.RunSession(context.Background(), "sess-1", "big", nil, nil); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	for _, in := range run.recordedInputs() {
		if in.ToolPolicy == protocol.ToolPolicyMemoryOnly {
			t.Error("unprivileged orchestrator ran a memory flush")
		}
	}
}

func TestRunSessionLockContention(t *testing.T) {
	run := &scriptedRunner{}
	o, _ := newTestOrchestrator(t, run, Config{})

	held := flock.New(filepath.Join(o.cfg.MailboxRoot, "sess-1.lock"))
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("taking lock: locked=%v err=%v", locked, err)
	}
	defer func() { _ = held.Unlock() }()

	err = o.RunSession(context.Background(), "sess-1", "hi", nil, nil)
	if err == nil {
		t.Fatal("RunSession succeeded while the session lock was held")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %v", err)
	}
	if len(run.recordedInputs()) != 0 {
		t.Error("runner was launched despite lock contention")
	}
}
