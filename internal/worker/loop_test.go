package worker

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/warden/internal/engine"
	"github.com/marcus/warden/internal/mailbox"
	"github.com/marcus/warden/internal/protocol"
)

// scriptedEngine implements engine.Client for tests. Each Stream call runs
// the script in its own goroutine and closes the event channel when the
// script returns.
type scriptedEngine struct {
	script func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event)

	mu         sync.Mutex
	interrupts int
	lastReq    engine.Request
}

func (s *scriptedEngine) Stream(ctx context.Context, req engine.Request, turns <-chan engine.Turn) (<-chan engine.Event, error) {
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()

	events := make(chan engine.Event, 16)
	go func() {
		defer close(events)
		s.script(ctx, turns, events)
	}()
	return events, nil
}

func (s *scriptedEngine) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	return nil
}

func (s *scriptedEngine) interruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *scriptedEngine) request() engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

func newTestLoop(t *testing.T, eng engine.Client) (*Loop, *mailbox.Mailbox, *bytes.Buffer) {
	t.Helper()
	box, err := mailbox.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening mailbox: %v", err)
	}
	var buf bytes.Buffer
	l := New(eng, box,
		WithOutput(&buf),
		WithPollInterval(10*time.Millisecond),
	)
	return l, box, &buf
}

func decodeFrames(t *testing.T, data []byte) []protocol.OutputRecord {
	t.Helper()
	var recs []protocol.OutputRecord
	rest := string(data)
	for {
		_, after, ok := strings.Cut(rest, protocol.FrameStart)
		if !ok {
			return recs
		}
		payload, remainder, ok := strings.Cut(after, protocol.FrameEnd)
		if !ok {
			t.Fatalf("unterminated frame in output: %q", rest)
		}
		rec, err := protocol.DecodePayload([]byte(payload))
		if err != nil {
			t.Fatalf("decoding frame payload: %v", err)
		}
		recs = append(recs, rec)
		rest = remainder
	}
}

func TestRunCleanTurn(t *testing.T) {
	var gotPrompt string
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			turn := <-turns
			gotPrompt = turn.Text
			events <- engine.Event{Type: engine.EventInit, SessionID: "sess-1"}
			events <- engine.Event{Type: engine.EventText, Text: "hello", TurnID: "msg_1"}
			events <- engine.Event{Type: engine.EventResult, Text: "hello there", SessionID: "sess-1"}
		},
	}
	l, _, buf := newTestLoop(t, eng)

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "say hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeClean)
	}
	if gotPrompt != "say hello" {
		t.Errorf("engine saw prompt %q, want %q", gotPrompt, "say hello")
	}
	if l.Handle() != "sess-1" {
		t.Errorf("Handle() = %q, want %q", l.Handle(), "sess-1")
	}
	if l.Cursor() != "msg_1" {
		t.Errorf("Cursor() = %q, want %q", l.Cursor(), "msg_1")
	}

	recs := decodeFrames(t, buf.Bytes())
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3: %+v", len(recs), recs)
	}
	if recs[0].Event != "init" || recs[0].SessionHandle != "sess-1" {
		t.Errorf("first record = %+v, want init for sess-1", recs[0])
	}
	if recs[1].Event != "text" || recs[1].EventText != "hello" {
		t.Errorf("second record = %+v, want text event", recs[1])
	}
	last := recs[2]
	if last.Status != protocol.StatusSuccess || last.Result != "hello there" || last.ResumeCursor != "msg_1" {
		t.Errorf("terminal record = %+v", last)
	}
}

func TestRunFollowUpMessage(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []string
		turns = 2
	)
	eng := &scriptedEngine{
		script: func(ctx context.Context, in <-chan engine.Turn, events chan<- engine.Event) {
			for i := 0; i < turns; i++ {
				turn, ok := <-in
				if !ok {
					return
				}
				mu.Lock()
				seen = append(seen, turn.Text)
				mu.Unlock()
				events <- engine.Event{Type: engine.EventResult, Text: "answered: " + turn.Text}
			}
		},
	}
	l, box, buf := newTestLoop(t, eng)

	if err := box.Post(protocol.MailboxMessage{Type: "message", Text: "and another thing"}); err != nil {
		t.Fatalf("posting message: %v", err)
	}

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "first"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeClean {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeClean)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "and another thing" {
		t.Errorf("engine saw turns %v", seen)
	}

	var successes int
	for _, rec := range decodeFrames(t, buf.Bytes()) {
		if rec.Status == protocol.StatusSuccess {
			successes++
		}
	}
	if successes != 2 {
		t.Errorf("got %d success records, want 2", successes)
	}
}

func TestRunCloseSentinel(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{Type: engine.EventResult, Text: "done", SessionID: "sess-9"}
			for {
				select {
				case _, ok := <-turns:
					if !ok {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		},
	}
	l, box, buf := newTestLoop(t, eng)

	if err := box.SignalClose(); err != nil {
		t.Fatalf("signaling close: %v", err)
	}

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "wrap up"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeClosed {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeClosed)
	}

	recs := decodeFrames(t, buf.Bytes())
	if len(recs) == 0 {
		t.Fatal("no records emitted")
	}
	last := recs[len(recs)-1]
	if last.Status != protocol.StatusClosed {
		t.Errorf("last record = %+v, want closed status", last)
	}
}

func TestRunInterruptSentinel(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{Type: engine.EventText, Text: "working on it", TurnID: "msg_3"}
			// Stay live until the loop ends the input feed.
			for range turns {
			}
		},
	}
	l, box, buf := newTestLoop(t, eng)

	if err := box.SignalInterrupt(); err != nil {
		t.Fatalf("signaling interrupt: %v", err)
	}

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "long task"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeInterrupted {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeInterrupted)
	}
	if got := eng.interruptCount(); got != 1 {
		t.Errorf("interrupt count = %d, want 1", got)
	}

	recs := decodeFrames(t, buf.Bytes())
	if len(recs) == 0 {
		t.Fatal("no records emitted")
	}
	last := recs[len(recs)-1]
	if last.Status != protocol.StatusStream || last.Event != "interrupted" {
		t.Errorf("last record = %+v, want interrupted stream event", last)
	}
}

func TestRunOverflowEmitsNoTerminalRecord(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{Type: engine.EventText, Text: "partial answer", TurnID: "msg_5"}
			events <- engine.Event{
				Type:    engine.EventResult,
				IsError: true,
				Text:    "API Error: 400 prompt is too long: 214335 tokens > 200000 maximum",
			}
		},
	}
	l, _, buf := newTestLoop(t, eng)

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "huge"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeOverflowed {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeOverflowed)
	}
	for _, rec := range decodeFrames(t, buf.Bytes()) {
		if rec.Terminal() {
			t.Errorf("unexpected terminal record after overflow: %+v", rec)
		}
	}
}

func TestRunUnrecoverableTranscript(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{
				Type:      engine.EventResult,
				IsError:   true,
				Text:      "messages.2.content.0.image: image exceeds 8000x8000 pixels",
				ErrorCode: "invalid_request_error",
			}
		},
	}
	l, _, buf := newTestLoop(t, eng)

	outcome, err := l.Run(context.Background(), protocol.RunInput{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeUnrecoverable {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeUnrecoverable)
	}
	for _, rec := range decodeFrames(t, buf.Bytes()) {
		if rec.Terminal() {
			t.Errorf("unexpected terminal record: %+v", rec)
		}
	}
}

func TestRunIdleEmitsHeartbeats(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{Type: engine.EventResult, Text: "done"}
			// Hold the stream open while the loop idles between turns.
			for {
				select {
				case _, ok := <-turns:
					if !ok {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		},
	}
	l, box, buf := newTestLoop(t, eng)
	WithHeartbeatInterval(5 * time.Millisecond)(l)

	done := make(chan struct{})
	var outcome Outcome
	go func() {
		defer close(done)
		outcome, _ = l.Run(context.Background(), protocol.RunInput{Prompt: "hi"})
	}()

	// Let the loop idle long enough for several poll ticks, then end it.
	time.Sleep(100 * time.Millisecond)
	if err := box.SignalClose(); err != nil {
		t.Fatalf("signaling close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish after close")
	}
	if outcome != OutcomeClosed {
		t.Errorf("outcome = %v, want %v", outcome, OutcomeClosed)
	}

	var beats int
	var sawSuccess bool
	for _, rec := range decodeFrames(t, buf.Bytes()) {
		switch {
		case rec.Status == protocol.StatusSuccess:
			sawSuccess = true
		case rec.Event == protocol.EventHeartbeat:
			if !sawSuccess {
				t.Error("heartbeat emitted before the turn finished")
			}
			beats++
		}
	}
	if beats == 0 {
		t.Error("idle loop emitted no heartbeat frames")
	}
}

func TestRunPassesResumeRequest(t *testing.T) {
	eng := &scriptedEngine{
		script: func(ctx context.Context, turns <-chan engine.Turn, events chan<- engine.Event) {
			<-turns
			events <- engine.Event{Type: engine.EventResult, Text: "resumed"}
		},
	}
	l, _, _ := newTestLoop(t, eng)

	_, err := l.Run(context.Background(), protocol.RunInput{
		Prompt:        "continue",
		SessionHandle: "sess-7",
		ResumeCursor:  "msg_41",
		ToolPolicy:    protocol.ToolPolicyMemoryOnly,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := eng.request()
	if req.SessionHandle != "sess-7" {
		t.Errorf("SessionHandle = %q, want %q", req.SessionHandle, "sess-7")
	}
	if req.ResumeCursor != "msg_41" {
		t.Errorf("ResumeCursor = %q, want %q", req.ResumeCursor, "msg_41")
	}
	if req.ToolPolicy != protocol.ToolPolicyMemoryOnly {
		t.Errorf("ToolPolicy = %q, want %q", req.ToolPolicy, protocol.ToolPolicyMemoryOnly)
	}
}
