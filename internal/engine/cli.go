package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/protocol"
)

// Scanner buffer sizes for the engine's JSON-lines output. Individual events
// can carry whole file contents inside tool results.
const (
	scanInitialBuf = 256 * 1024
	scanMaxBuf     = 4 * 1024 * 1024
)

// CLIClient drives the reasoning engine CLI over stdin/stdout JSON lines.
type CLIClient struct {
	binary string
	args   []string // extra args appended after the standard set
	log    *logging.Logger

	mu    sync.Mutex
	stdin io.WriteCloser // open while a conversation is live
}

// CLIOption configures a CLIClient.
type CLIOption func(*CLIClient)

// WithArgs appends extra CLI arguments.
func WithArgs(args ...string) CLIOption {
	return func(c *CLIClient) { c.args = append(c.args, args...) }
}

// WithCLILogger sets the logger.
func WithCLILogger(l *logging.Logger) CLIOption {
	return func(c *CLIClient) { c.log = l }
}

// NewCLIClient creates a client for the given engine binary.
func NewCLIClient(binary string, opts ...CLIOption) *CLIClient {
	c := &CLIClient{
		binary: binary,
		log:    logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// buildArgs assembles the CLI argument list for a request.
func (c *CLIClient) buildArgs(req Request) []string {
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if req.SessionHandle != "" {
		args = append(args, "--resume", req.SessionHandle)
	}
	if req.ResumeCursor != "" {
		args = append(args, "--resume-at", req.ResumeCursor)
	}
	if req.ToolPolicy == protocol.ToolPolicyMemoryOnly {
		args = append(args, "--allowed-tools", "memory")
	}
	return append(args, c.args...)
}

// Stream implements Client.
func (c *CLIClient) Stream(ctx context.Context, req Request, turns <-chan Turn) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, c.binary, c.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	// Engine stderr is low-level diagnostic chatter; it flows into the
	// worker's own stderr where the host collects it.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	c.mu.Lock()
	c.stdin = stdin
	c.mu.Unlock()

	// Writer: pump turns into the conversation. Closing the turns channel is
	// the cooperative end-of-input; only then does the engine see EOF.
	go func() {
		enc := json.NewEncoder(stdin)
		for turn := range turns {
			if err := enc.Encode(userMessage(turn)); err != nil {
				c.log.WarnCtx("writing turn to engine", map[string]any{"error": err.Error()})
				break
			}
		}
		c.mu.Lock()
		c.stdin = nil
		c.mu.Unlock()
		_ = stdin.Close()
	}()

	events := make(chan Event, 64)
	go func() {
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			for _, ev := range parseStreamLine(line) {
				select {
				case events <- ev:
				case <-ctx.Done():
					_ = cmd.Process.Kill()
					_ = cmd.Wait()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			c.log.WarnCtx("engine stream ended with error", map[string]any{"error": err.Error()})
		}
		_ = cmd.Wait()
	}()

	return events, nil
}

// Interrupt implements Client: a control line asking the engine to abandon
// the current turn while keeping the conversation resumable.
func (c *CLIClient) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return nil // no live turn to cancel
	}

	ctrl := map[string]any{
		"type":    "control_request",
		"request": map[string]any{"subtype": "interrupt"},
	}
	data, err := json.Marshal(ctrl)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sending interrupt: %w", err)
	}
	return nil
}

// streamMsg mirrors the subset of the engine's stream-json output warden
// cares about.
type streamMsg struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Error     struct {
		Type    string `json:"type,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
	Message *struct {
		ID      string `json:"id,omitempty"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text,omitempty"`
			Thinking string `json:"thinking,omitempty"`
			Name     string `json:"name,omitempty"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`
}

// parseStreamLine maps one engine output line to zero or more typed events.
// Non-JSON lines are diagnostic noise and yield nothing.
func parseStreamLine(line string) []Event {
	var msg streamMsg
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			return []Event{{Type: EventInit, SessionID: msg.SessionID}}
		}
		if strings.HasPrefix(msg.Subtype, "compact") || msg.Subtype == "context_low" {
			return []Event{{Type: EventCompactWarning, SessionID: msg.SessionID}}
		}
		return nil

	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var evs []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					evs = append(evs, Event{Type: EventText, Text: block.Text, TurnID: msg.Message.ID})
				}
			case "thinking":
				if block.Thinking != "" {
					evs = append(evs, Event{Type: EventThinking, Text: block.Thinking, TurnID: msg.Message.ID})
				}
			case "tool_use":
				evs = append(evs, Event{Type: EventToolUse, ToolName: block.Name, TurnID: msg.Message.ID})
			}
		}
		return evs

	case "result":
		ev := Event{
			Type:      EventResult,
			Text:      msg.Result,
			SessionID: msg.SessionID,
			IsError:   msg.IsError,
			ErrorCode: msg.Error.Type,
		}
		if ev.ErrorCode == "" && msg.IsError && msg.Subtype != "" && msg.Subtype != "success" {
			ev.ErrorCode = msg.Subtype
		}
		return []Event{ev}
	}
	return nil
}

// userMessage encodes one turn as the engine's stream-json user message.
func userMessage(turn Turn) map[string]any {
	content := []map[string]any{}
	if turn.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": turn.Text})
	}
	for _, img := range turn.Images {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Data,
			},
		})
	}
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
}
