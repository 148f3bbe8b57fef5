// Package engine adapts the external reasoning engine CLI to a typed event
// stream. The engine is a black box: warden hands it a prompt or resume
// handle over a JSON-lines duplex pipe and consumes events until the process
// ends. Everything that depends on the engine's wording (overflow and
// corrupted-transcript detection) is isolated in classify.go.
package engine

import (
	"context"

	"github.com/marcus/warden/internal/protocol"
)

// EventType identifies a typed engine event.
type EventType string

const (
	// EventInit reports the session handle once the conversation exists.
	EventInit EventType = "init"
	// EventText is an assistant text block.
	EventText EventType = "text"
	// EventThinking is an assistant reasoning block.
	EventThinking EventType = "thinking"
	// EventToolUse reports a tool invocation by name.
	EventToolUse EventType = "tool_use"
	// EventCompactWarning signals that the engine is about to compact the
	// conversation context.
	EventCompactWarning EventType = "compact_warning"
	// EventResult terminates one turn, successfully or not.
	EventResult EventType = "result"
)

// Event is one entry in the engine's event stream.
type Event struct {
	Type      EventType
	Text      string // text/thinking content, or the result text
	SessionID string // set on init (and echoed on results by some engines)
	TurnID    string // assistant message id; advances the resume cursor
	ToolName  string // set for tool_use
	IsError   bool   // set on failed results
	ErrorCode string // machine code accompanying failed results, if any
}

// Turn is one unit of user input pushed into a live conversation.
type Turn struct {
	Text   string
	Images []protocol.Image
}

// Request configures one engine conversation.
type Request struct {
	SessionHandle string              // resume handle; empty starts fresh
	ResumeCursor  string              // last processed turn, for precise resume
	ToolPolicy    protocol.ToolPolicy // tool restriction for this run
	WorkDir       string
}

// Client is the session loop's view of the reasoning engine.
//
// Stream opens or resumes a conversation and returns its event stream. The
// conversation stays open across turns: values received from turns extend the
// same engine turn or start the next one, and closing turns tells the engine
// no more input is coming. The returned channel closes when the engine
// finishes or ctx is canceled.
//
// Interrupt cooperatively cancels the in-flight turn without tearing down the
// conversation or the engine process.
type Client interface {
	Stream(ctx context.Context, req Request, turns <-chan Turn) (<-chan Event, error)
	Interrupt(ctx context.Context) error
}
