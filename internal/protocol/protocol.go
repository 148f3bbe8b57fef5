// Package protocol defines the wire types exchanged between the warden host
// and its worker processes: the one-shot RunInput written to the worker's
// stdin, the framed OutputRecords it emits on stdout, and the mailbox message
// format. The stdout frame markers and reserved exit codes live here so both
// sides agree on exactly one definition.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame markers delimiting one OutputRecord on the worker's stdout. They are
// textual sentinels rather than line framing because a record payload may
// itself contain newlines, and the stream is interleaved with free-text
// diagnostics that must be ignored.
const (
	FrameStart = "<<<WARDEN_RECORD_BEGIN>>>"
	FrameEnd   = "<<<WARDEN_RECORD_END>>>"
)

// Reserved worker exit codes. Anything non-zero that is not in this table is
// a crash. Kill-signal exits (128+signum) are graceful shutdowns.
const (
	ExitClean         = 0
	ExitOverflow      = 41 // engine reported context-window overflow
	ExitUnrecoverable = 42 // permanently corrupted transcript turn
	ExitKilled        = 137 // 128+SIGKILL, also produced by container runtimes
	ExitTerminated    = 143 // 128+SIGTERM
)

// Machine-checkable prefixes carried in terminal error records so callers can
// branch on failure kind without matching free text.
const (
	ErrPrefixSpawn         = "WARDEN_ERR_SPAWN"
	ErrPrefixInputWrite    = "WARDEN_ERR_INPUT_WRITE"
	ErrPrefixTimeout       = "WARDEN_ERR_TIMEOUT"
	ErrPrefixCrash         = "WARDEN_ERR_CRASH"
	ErrPrefixOverflow      = "WARDEN_ERR_CONTEXT_OVERFLOW"
	ErrPrefixUnrecoverable = "WARDEN_ERR_UNRECOVERABLE_TRANSCRIPT"
)

// Status values for OutputRecord.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusStream  Status = "stream"
	StatusClosed  Status = "closed"
)

// Event names carried by stream records.
const (
	EventInit           = "init"
	EventText           = "text"
	EventThinking       = "thinking"
	EventToolUse        = "tool_use"
	EventCompactWarning = "compact_warning"
	EventInterrupted    = "interrupted"
	// EventHeartbeat marks a worker idling between turns. It exists to feed
	// the host's progress watchdog and is never surfaced to the caller.
	EventHeartbeat = "heartbeat"
)

// Image is an inline image attachment. Data is base64 of the raw bytes;
// MediaType is the MIME type (image/png, image/jpeg, ...).
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolPolicy restricts what the engine may do during a run.
type ToolPolicy string

const (
	// ToolPolicyDefault leaves the engine's tool surface unrestricted.
	ToolPolicyDefault ToolPolicy = "default"
	// ToolPolicyMemoryOnly narrows the run to memory-persistence tools; used
	// for the pre-compaction memory flush run.
	ToolPolicyMemoryOnly ToolPolicy = "memory-only"
)

// RunInput is the single blob the host writes to a worker's stdin before
// closing it. Immutable per run; the orchestrator builds a fresh value for
// every attempt.
type RunInput struct {
	Prompt        string     `json:"prompt"`
	Images        []Image    `json:"images,omitempty"`
	SessionHandle string     `json:"session_handle,omitempty"`
	ResumeCursor  string     `json:"resume_cursor,omitempty"`
	ToolPolicy    ToolPolicy `json:"tool_policy,omitempty"`
}

// OutputRecord is the only unit ever surfaced to the external caller. A run
// emits zero or more stream records and at most one terminal record.
type OutputRecord struct {
	Status        Status `json:"status"`
	Result        string `json:"result,omitempty"`
	SessionHandle string `json:"session_handle,omitempty"`
	ResumeCursor  string `json:"resume_cursor,omitempty"`
	Error         string `json:"error,omitempty"`
	// Event carries intermediate engine activity for stream records:
	// "text", "thinking", "tool_use", "interrupted", "compact_warning",
	// "heartbeat".
	Event     string `json:"event,omitempty"`
	EventText string `json:"event_text,omitempty"`
}

// Terminal reports whether the record ends a logical session from the
// caller's point of view.
func (r OutputRecord) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError || r.Status == StatusClosed
}

// ErrorKind extracts the machine prefix from an error record's message, or ""
// if the message carries none.
func (r OutputRecord) ErrorKind() string {
	if r.Status != StatusError {
		return ""
	}
	prefix, _, ok := strings.Cut(r.Error, ":")
	if !ok {
		return ""
	}
	if strings.HasPrefix(prefix, "WARDEN_ERR_") {
		return prefix
	}
	return ""
}

// Errorf builds a terminal error record with a machine prefix.
func Errorf(kind, format string, args ...any) OutputRecord {
	return OutputRecord{
		Status: StatusError,
		Error:  kind + ": " + fmt.Sprintf(format, args...),
	}
}

// EncodeFrame serializes a record between the frame markers, newline padded
// so frames survive being interleaved with line-oriented diagnostic output.
func EncodeFrame(rec OutputRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	var b strings.Builder
	b.Grow(len(payload) + len(FrameStart) + len(FrameEnd) + 4)
	b.WriteString("\n")
	b.WriteString(FrameStart)
	b.Write(payload)
	b.WriteString(FrameEnd)
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// DecodePayload parses the text between two frame markers as one record.
func DecodePayload(payload []byte) (OutputRecord, error) {
	var rec OutputRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return OutputRecord{}, fmt.Errorf("parsing record payload: %w", err)
	}
	return rec, nil
}

// MailboxMessage is one queued follow-up input for a running worker. The
// close and interrupt sentinels carry no payload and are represented as
// presence files, not messages.
type MailboxMessage struct {
	Type   string  `json:"type"` // always "message"
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}
