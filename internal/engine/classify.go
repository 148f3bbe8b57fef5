package engine

import "strings"

// ResultClass partitions terminal engine results into the three outcomes the
// session loop reacts to differently.
type ResultClass int

const (
	// ResultNormal is relayed to the caller as-is.
	ResultNormal ResultClass = iota
	// ResultOverflow means the conversation no longer fits the engine's
	// context window; the orchestrator retries, relying on the engine's own
	// compaction on resume.
	ResultOverflow
	// ResultUnrecoverable means a turn is permanently baked into the
	// transcript that the engine rejects on every resume. Never retried.
	ResultUnrecoverable
)

// The engine surfaces these conditions only as free text, so the matching is
// inherently fragile and deliberately confined to this file. Fixtures in
// classify_test.go pin the currently known wordings.
var overflowSignatures = []string{
	"prompt is too long",
	"context window",
	"context_length_exceeded",
	"context low",
	"exceed context limit",
	"input is too long for requested model",
}

// Unrecoverable detection requires BOTH an image-size complaint AND an
// explicit request-rejection code. Either alone is an ordinary error: the
// narrow scope keeps routine failures from being misread as a poisoned
// transcript.
var imageComplaintSignatures = []string{
	"image exceeds",
	"image dimensions exceed",
	"too many pixels",
	"image size exceeds",
}

var rejectionCodes = []string{
	"invalid_request_error",
	"request_too_large",
}

// Classify buckets a terminal result event.
func Classify(ev Event) ResultClass {
	if ev.Type != EventResult {
		return ResultNormal
	}

	text := strings.ToLower(ev.Text)

	for _, sig := range overflowSignatures {
		if strings.Contains(text, sig) {
			return ResultOverflow
		}
	}

	if !ev.IsError {
		return ResultNormal
	}

	hasImageComplaint := false
	for _, sig := range imageComplaintSignatures {
		if strings.Contains(text, sig) {
			hasImageComplaint = true
			break
		}
	}
	if !hasImageComplaint {
		return ResultNormal
	}

	code := strings.ToLower(ev.ErrorCode)
	for _, rc := range rejectionCodes {
		if code == rc || strings.Contains(text, rc) {
			return ResultUnrecoverable
		}
	}
	return ResultNormal
}
