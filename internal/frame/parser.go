// Package frame extracts marker-delimited OutputRecords from a worker's raw
// stdout stream. The stream interleaves protocol frames with free-text
// diagnostic lines; framing is sentinel-based rather than line-based because
// a frame's JSON payload may itself contain newlines.
package frame

import (
	"bytes"
	"context"
	"sync"

	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/protocol"
)

// Default byte budgets for the two buffers. The raw buffer exists only for
// diagnostics; the parse buffer is what correctness depends on, so the two
// are capped independently.
const (
	DefaultRawCap   = 1 << 20 // 1 MiB of raw stdout kept for diagnostics
	DefaultParseCap = 1 << 20 // 1 MiB of unparsed data before truncation
)

var (
	startMarker = []byte(protocol.FrameStart)
	endMarker   = []byte(protocol.FrameEnd)
)

// Consumer receives parsed records. Invocations are serialized: the consumer
// for frame N+1 is not started until the consumer for frame N has returned,
// even when Feed is called again while N is still in flight.
type Consumer func(rec protocol.OutputRecord)

// Parser accumulates stdout chunks and extracts framed records.
type Parser struct {
	consumer Consumer
	log      *logging.Logger

	rawCap   int
	parseCap int

	// onExtract fires synchronously inside Feed for every successfully
	// extracted frame, before the consumer chain sees it. The lifecycle
	// controller uses it to reset the progress timeout.
	onExtract func()

	mu           sync.Mutex
	parseBuf     []byte
	raw          bytes.Buffer
	rawTruncated bool
	extracted    int
	skipped      int

	chainMu sync.Mutex
	tail    chan struct{}
}

// Option configures a Parser.
type Option func(*Parser)

// WithRawCap sets the diagnostic buffer byte budget.
func WithRawCap(n int) Option {
	return func(p *Parser) { p.rawCap = n }
}

// WithParseCap sets the parse buffer byte budget.
func WithParseCap(n int) Option {
	return func(p *Parser) { p.parseCap = n }
}

// WithExtractHook sets a hook invoked synchronously per extracted frame.
func WithExtractHook(fn func()) Option {
	return func(p *Parser) { p.onExtract = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// New creates a Parser delivering records to consumer.
func New(consumer Consumer, opts ...Option) *Parser {
	closed := make(chan struct{})
	close(closed)

	p := &Parser{
		consumer: consumer,
		log:      logging.Component("frame"),
		rawCap:   DefaultRawCap,
		parseCap: DefaultParseCap,
		tail:     closed,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed appends a chunk of raw stdout and extracts every complete frame found.
// Partial frames stay buffered for the next call. Safe for use from a single
// reader goroutine; consumer delivery is asynchronous but ordered.
func (p *Parser) Feed(chunk []byte) {
	p.mu.Lock()

	p.appendRaw(chunk)
	p.parseBuf = append(p.parseBuf, chunk...)

	var recs []protocol.OutputRecord
	for {
		rec, ok := p.extractOne()
		if !ok {
			break
		}
		recs = append(recs, rec)
	}

	p.capParseBuf()
	p.mu.Unlock()

	for _, rec := range recs {
		if p.onExtract != nil {
			p.onExtract()
		}
		p.dispatch(rec)
	}
}

// extractOne pulls the first complete frame out of the parse buffer.
// Returns ok=false when no complete frame remains. A frame whose payload
// fails to parse is logged, counted, and skipped; the stream continues.
// Caller holds p.mu.
func (p *Parser) extractOne() (protocol.OutputRecord, bool) {
	for {
		i := bytes.Index(p.parseBuf, startMarker)
		if i < 0 {
			// No start marker: everything buffered is diagnostic noise,
			// except a possible marker prefix at the very end.
			p.trimToTail()
			return protocol.OutputRecord{}, false
		}

		rest := p.parseBuf[i+len(startMarker):]
		j := bytes.Index(rest, endMarker)
		if j < 0 {
			// Partial frame: keep from the start marker onward.
			p.parseBuf = p.parseBuf[i:]
			return protocol.OutputRecord{}, false
		}

		payload := rest[:j]
		p.parseBuf = rest[j+len(endMarker):]

		rec, err := protocol.DecodePayload(payload)
		if err != nil {
			p.skipped++
			p.log.WarnCtx("skipping malformed frame", map[string]any{
				"error": err.Error(),
				"bytes": len(payload),
			})
			continue
		}
		p.extracted++
		return rec, true
	}
}

// trimToTail discards buffered bytes that cannot begin a start marker,
// keeping only a marker-length tail. Caller holds p.mu.
func (p *Parser) trimToTail() {
	keep := len(startMarker) - 1
	if len(p.parseBuf) > keep {
		p.parseBuf = append(p.parseBuf[:0], p.parseBuf[len(p.parseBuf)-keep:]...)
	}
}

// capParseBuf enforces the parse budget without ever corrupting a frame that
// later completes: on overflow the buffer is cut back to the last start
// marker, or to a short tail when none is present. Caller holds p.mu.
func (p *Parser) capParseBuf() {
	if len(p.parseBuf) <= p.parseCap {
		return
	}

	if i := bytes.LastIndex(p.parseBuf, startMarker); i >= 0 {
		p.parseBuf = append(p.parseBuf[:0], p.parseBuf[i:]...)
	} else {
		p.trimToTail()
	}
	p.log.WarnCtx("parse buffer over budget, truncated", map[string]any{
		"kept": len(p.parseBuf),
		"cap":  p.parseCap,
	})
}

// appendRaw copies chunk into the diagnostic buffer up to the raw budget.
// Once capped, further bytes are dropped and the truncation flag sticks;
// parsing is unaffected. Caller holds p.mu.
func (p *Parser) appendRaw(chunk []byte) {
	if p.rawTruncated {
		return
	}
	room := p.rawCap - p.raw.Len()
	if room <= 0 {
		p.rawTruncated = true
		return
	}
	if len(chunk) > room {
		p.raw.Write(chunk[:room])
		p.rawTruncated = true
		return
	}
	p.raw.Write(chunk)
}

// dispatch chains the consumer invocation behind the previous one so a slow
// consumer still observes frames in arrival order.
func (p *Parser) dispatch(rec protocol.OutputRecord) {
	if p.consumer == nil {
		return
	}

	p.chainMu.Lock()
	prev := p.tail
	next := make(chan struct{})
	p.tail = next
	p.chainMu.Unlock()

	go func() {
		<-prev
		p.consumer(rec)
		close(next)
	}()
}

// Settle blocks until every dispatched consumer invocation has returned, or
// the context expires. A wedged consumer therefore cannot hang the caller
// indefinitely.
func (p *Parser) Settle(ctx context.Context) error {
	p.chainMu.Lock()
	tail := p.tail
	p.chainMu.Unlock()

	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Raw returns the captured diagnostic bytes and whether they were truncated.
func (p *Parser) Raw() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.raw.Len())
	copy(out, p.raw.Bytes())
	return out, p.rawTruncated
}

// Extracted returns how many frames parsed successfully.
func (p *Parser) Extracted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extracted
}

// Skipped returns how many frames were discarded as malformed.
func (p *Parser) Skipped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}
