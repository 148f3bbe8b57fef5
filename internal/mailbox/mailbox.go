// Package mailbox implements the directory-backed message channel between a
// warden host and a running worker. Messages are files under input/, named so
// lexical order equals arrival order; close and interrupt are sentinel
// presence-files beside it. Every successful read deletes what it read, so
// delivery is at-most-once and a sentinel never leaks into the next run.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/protocol"
)

const (
	inputDir      = "input"
	closeSentinel = "close"
	intrSentinel  = "interrupt"
)

// seq disambiguates messages posted within the same nanosecond.
var seq atomic.Uint64

// Mailbox is one session's message directory.
type Mailbox struct {
	root string
	log  *logging.Logger
}

// PollResult is the outcome of a single poll. Exactly one of the fields is
// meaningful: Closed, Interrupted, or Messages (possibly empty, meaning poll
// again later).
type PollResult struct {
	Closed      bool
	Interrupted bool
	Messages    []protocol.MailboxMessage
}

// Empty reports whether the poll observed nothing.
func (r PollResult) Empty() bool {
	return !r.Closed && !r.Interrupted && len(r.Messages) == 0
}

// Open creates (if needed) and returns the mailbox rooted at dir.
func Open(dir string) (*Mailbox, error) {
	if dir == "" {
		return nil, errors.New("mailbox dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, inputDir), 0755); err != nil {
		return nil, fmt.Errorf("creating mailbox dir: %w", err)
	}
	return &Mailbox{
		root: dir,
		log:  logging.Component("mailbox"),
	}, nil
}

// Root returns the mailbox directory.
func (m *Mailbox) Root() string {
	return m.root
}

// Post durably enqueues a message. The write is atomic (temp file + rename)
// so a concurrent poller never observes a partial message.
func (m *Mailbox) Post(msg protocol.MailboxMessage) error {
	msg.Type = "message"
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	name := fmt.Sprintf("%020d-%06d-%s.json",
		time.Now().UnixNano(), seq.Add(1), uuid.NewString()[:8])
	final := filepath.Join(m.root, inputDir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing message: %w", err)
	}
	return nil
}

// SignalClose sets the close sentinel.
func (m *Mailbox) SignalClose() error {
	return m.touch(closeSentinel)
}

// SignalInterrupt sets the interrupt sentinel.
func (m *Mailbox) SignalInterrupt() error {
	return m.touch(intrSentinel)
}

func (m *Mailbox) touch(name string) error {
	path := filepath.Join(m.root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, nil, 0644); err != nil {
		return fmt.Errorf("writing %s sentinel: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing %s sentinel: %w", name, err)
	}
	return nil
}

// PollOnce observes and consumes at most one kind of input, with sentinel
// precedence close > interrupt > messages. Observing a sentinel deletes it,
// so it is honored exactly once.
func (m *Mailbox) PollOnce() (PollResult, error) {
	if m.consumeSentinel(closeSentinel) {
		return PollResult{Closed: true}, nil
	}
	if m.consumeSentinel(intrSentinel) {
		return PollResult{Interrupted: true}, nil
	}

	msgs, err := m.DrainAll()
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{Messages: msgs}, nil
}

// consumeSentinel removes the sentinel file if present, reporting whether it
// existed. Remove is the observation: whichever poller wins the race owns the
// signal.
func (m *Mailbox) consumeSentinel(name string) bool {
	err := os.Remove(filepath.Join(m.root, name))
	return err == nil
}

// DrainAll returns and deletes all currently queued messages in filename
// (arrival) order. A malformed file is logged and deleted rather than left to
// poison future polls.
func (m *Mailbox) DrainAll() ([]protocol.MailboxMessage, error) {
	dir := filepath.Join(m.root, inputDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mailbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var msgs []protocol.MailboxMessage
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			// Lost the race with another reader; skip.
			continue
		}

		var msg protocol.MailboxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.WarnCtx("discarding malformed mailbox message", map[string]any{
				"file":  name,
				"error": err.Error(),
			})
			_ = os.Remove(path)
			continue
		}

		if err := os.Remove(path); err != nil {
			m.log.WarnCtx("removing consumed message", map[string]any{
				"file":  name,
				"error": err.Error(),
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Merge combines drained messages into a single message: texts joined by
// newlines, image lists concatenated in encounter order.
func Merge(msgs []protocol.MailboxMessage) protocol.MailboxMessage {
	var texts []string
	var images []protocol.Image
	for _, m := range msgs {
		texts = append(texts, m.Text)
		images = append(images, m.Images...)
	}
	return protocol.MailboxMessage{
		Type:   "message",
		Text:   strings.Join(texts, "\n"),
		Images: images,
	}
}

// Destroy removes the whole mailbox directory. Used once a session has ended.
func (m *Mailbox) Destroy() error {
	return os.RemoveAll(m.root)
}
