package mailbox

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fallbackPoll bounds how long Await sleeps between polls when fsnotify
// events are lost or the platform coalesces them.
const fallbackPoll = 2 * time.Second

// Watcher waits for mailbox activity without busy-polling. The host-side
// orchestrator uses it between runs; the worker keeps its plain fixed-interval
// poll because the mailbox directory may be bind-mounted into a sandbox where
// inotify does not propagate.
type Watcher struct {
	box *Mailbox
	fsw *fsnotify.Watcher
}

// NewWatcher starts watching the mailbox root and its input directory.
func NewWatcher(box *Mailbox) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	for _, dir := range []string{box.Root(), filepath.Join(box.Root(), inputDir)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	return &Watcher{box: box, fsw: fsw}, nil
}

// Await blocks until the mailbox yields something (messages or a sentinel)
// or the context ends. It polls once up front so input that arrived before
// the watch began is not missed.
func (w *Watcher) Await(ctx context.Context) (PollResult, error) {
	for {
		res, err := w.box.PollOnce()
		if err != nil {
			return PollResult{}, err
		}
		if !res.Empty() {
			return res, nil
		}

		timer := time.NewTimer(fallbackPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return PollResult{}, ctx.Err()
		case <-w.fsw.Events:
			timer.Stop()
		case err := <-w.fsw.Errors:
			timer.Stop()
			if err != nil {
				return PollResult{}, fmt.Errorf("watching mailbox: %w", err)
			}
		case <-timer.C:
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
