package worker

import (
	"sync"

	"github.com/marcus/warden/internal/engine"
)

// Feed is the push-based, never-ending input queue behind a live engine
// conversation. The engine only treats a session as multi-turn if its input
// stream stays open, so the feed buffers without bound and ends iteration
// only on an explicit Close.
type Feed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []engine.Turn
	closed bool
	out    chan engine.Turn

	quit     chan struct{}
	quitOnce sync.Once
}

// NewFeed creates a feed and starts its pump.
func NewFeed() *Feed {
	f := &Feed{
		out:  make(chan engine.Turn),
		quit: make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.pump()
	return f
}

// Push enqueues a turn. Returns false if the feed is already closed.
func (f *Feed) Push(t engine.Turn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.buf = append(f.buf, t)
	f.cond.Signal()
	return true
}

// Close ends the feed. Turns already queued are still delivered; the output
// channel closes after the last one.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.cond.Signal()
}

// Stop abandons the feed: queued turns are dropped and the pump exits even
// when nothing is reading the delivery channel anymore. Use when the
// conversation is over and the engine may have stopped consuming.
func (f *Feed) Stop() {
	f.quitOnce.Do(func() { close(f.quit) })
	f.Close()
}

// C returns the delivery channel. It closes once the feed is closed and
// drained, or immediately after Stop.
func (f *Feed) C() <-chan engine.Turn {
	return f.out
}

func (f *Feed) pump() {
	for {
		f.mu.Lock()
		for len(f.buf) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.buf) == 0 {
			f.mu.Unlock()
			close(f.out)
			return
		}
		t := f.buf[0]
		f.buf = f.buf[1:]
		f.mu.Unlock()

		select {
		case f.out <- t:
		case <-f.quit:
			close(f.out)
			return
		}
	}
}
