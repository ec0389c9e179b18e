package collaboration

import (
	"sync"
	"time"
)

/*
LEARNING: DEBOUNCE WITH A CEILING

Every change pushes the flush out by `wait`, but never past
firstDirty + maxWait. A steady stream of edits therefore still reaches
storage at least every maxWait:

	change ─┬─ wait ─┐ (re-armed) ...
	        └──────── maxWait ────────┘ ← hard ceiling

firstDirty is cleared before the flush callback runs, so a change that
lands while the flush is in progress starts a fresh window.
*/
type debouncer struct {
	mu         sync.Mutex
	wait       time.Duration
	maxWait    time.Duration
	fire       func()
	timer      *time.Timer
	seq        uint64
	firstDirty time.Time
	stopped    bool
}

func newDebouncer(wait, maxWait time.Duration, fire func()) *debouncer {
	if maxWait < wait {
		maxWait = wait
	}
	return &debouncer{wait: wait, maxWait: maxWait, fire: fire}
}

// Touch records a change and re-arms the timer.
func (b *debouncer) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	now := time.Now()
	if b.firstDirty.IsZero() {
		b.firstDirty = now
	}
	deadline := now.Add(b.wait)
	if ceiling := b.firstDirty.Add(b.maxWait); ceiling.Before(deadline) {
		deadline = ceiling
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = time.AfterFunc(time.Until(deadline), func() { b.run(seq) })
}

func (b *debouncer) run(seq uint64) {
	b.mu.Lock()
	if b.stopped || seq != b.seq {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.firstDirty = time.Time{}
	b.mu.Unlock()

	b.fire()
}

// Flush cancels the timer and runs the callback now.
func (b *debouncer) Flush() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.cancelLocked()
	b.mu.Unlock()

	b.fire()
}

// Pending reports whether a flush is scheduled.
func (b *debouncer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil
}

// Stop cancels the timer for good. Later calls to Touch are ignored.
func (b *debouncer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.cancelLocked()
}

func (b *debouncer) cancelLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	b.firstDirty = time.Time{}
}
