package engine

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// KillReason records what terminated a sandbox early.
type KillReason int

const (
	NotKilled KillReason = iota
	KilledOutputLimit
	KilledTimeout
)

// Governor accumulates sandbox output up to a ceiling of limit characters.
// Reaching the ceiling marks the governor killed and invokes onLimit exactly
// once; further output is discarded. Governor is an io.Writer so the
// attached output stream can be copied straight into it.
type Governor struct {
	limit   int
	onLimit func()

	mu      sync.Mutex
	buf     strings.Builder
	count   int
	pending []byte
	reason  KillReason
	done    chan struct{}
}

// NewGovernor creates a Governor. onLimit may be nil.
func NewGovernor(limit int, onLimit func()) *Governor {
	return &Governor{
		limit:   limit,
		onLimit: onLimit,
		done:    make(chan struct{}),
	}
}

// Write appends a chunk of output. It never returns an error so that the
// stream keeps draining after the ceiling is reached.
func (g *Governor) Write(p []byte) (int, error) {
	g.mu.Lock()
	if g.reason != NotKilled {
		g.mu.Unlock()
		return len(p), nil
	}

	g.pending = append(g.pending, p...)
	for g.count < g.limit && len(g.pending) > 0 && utf8.FullRune(g.pending) {
		g.take()
	}
	tripped := g.trip()
	g.mu.Unlock()

	if tripped && g.onLimit != nil {
		g.onLimit()
	}
	return len(p), nil
}

// Close flushes a trailing incomplete UTF-8 sequence once the stream has
// ended. Each of its bytes counts as one character.
func (g *Governor) Close() error {
	g.mu.Lock()
	if g.reason != NotKilled {
		g.mu.Unlock()
		return nil
	}
	for g.count < g.limit && len(g.pending) > 0 {
		g.take()
	}
	tripped := g.trip()
	g.mu.Unlock()

	if tripped && g.onLimit != nil {
		g.onLimit()
	}
	return nil
}

// take moves the next character from pending into buf. Invalid or truncated
// sequences advance by a single byte.
func (g *Governor) take() {
	_, size := utf8.DecodeRune(g.pending)
	g.buf.Write(g.pending[:size])
	g.pending = g.pending[size:]
	g.count++
}

func (g *Governor) trip() bool {
	if g.count < g.limit {
		return false
	}
	g.reason = KilledOutputLimit
	g.pending = nil
	close(g.done)
	return true
}

// MarkKilled records an external termination such as a timeout. It does not
// invoke the limit callback and has no effect once the governor is killed.
func (g *Governor) MarkKilled() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reason != NotKilled {
		return
	}
	g.reason = KilledTimeout
	g.pending = nil
	close(g.done)
}

// Killed reports whether the governor has been killed for any reason.
func (g *Governor) Killed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason != NotKilled
}

// Reason reports why the governor was killed.
func (g *Governor) Reason() KillReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Done is closed once the governor is killed.
func (g *Governor) Done() <-chan struct{} {
	return g.done
}

// Snapshot returns the output captured so far.
func (g *Governor) Snapshot() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.String()
}
