// Package undo keeps per-replica undo and redo stacks over a shared document. Only edits authored by this
// replica are tracked and undoing them never touches anyone else's edits.
package undo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/wikisync/pkg/document"
)

const DefaultCaptureTimeout = 300 * time.Millisecond

var ErrClosed = errors.New("undo tracker closed")

// Frame is a group of local ops undone together. Heads is the document state directly after the ops.
type Frame struct {
	Heads []automerge.ChangeHash
	Ops   []document.EditOp
	At    time.Time
}

// Reverter is the part of the document store the tracker needs.
type Reverter interface {
	OnUpdate(fn func(document.Update)) (cancel func())
	Revert(heads []automerge.ChangeHash, ops []document.EditOp) ([]document.EditOp, []automerge.ChangeHash, error)
}

type Options struct {
	// CaptureTimeout merges local edits arriving within this window of the previous one into one frame.
	CaptureTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type Tracker struct {
	store  Reverter
	opts   Options
	logger *slog.Logger
	cancel func()

	mu        sync.Mutex
	undo      []Frame
	redo      []Frame
	capturing bool
	closed    bool
	// busy serialises Undo/Redo so a frame is never reverted twice.
	busy sync.Mutex
}

func New(store Reverter, opts Options) *Tracker {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracker{store: store, opts: opts, logger: opts.Logger, capturing: true}
	t.cancel = store.OnUpdate(t.observe)
	return t
}

func (t *Tracker) observe(u document.Update) {
	if u.Origin.Kind != document.OriginLocal || len(u.Ops) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	now := t.opts.Now()
	t.redo = nil
	if n := len(t.undo); n > 0 && t.capturing {
		top := &t.undo[n-1]
		if now.Sub(top.At) < t.opts.CaptureTimeout && document.SameHeads(top.Heads, u.HeadsBefore) {
			top.Ops = append(top.Ops, u.Ops...)
			top.Heads = u.HeadsAfter
			top.At = now
			return
		}
	}
	t.undo = append(t.undo, Frame{Heads: u.HeadsAfter, Ops: append([]document.EditOp(nil), u.Ops...), At: now})
	t.capturing = true
}

// StopCapturing makes the next local edit start a new frame regardless of timing.
func (t *Tracker) StopCapturing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capturing = false
}

func (t *Tracker) CanUndo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.undo) > 0
}

func (t *Tracker) CanRedo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.redo) > 0
}

// Undo reverts the most recent local frame. It reports false when there was nothing to undo.
func (t *Tracker) Undo() (bool, error) {
	return t.step(&t.undo, &t.redo, "undo")
}

// Redo re-applies the most recently undone frame.
func (t *Tracker) Redo() (bool, error) {
	return t.step(&t.redo, &t.undo, "redo")
}

// UndoAll reverts every tracked frame, newest first, and returns how many were reverted.
func (t *Tracker) UndoAll() (int, error) {
	n := 0
	for {
		ok, err := t.Undo()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (t *Tracker) step(from, to *[]Frame, action string) (bool, error) {
	t.busy.Lock()
	defer t.busy.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, ErrClosed
	}
	if len(*from) == 0 {
		t.mu.Unlock()
		return false, nil
	}
	frame := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	t.mu.Unlock()

	inverses, heads, err := t.store.Revert(frame.Heads, frame.Ops)
	if err != nil {
		t.mu.Lock()
		*from = append(*from, frame)
		t.mu.Unlock()
		return false, fmt.Errorf("failed to %s: %w", action, err)
	}

	t.mu.Lock()
	*to = append(*to, Frame{Heads: heads, Ops: inverses, At: t.opts.Now()})
	// the reverted frame must not absorb the next local edit
	t.capturing = false
	t.mu.Unlock()
	t.logger.Debug("reverted frame", "action", action, "ops", len(frame.Ops))
	return true, nil
}

// Clear drops both stacks.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo, t.redo = nil, nil
}

// Close unsubscribes from the store and drops all frames.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.undo, t.redo = nil, nil
	t.mu.Unlock()
	t.cancel()
}
