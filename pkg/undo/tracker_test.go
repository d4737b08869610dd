package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/document"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

type replica struct {
	store   *document.Store
	tracker *Tracker
	deltas  [][]byte
}

func newReplica(t *testing.T, clock *fakeClock) *replica {
	t.Helper()
	s, err := document.New("", nil)
	require.NoError(t, err)
	r := &replica{store: s, tracker: New(s, Options{Now: clock.Now})}
	s.OnUpdate(func(u document.Update) {
		if u.Origin.Persistable() {
			r.deltas = append(r.deltas, u.Delta)
		}
	})
	t.Cleanup(r.tracker.Close)
	return r
}

func (r *replica) edit(t *testing.T, ops ...document.EditOp) {
	t.Helper()
	_, err := r.store.ApplyLocal(ops...)
	require.NoError(t, err)
}

func (r *replica) sendTo(t *testing.T, other *replica) {
	t.Helper()
	for _, d := range r.deltas {
		require.NoError(t, other.store.ApplyRemote(d, document.Remote(r.store.Replica())))
	}
	r.deltas = nil
}

func TestTracker_coalesces_within_capture_window(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newReplica(t, clock)
	r.edit(t, document.InsertBlock(0, document.Paragraph("")))
	clock.Advance(time.Second)

	r.edit(t, document.InsertText(0, 0, "a"))
	clock.Advance(100 * time.Millisecond)
	r.edit(t, document.InsertText(0, 1, "b"))
	clock.Advance(100 * time.Millisecond)
	r.edit(t, document.InsertText(0, 2, "c"))
	require.Equal(t, "<p>abc</p>", r.store.Snapshot())

	ok, err := r.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p></p>", r.store.Snapshot())

	ok, err = r.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", r.store.Snapshot())

	ok, err = r.tracker.Undo()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTracker_never_undoes_remote_edits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	alice, bob := newReplica(t, clock), newReplica(t, clock)

	alice.edit(t, document.InsertBlock(0, document.Paragraph("hello")))
	alice.sendTo(t, bob)
	alice.tracker.Clear()
	clock.Advance(time.Second)

	alice.edit(t, document.InsertText(0, 5, " alice"))
	alice.sendTo(t, bob)
	bob.edit(t, document.InsertText(0, 0, "bob: "))
	bob.sendTo(t, alice)
	require.Equal(t, "<p>bob: hello alice</p>", alice.store.Snapshot())
	require.False(t, alice.tracker.CanRedo())

	n, err := alice.tracker.UndoAll()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "<p>bob: hello</p>", alice.store.Snapshot())

	alice.sendTo(t, bob)
	require.Equal(t, alice.store.Snapshot(), bob.store.Snapshot())

	// the prefix bob typed is still on bob's own stack
	require.True(t, bob.tracker.CanUndo())
	ok, err := bob.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>hello</p>", bob.store.Snapshot())
}

func TestTracker_remote_change_splits_frames(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	alice, bob := newReplica(t, clock), newReplica(t, clock)
	alice.edit(t, document.InsertBlock(0, document.Paragraph("x")))
	alice.sendTo(t, bob)
	alice.tracker.Clear()

	alice.edit(t, document.InsertText(0, 1, "1"))
	bob.edit(t, document.InsertText(0, 0, ">"))
	bob.sendTo(t, alice)
	alice.edit(t, document.InsertText(0, 3, "2"))
	require.Equal(t, "<p>&gt;x12</p>", alice.store.Snapshot())

	ok, err := alice.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>&gt;x1</p>", alice.store.Snapshot())
	require.True(t, alice.tracker.CanUndo())
}

func TestTracker_redo(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newReplica(t, clock)
	r.edit(t, document.InsertBlock(0, document.Paragraph("keep")))
	clock.Advance(time.Second)
	r.edit(t, document.SetType(0, document.TypeBlockquote))

	ok, err := r.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>keep</p>", r.store.Snapshot())
	require.True(t, r.tracker.CanRedo())

	ok, err = r.tracker.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<blockquote><p>keep</p></blockquote>", r.store.Snapshot())

	ok, err = r.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(time.Second)
	r.edit(t, document.InsertText(0, 4, "!"))
	require.False(t, r.tracker.CanRedo())
}

func TestTracker_closed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newReplica(t, clock)
	r.edit(t, document.InsertBlock(0, document.Paragraph("x")))
	r.tracker.Close()
	_, err := r.tracker.Undo()
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, r.tracker.CanUndo())
}

func TestTracker_undo_block_insert(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	alice, bob := newReplica(t, clock), newReplica(t, clock)
	alice.edit(t, document.InsertBlock(0, document.Paragraph("one")), document.InsertBlock(1, document.Paragraph("three")))
	alice.sendTo(t, bob)
	alice.tracker.Clear()
	clock.Advance(time.Second)

	alice.edit(t, document.InsertBlock(1, document.Heading(2, "two")))
	require.Equal(t, "<p>one</p><h2>two</h2><p>three</p>", alice.store.Snapshot())

	ok, err := alice.tracker.Undo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>one</p><p>three</p>", alice.store.Snapshot())

	ok, err = alice.tracker.Redo()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<p>one</p><h2>two</h2><p>three</p>", alice.store.Snapshot())

	alice.sendTo(t, bob)
	require.Equal(t, alice.store.Snapshot(), bob.store.Snapshot())
}
