package document

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"
)

func TestHistory_and_time_travel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ApplyLocal(InsertBlock(0, Paragraph("one")))
	require.NoError(t, err)
	first := s.Heads()
	_, err = s.ApplyLocal(InsertBlock(1, Heading(2, "two")))
	require.NoError(t, err)

	changes, err := s.History()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(changes), 3)
	last := changes[len(changes)-1]
	require.Equal(t, s.Replica(), last.Actor)
	require.True(t, SameHeads(s.Heads(), []automerge.ChangeHash{last.Hash}))
	require.True(t, SameHeads(first, last.Deps))

	blocks, err := s.BlocksAt(first...)
	require.NoError(t, err)
	require.Equal(t, []Block{Paragraph("one")}, blocks)

	html, err := s.SnapshotAt(first...)
	require.NoError(t, err)
	require.Equal(t, "<p>one</p>", html)
	require.Equal(t, "<p>one</p><h2>two</h2>", s.Snapshot())
}
