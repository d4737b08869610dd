package viz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/wikisync/pkg/document"
)

func TestWriteDOT(t *testing.T) {
	store, err := document.New("", nil)
	require.NoError(t, err)
	_, err = store.ApplyLocal(document.InsertBlock(0, document.Paragraph("one")))
	require.NoError(t, err)
	_, err = store.ApplyLocal(document.InsertBlock(1, document.Paragraph("two")))
	require.NoError(t, err)

	var buff bytes.Buffer
	require.NoError(t, WriteDOT(store, &buff))
	out := buff.String()
	require.True(t, strings.HasPrefix(out, `digraph "log" {`))
	require.Contains(t, out, "0 blocks (genesis)")
	require.Contains(t, out, "1 blocks (edit)")
	require.Contains(t, out, "2 blocks (edit)")
	require.Equal(t, 2, strings.Count(out, " -> "))
}

func TestRenderToSvg(t *testing.T) {
	store, err := document.New("", nil)
	require.NoError(t, err)
	_, err = store.ApplyLocal(document.InsertBlock(0, document.Heading(2, "Title")))
	require.NoError(t, err)

	path := t.TempDir() + "/history.svg"
	require.NoError(t, RenderToSvg(store, path))
}
