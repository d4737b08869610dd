package document

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHTML(t *testing.T) {
	blocks, err := ParseHTML(`<h2>Intro</h2>
<p>Hello <em>there</em></p>
<ul><li><p>one</p></li><li>two</li></ul>
<ol><li>first</li></ol>
<ul data-type="taskList"><li data-type="taskItem" data-checked="true">done</li></ul>
<pre><code class="language-go">x := 1</code></pre>
<blockquote><p>quoted</p></blockquote>
<hr>
<img src="/a.png" alt="pic">
<table><tr><th>h1</th><th>h2</th></tr><tr><td>a</td><td>b</td></tr></table>`)
	require.NoError(t, err)
	require.Equal(t, []Block{
		Heading(2, "Intro"),
		Paragraph("Hello there"),
		{Type: TypeBulletItem, Text: "one"},
		{Type: TypeBulletItem, Text: "two"},
		{Type: TypeOrderedItem, Text: "first"},
		{Type: TypeTaskItem, Attrs: map[string]string{"checked": "true"}, Text: "done"},
		{Type: TypeCodeBlock, Attrs: map[string]string{"language": "go"}, Text: "x := 1"},
		{Type: TypeBlockquote, Text: "quoted"},
		{Type: TypeRule},
		{Type: TypeImage, Attrs: map[string]string{"src": "/a.png", "alt": "pic"}},
		{Type: TypeTableCell, Attrs: map[string]string{"row": "0", "col": "0"}, Text: "h1"},
		{Type: TypeTableCell, Attrs: map[string]string{"row": "0", "col": "1"}, Text: "h2"},
		{Type: TypeTableCell, Attrs: map[string]string{"row": "1", "col": "0"}, Text: "a"},
		{Type: TypeTableCell, Attrs: map[string]string{"row": "1", "col": "1"}, Text: "b"},
	}, blocks)
}

func TestRenderHTML_roundtrip(t *testing.T) {
	blocks := []Block{
		Heading(1, "T & C"),
		Paragraph("a <b>"),
		{Type: TypeBulletItem, Text: "x"},
		{Type: TypeBulletItem, Text: "y"},
		{Type: TypeTaskItem, Attrs: map[string]string{"checked": "false"}, Text: "todo"},
		{Type: TypeTableCell, Attrs: map[string]string{"row": "0", "col": "0"}, Text: "c"},
		{Type: TypeRule},
	}
	out := RenderHTML(blocks)
	require.Equal(t, `<h1>T &amp; C</h1><p>a &lt;b&gt;</p><ul><li>x</li><li>y</li></ul>`+
		`<ul data-type="taskList"><li data-checked="false" data-type="taskItem">todo</li></ul>`+
		`<table><tbody><tr><td>c</td></tr></tbody></table><hr/>`, out)

	parsed, err := ParseHTML(out)
	require.NoError(t, err)
	require.Equal(t, blocks, parsed)
}

func TestParseHTML_empty(t *testing.T) {
	blocks, err := ParseHTML("   ")
	require.NoError(t, err)
	require.Empty(t, blocks)

	blocks, err = ParseHTML("<p></p>")
	require.NoError(t, err)
	require.Equal(t, []Block{Paragraph("")}, blocks)
}
