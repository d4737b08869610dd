package document

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RenderHTML produces the interchange form of a block list. The output depends only on the blocks, so two
// converged replicas always render byte-identical strings.
func RenderHTML(blocks []Block) string {
	var buf strings.Builder
	for i := 0; i < len(blocks); {
		n, next := renderGroup(blocks, i)
		if err := html.Render(&buf, n); err != nil {
			// strings.Builder never fails to write
			panic(err)
		}
		i = next
	}
	return buf.String()
}

func renderGroup(blocks []Block, i int) (*html.Node, int) {
	b := blocks[i]
	switch b.Type {
	case TypeBulletItem, TypeOrderedItem, TypeTaskItem:
		list := element(atom.Ul, nil)
		if b.Type == TypeOrderedItem {
			list = element(atom.Ol, nil)
		} else if b.Type == TypeTaskItem {
			list = element(atom.Ul, map[string]string{"data-type": "taskList"})
		}
		j := i
		for ; j < len(blocks) && blocks[j].Type == b.Type; j++ {
			var attrs map[string]string
			if b.Type == TypeTaskItem {
				attrs = map[string]string{"data-type": "taskItem", "data-checked": strconv.FormatBool(blocks[j].Attrs["checked"] == "true")}
			}
			list.AppendChild(element(atom.Li, attrs, text(blocks[j].Text)))
		}
		return list, j
	case TypeTableCell:
		body := element(atom.Tbody, nil)
		var row *html.Node
		prevRow := ""
		j := i
		for ; j < len(blocks) && blocks[j].Type == TypeTableCell; j++ {
			if r := blocks[j].Attrs["row"]; row == nil || r != prevRow {
				row = element(atom.Tr, nil)
				body.AppendChild(row)
				prevRow = r
			}
			row.AppendChild(element(atom.Td, nil, text(blocks[j].Text)))
		}
		return element(atom.Table, nil, body), j
	case TypeHeading:
		level, err := strconv.Atoi(b.Attrs["level"])
		if err != nil || level < 1 || level > 6 {
			level = 1
		}
		return element(headingAtoms[level-1], nil, text(b.Text)), i + 1
	case TypeCodeBlock:
		var attrs map[string]string
		if lang := b.Attrs["language"]; lang != "" {
			attrs = map[string]string{"class": "language-" + lang}
		}
		return element(atom.Pre, nil, element(atom.Code, attrs, text(b.Text))), i + 1
	case TypeBlockquote:
		return element(atom.Blockquote, nil, element(atom.P, nil, text(b.Text))), i + 1
	case TypeImage:
		attrs := map[string]string{"src": b.Attrs["src"]}
		if alt := b.Attrs["alt"]; alt != "" {
			attrs["alt"] = alt
		}
		return element(atom.Img, attrs), i + 1
	case TypeRule:
		return element(atom.Hr, nil), i + 1
	default:
		return element(atom.P, nil, text(b.Text)), i + 1
	}
}

var headingAtoms = []atom.Atom{atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6}

func element(a atom.Atom, attrs map[string]string, children ...*html.Node) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: attrs[k]})
	}
	for _, c := range children {
		if c != nil {
			n.AppendChild(c)
		}
	}
	return n
}

func text(s string) *html.Node {
	if s == "" {
		return nil
	}
	return &html.Node{Type: html.TextNode, Data: s}
}

// ParseHTML converts stored page content into blocks. Inline formatting is flattened to its text.
func ParseHTML(content string) ([]Block, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	p := &htmlParser{}
	if body := findElement(doc, atom.Body); body != nil {
		p.walkChildren(body)
	} else {
		p.walkChildren(doc)
	}
	return p.blocks, nil
}

type htmlParser struct {
	blocks []Block
}

func (p *htmlParser) add(b Block) {
	p.blocks = append(p.blocks, b)
}

func (p *htmlParser) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

func (p *htmlParser) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			p.add(Paragraph(t))
		}
		return
	case html.ElementNode:
	default:
		p.walkChildren(n)
		return
	}

	switch n.DataAtom {
	case atom.P:
		p.add(Paragraph(textContent(n)))
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		p.add(Heading(slices.Index(headingAtoms, n.DataAtom)+1, textContent(n)))
	case atom.Ul:
		if attr(n, "data-type") == "taskList" {
			p.listItems(n, TypeTaskItem)
		} else {
			p.listItems(n, TypeBulletItem)
		}
	case atom.Ol:
		p.listItems(n, TypeOrderedItem)
	case atom.Pre:
		b := Block{Type: TypeCodeBlock, Text: rawText(n)}
		if code := findElement(n, atom.Code); code != nil {
			for _, class := range strings.Fields(attr(code, "class")) {
				if lang, ok := strings.CutPrefix(class, "language-"); ok {
					b.Attrs = map[string]string{"language": lang}
				}
			}
		}
		p.add(b)
	case atom.Blockquote:
		found := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				found = true
				p.add(Block{Type: TypeBlockquote, Text: textContent(c)})
			}
		}
		if !found {
			p.add(Block{Type: TypeBlockquote, Text: textContent(n)})
		}
	case atom.Hr:
		p.add(Block{Type: TypeRule})
	case atom.Img:
		attrs := map[string]string{"src": attr(n, "src")}
		if alt := attr(n, "alt"); alt != "" {
			attrs["alt"] = alt
		}
		p.add(Block{Type: TypeImage, Attrs: attrs})
	case atom.Table:
		p.table(n)
	case atom.Script, atom.Style, atom.Head:
	default:
		p.walkChildren(n)
	}
}

func (p *htmlParser) listItems(list *html.Node, itemType string) {
	for li := list.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		b := Block{Type: itemType}
		if itemType == TypeTaskItem || attr(li, "data-type") == "taskItem" {
			b.Type = TypeTaskItem
			b.Attrs = map[string]string{"checked": strconv.FormatBool(attr(li, "data-checked") == "true")}
		}
		var own strings.Builder
		var nested []*html.Node
		for c := li.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.DataAtom == atom.Ul || c.DataAtom == atom.Ol) {
				nested = append(nested, c)
				continue
			}
			if own.Len() > 0 && c.Type == html.ElementNode {
				own.WriteString(" ")
			}
			own.WriteString(collectText(c))
		}
		b.Text = strings.TrimSpace(own.String())
		p.add(b)
		for _, c := range nested {
			p.walk(c)
		}
	}
}

func (p *htmlParser) table(n *html.Node) {
	row := 0
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom != atom.Tr {
				visit(c)
				continue
			}
			col := 0
			for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.DataAtom == atom.Td || cell.DataAtom == atom.Th) {
					p.add(Block{
						Type:  TypeTableCell,
						Attrs: map[string]string{"row": strconv.Itoa(row), "col": strconv.Itoa(col)},
						Text:  textContent(cell),
					})
					col++
				}
			}
			row++
		}
	}
	visit(n)
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return buf.String()
}

func textContent(n *html.Node) string {
	return strings.TrimSpace(collectText(n))
}

// rawText keeps whitespace, code blocks depend on it.
func rawText(n *html.Node) string {
	return collectText(n)
}
