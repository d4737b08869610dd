package document

import (
	"maps"
	"slices"
	"strconv"
)

const (
	TypeParagraph   = "paragraph"
	TypeHeading     = "heading"
	TypeBulletItem  = "bullet_item"
	TypeOrderedItem = "ordered_item"
	TypeTaskItem    = "task_item"
	TypeCodeBlock   = "code_block"
	TypeBlockquote  = "blockquote"
	TypeTableCell   = "table_cell"
	TypeImage       = "image"
	TypeRule        = "horizontal_rule"
)

var blockTypes = []string{
	TypeParagraph, TypeHeading, TypeBulletItem, TypeOrderedItem, TypeTaskItem,
	TypeCodeBlock, TypeBlockquote, TypeTableCell, TypeImage, TypeRule,
}

// ValidType reports whether t is one of the supported block types.
func ValidType(t string) bool {
	return slices.Contains(blockTypes, t)
}

// Block is one element of the page's block list. Text is plain text, inline marks are flattened away.
type Block struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Text  string            `json:"text,omitempty"`
}

func Paragraph(text string) Block {
	return Block{Type: TypeParagraph, Text: text}
}

func Heading(level int, text string) Block {
	return Block{Type: TypeHeading, Attrs: map[string]string{"level": strconv.Itoa(level)}, Text: text}
}

func (b Block) Clone() Block {
	out := b
	if b.Attrs != nil {
		out.Attrs = maps.Clone(b.Attrs)
	}
	return out
}

// hasContent is false for blocks that render as nothing the user typed.
func (b Block) hasContent() bool {
	switch b.Type {
	case TypeImage:
		return b.Attrs["src"] != ""
	case TypeRule:
		return true
	default:
		return b.Text != ""
	}
}
