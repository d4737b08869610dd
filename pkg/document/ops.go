package document

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrOutOfRange       = errors.New("position out of range")
	ErrUnknownBlockType = errors.New("unknown block type")
	ErrInvalidOp        = errors.New("invalid edit op")
)

type OpKind int

const (
	OpInsertText OpKind = iota
	OpDeleteText
	OpInsertBlock
	OpDeleteBlock
	OpSetAttr
	OpSetType
)

func (k OpKind) String() string {
	switch k {
	case OpInsertText:
		return "insert-text"
	case OpDeleteText:
		return "delete-text"
	case OpInsertBlock:
		return "insert-block"
	case OpDeleteBlock:
		return "delete-block"
	case OpSetAttr:
		return "set-attr"
	case OpSetType:
		return "set-type"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// EditOp is one structural or textual edit. Positions are rune offsets into a block's text. Once applied by a
// Store the op is resolved: DeleteText carries the removed Text, DeleteBlock carries the removed Node, and
// SetAttr/SetType carry the value they replaced so that Invert can produce an exact inverse.
type EditOp struct {
	Kind   OpKind `json:"kind"`
	Block  int    `json:"block"`
	Pos    int    `json:"pos,omitempty"`
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`
	Node   *Block `json:"node,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Unset bool   `json:"unset,omitempty"`

	Prev    string `json:"prev,omitempty"`
	HadPrev bool   `json:"hadPrev,omitempty"`
}

func InsertText(block, pos int, text string) EditOp {
	return EditOp{Kind: OpInsertText, Block: block, Pos: pos, Text: text}
}

func DeleteText(block, pos, length int) EditOp {
	return EditOp{Kind: OpDeleteText, Block: block, Pos: pos, Length: length}
}

func InsertBlock(index int, b Block) EditOp {
	c := b.Clone()
	return EditOp{Kind: OpInsertBlock, Block: index, Node: &c}
}

func DeleteBlock(index int) EditOp {
	return EditOp{Kind: OpDeleteBlock, Block: index}
}

func SetAttr(block int, key, value string) EditOp {
	return EditOp{Kind: OpSetAttr, Block: block, Key: key, Value: value}
}

func UnsetAttr(block int, key string) EditOp {
	return EditOp{Kind: OpSetAttr, Block: block, Key: key, Unset: true}
}

func SetType(block int, blockType string) EditOp {
	return EditOp{Kind: OpSetType, Block: block, Value: blockType}
}

// Invert returns the op that undoes a resolved op when applied to the state directly after it.
func (o EditOp) Invert() EditOp {
	switch o.Kind {
	case OpInsertText:
		inv := DeleteText(o.Block, o.Pos, utf8.RuneCountInString(o.Text))
		inv.Text = o.Text
		return inv
	case OpDeleteText:
		return InsertText(o.Block, o.Pos, o.Text)
	case OpInsertBlock:
		inv := DeleteBlock(o.Block)
		if o.Node != nil {
			c := o.Node.Clone()
			inv.Node = &c
		}
		return inv
	case OpDeleteBlock:
		if o.Node == nil {
			return InsertBlock(o.Block, Paragraph(""))
		}
		return InsertBlock(o.Block, *o.Node)
	case OpSetAttr:
		var inv EditOp
		if o.HadPrev {
			inv = SetAttr(o.Block, o.Key, o.Prev)
		} else {
			inv = UnsetAttr(o.Block, o.Key)
		}
		inv.Prev, inv.HadPrev = o.Value, !o.Unset
		return inv
	case OpSetType:
		inv := SetType(o.Block, o.Prev)
		inv.Prev, inv.HadPrev = o.Value, true
		return inv
	}
	return o
}

// view is a plain copy of the block list used to validate and resolve ops before the CRDT is touched.
type view []Block

func (v view) clone() view {
	out := make(view, len(v))
	for i, b := range v {
		out[i] = b.Clone()
	}
	return out
}

func (v *view) apply(op *EditOp) error {
	blocks := *v
	switch op.Kind {
	case OpInsertText, OpDeleteText, OpSetAttr, OpSetType:
		if op.Block < 0 || op.Block >= len(blocks) {
			return fmt.Errorf("%w: block %d of %d", ErrOutOfRange, op.Block, len(blocks))
		}
	}
	switch op.Kind {
	case OpInsertText:
		runes := []rune(blocks[op.Block].Text)
		if op.Pos < 0 || op.Pos > len(runes) {
			return fmt.Errorf("%w: insert at %d in text of length %d", ErrOutOfRange, op.Pos, len(runes))
		}
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrInvalidOp)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidOp)
		}
		blocks[op.Block].Text = string(runes[:op.Pos]) + op.Text + string(runes[op.Pos:])
	case OpDeleteText:
		runes := []rune(blocks[op.Block].Text)
		if op.Length <= 0 || op.Pos < 0 || op.Pos+op.Length > len(runes) {
			return fmt.Errorf("%w: delete %d at %d in text of length %d", ErrOutOfRange, op.Length, op.Pos, len(runes))
		}
		op.Text = string(runes[op.Pos : op.Pos+op.Length])
		blocks[op.Block].Text = string(runes[:op.Pos]) + string(runes[op.Pos+op.Length:])
	case OpInsertBlock:
		if op.Block < 0 || op.Block > len(blocks) {
			return fmt.Errorf("%w: insert block at %d of %d", ErrOutOfRange, op.Block, len(blocks))
		}
		if op.Node == nil {
			return fmt.Errorf("%w: insert block without node", ErrInvalidOp)
		}
		if !ValidType(op.Node.Type) {
			return fmt.Errorf("%w: %q", ErrUnknownBlockType, op.Node.Type)
		}
		if !utf8.ValidString(op.Node.Text) {
			return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidOp)
		}
		for k, val := range op.Node.Attrs {
			if !utf8.ValidString(k) || !utf8.ValidString(val) {
				return fmt.Errorf("%w: attribute %q is not valid utf-8", ErrInvalidOp, k)
			}
		}
		blocks = append(blocks, Block{})
		copy(blocks[op.Block+1:], blocks[op.Block:])
		blocks[op.Block] = op.Node.Clone()
	case OpDeleteBlock:
		if op.Block < 0 || op.Block >= len(blocks) {
			return fmt.Errorf("%w: delete block %d of %d", ErrOutOfRange, op.Block, len(blocks))
		}
		removed := blocks[op.Block].Clone()
		op.Node = &removed
		blocks = append(blocks[:op.Block], blocks[op.Block+1:]...)
	case OpSetAttr:
		if op.Key == "" {
			return fmt.Errorf("%w: empty attribute key", ErrInvalidOp)
		}
		if !utf8.ValidString(op.Key) || !utf8.ValidString(op.Value) {
			return fmt.Errorf("%w: attribute %q is not valid utf-8", ErrInvalidOp, op.Key)
		}
		b := &blocks[op.Block]
		op.Prev, op.HadPrev = b.Attrs[op.Key]
		if op.Unset {
			delete(b.Attrs, op.Key)
		} else {
			if b.Attrs == nil {
				b.Attrs = map[string]string{}
			}
			b.Attrs[op.Key] = op.Value
		}
	case OpSetType:
		if !ValidType(op.Value) {
			return fmt.Errorf("%w: %q", ErrUnknownBlockType, op.Value)
		}
		op.Prev, op.HadPrev = blocks[op.Block].Type, true
		blocks[op.Block].Type = op.Value
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
	}
	*v = blocks
	return nil
}
