package document

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

var ErrMalformedDelta = errors.New("malformed delta")

const (
	// genesisActor commits the root block list on every replica with identical bytes, so two replicas that
	// start empty never race to create conflicting roots.
	genesisActor = "77696b6973796e632d67656e65736973"
	blocksKey    = "blocks"
)

var genesisTime = time.Unix(0, 0).UTC()

// Update is emitted for every state change of a Store, whatever its cause.
type Update struct {
	Origin      Origin
	Delta       []byte
	HeadsBefore []automerge.ChangeHash
	HeadsAfter  []automerge.ChangeHash
	// Ops is only populated for local and undo origins.
	Ops []EditOp
}

type subscriber struct {
	id uint64
	fn func(Update)
}

// Store is one replica of a page document. Mutations are serialised and subscribers are notified in mutation
// order, outside the document lock. Subscribers may read from the store but must not mutate it synchronously.
type Store struct {
	writeMu sync.Mutex
	mu      sync.Mutex
	doc     *automerge.Doc
	replica string
	logger  *slog.Logger

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub uint64
}

// NewReplicaID returns a random actor id suitable for a new replica.
func NewReplicaID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func genesisDoc() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	if err := doc.Path(blocksKey).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create block list: %w", err)
	}
	if _, err := doc.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("failed to commit genesis: %w", err)
	}
	return doc, nil
}

// New returns a store holding only the genesis change.
func New(replica string, logger *slog.Logger) (*Store, error) {
	doc, err := genesisDoc()
	if err != nil {
		return nil, err
	}
	return newStore(doc, replica, logger)
}

// Load restores a store from a saved document, making sure the genesis change is present.
func Load(raw []byte, replica string, logger *slog.Logger) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if v, err := doc.Path(blocksKey).Get(); err != nil || v.Kind() != automerge.KindList {
		g, err := genesisDoc()
		if err != nil {
			return nil, err
		}
		if _, err := doc.Merge(g); err != nil {
			return nil, fmt.Errorf("failed to merge genesis: %w", err)
		}
	}
	return newStore(doc, replica, logger)
}

func newStore(doc *automerge.Doc, replica string, logger *slog.Logger) (*Store, error) {
	if replica == "" {
		replica = NewReplicaID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := doc.SetActorID(replica); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return &Store{doc: doc, replica: replica, logger: logger}, nil
}

func (s *Store) Replica() string {
	return s.replica
}

// OnUpdate registers fn for every future update. The returned func removes the registration.
func (s *Store) OnUpdate(fn func(Update)) (cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

func (s *Store) publish(u Update) {
	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(u)
	}
}

// ApplyLocal validates ops against the current state, applies them as one change authored by this replica and
// emits a local update. On validation failure nothing is applied. The returned ops are resolved.
func (s *Store) ApplyLocal(ops ...EditOp) ([]EditOp, error) {
	return s.applyOps(Local(), "edit", ops)
}

// Seed parses content and appends its blocks with the initial-sync origin.
func (s *Store) Seed(content string) error {
	blocks, err := ParseHTML(content)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	s.mu.Lock()
	offset := s.doc.Path(blocksKey).List().Len()
	s.mu.Unlock()
	ops := make([]EditOp, 0, len(blocks))
	for i, b := range blocks {
		ops = append(ops, InsertBlock(offset+i, b))
	}
	_, err = s.applyOps(InitialSync(), "seed", ops)
	return err
}

func (s *Store) applyOps(origin Origin, message string, ops []EditOp) ([]EditOp, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	v, err := readView(s.doc)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	resolved := slices.Clone(ops)
	for i := range resolved {
		if err := v.apply(&resolved[i]); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to apply op %d (%s): %w", i, resolved[i].Kind, err)
		}
	}

	// Ops are written on a fork so that a failed write leaves the document untouched.
	fork, err := s.doc.Fork()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	s.mu.Unlock()
	if err := fork.SetActorID(s.replica); err != nil {
		return nil, fmt.Errorf("failed to set fork actor: %w", err)
	}
	for i := range resolved {
		if err := writeOp(fork, resolved[i]); err != nil {
			return nil, fmt.Errorf("failed to write op %d (%s): %w", i, resolved[i].Kind, err)
		}
	}
	if _, err := fork.Commit(message); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.mu.Lock()
	before := s.doc.Heads()
	if _, err := s.doc.Merge(fork); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to merge edit: %w", err)
	}
	delta, err := encodeChanges(s.doc, before)
	after := s.doc.Heads()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.publish(Update{Origin: origin, Delta: delta, HeadsBefore: before, HeadsAfter: after, Ops: resolved})
	return resolved, nil
}

// ApplyRemote merges a delta produced by another replica. The delta is checked chunk by chunk and parsed in
// full before the document is touched, so a malformed delta is rejected without any of it being applied.
// Deltas that carry nothing new are ignored silently.
func (s *Store) ApplyRemote(delta []byte, origin Origin) error {
	if len(delta) == 0 {
		return nil
	}
	count, err := validateChunks(delta)
	if err != nil {
		return err
	}
	changes, err := automerge.LoadChanges(delta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if len(changes) < count {
		return fmt.Errorf("%w: parsed %d changes from %d chunks", ErrMalformedDelta, len(changes), count)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	before := s.doc.Heads()
	if err := s.doc.Apply(changes...); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	after := s.doc.Heads()
	s.mu.Unlock()

	if SameHeads(before, after) {
		return nil
	}
	s.publish(Update{Origin: origin, Delta: delta, HeadsBefore: before, HeadsAfter: after})
	return nil
}

// Revert undoes ops that were applied locally, where heads is the document state right after them. The
// inverses are applied on a fork at heads under a fresh actor and merged back, so edits made by anyone since
// then are kept. It returns the resolved inverse ops and the heads of the fork after them.
func (s *Store) Revert(heads []automerge.ChangeHash, ops []EditOp) ([]EditOp, []automerge.ChangeHash, error) {
	if len(ops) == 0 {
		return nil, nil, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	fork, err := s.doc.Fork(heads...)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to fork at heads: %w", err)
	}
	s.mu.Unlock()

	if err := fork.SetActorID(NewReplicaID()); err != nil {
		return nil, nil, fmt.Errorf("failed to set fork actor: %w", err)
	}
	v, err := readView(fork)
	if err != nil {
		return nil, nil, err
	}
	inverses := make([]EditOp, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		inv := ops[i].Invert()
		if err := v.apply(&inv); err != nil {
			return nil, nil, fmt.Errorf("failed to invert op %d (%s): %w", i, ops[i].Kind, err)
		}
		inverses = append(inverses, inv)
	}
	for i := range inverses {
		if err := writeOp(fork, inverses[i]); err != nil {
			return nil, nil, fmt.Errorf("failed to write inverse %d: %w", i, err)
		}
	}
	if _, err := fork.Commit("revert"); err != nil {
		return nil, nil, fmt.Errorf("failed to commit revert: %w", err)
	}
	forkHeads := fork.Heads()

	s.mu.Lock()
	before := s.doc.Heads()
	if _, err := s.doc.Merge(fork); err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("failed to merge revert: %w", err)
	}
	delta, err := encodeChanges(s.doc, before)
	after := s.doc.Heads()
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	s.publish(Update{Origin: Undo(), Delta: delta, HeadsBefore: before, HeadsAfter: after, Ops: inverses})
	return inverses, forkHeads, nil
}

// Snapshot renders the current state as deterministic HTML.
func (s *Store) Snapshot() string {
	blocks := s.Blocks()
	return RenderHTML(blocks)
}

// Blocks returns a copy of the current block list.
func (s *Store) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := readView(s.doc)
	if err != nil {
		s.logger.Error("failed to read blocks", "err", err)
		return nil
	}
	return v
}

// IsEmpty is true when no block holds user content.
func (s *Store) IsEmpty() bool {
	for _, b := range s.Blocks() {
		if b.hasContent() {
			return false
		}
	}
	return true
}

func (s *Store) Heads() []automerge.ChangeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Heads()
}

func (s *Store) Save() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// Fork returns an independent copy of the document, optionally as of the given heads.
func (s *Store) Fork(heads ...automerge.ChangeHash) (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Fork(heads...)
}

func (s *Store) ChangeCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes, err := s.doc.Changes()
	if err != nil {
		return 0, fmt.Errorf("failed to list changes: %w", err)
	}
	return len(changes), nil
}

// SameHeads compares two head sets ignoring order.
func SameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, h := range a {
		seen[h.String()] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h.String()]; !ok {
			return false
		}
	}
	return true
}

func encodeChanges(doc *automerge.Doc, since []automerge.ChangeHash) ([]byte, error) {
	changes, err := doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out, nil
}

func readView(doc *automerge.Doc) (view, error) {
	list := doc.Path(blocksKey).List()
	n := list.Len()
	out := make(view, 0, n)
	for i := 0; i < n; i++ {
		v, err := list.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", i, err)
		}
		b, err := readBlock(v)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func readBlock(v *automerge.Value) (Block, error) {
	b := Block{Type: TypeParagraph}
	if v.Kind() != automerge.KindMap {
		return b, nil
	}
	m := v.Map()
	if tv, err := m.Get("type"); err != nil {
		return b, err
	} else if tv.Kind() == automerge.KindStr && ValidType(tv.Str()) {
		b.Type = tv.Str()
	}
	if av, err := m.Get("attrs"); err != nil {
		return b, err
	} else if av.Kind() == automerge.KindMap {
		attrs := av.Map()
		keys, err := attrs.Keys()
		if err != nil {
			return b, err
		}
		for _, k := range keys {
			if kv, err := attrs.Get(k); err == nil && kv.Kind() == automerge.KindStr {
				if b.Attrs == nil {
					b.Attrs = make(map[string]string, len(keys))
				}
				b.Attrs[k] = kv.Str()
			}
		}
	}
	if tv, err := m.Get("text"); err != nil {
		return b, err
	} else if tv.Kind() == automerge.KindText {
		text, err := tv.Text().Get()
		if err != nil {
			return b, err
		}
		b.Text = text
	}
	return b, nil
}

func writeOp(doc *automerge.Doc, op EditOp) error {
	switch op.Kind {
	case OpInsertText:
		return doc.Path(blocksKey, op.Block, "text").Text().Insert(op.Pos, op.Text)
	case OpDeleteText:
		return doc.Path(blocksKey, op.Block, "text").Text().Delete(op.Pos, op.Length)
	case OpInsertBlock:
		if err := doc.Path(blocksKey).List().Insert(op.Block, automerge.NewMap()); err != nil {
			return err
		}
		if err := doc.Path(blocksKey, op.Block, "type").Set(op.Node.Type); err != nil {
			return err
		}
		if err := doc.Path(blocksKey, op.Block, "attrs").Set(automerge.NewMap()); err != nil {
			return err
		}
		keys := make([]string, 0, len(op.Node.Attrs))
		for k := range op.Node.Attrs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := doc.Path(blocksKey, op.Block, "attrs", k).Set(op.Node.Attrs[k]); err != nil {
				return err
			}
		}
		return doc.Path(blocksKey, op.Block, "text").Set(automerge.NewText(op.Node.Text))
	case OpDeleteBlock:
		v, err := doc.Path(blocksKey).Get()
		if err != nil {
			return err
		}
		if v.Kind() != automerge.KindList {
			return fmt.Errorf("%w: no block list", ErrInvalidOp)
		}
		return v.List().Delete(op.Block)
	case OpSetAttr:
		if op.Unset {
			return doc.Path(blocksKey, op.Block, "attrs").Map().Delete(op.Key)
		}
		return doc.Path(blocksKey, op.Block, "attrs", op.Key).Set(op.Value)
	case OpSetType:
		return doc.Path(blocksKey, op.Block, "type").Set(op.Value)
	}
	return fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
}
