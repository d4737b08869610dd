package document

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// Change describes one entry of the change log.
type Change struct {
	Hash    automerge.ChangeHash
	Actor   string
	Seq     uint64
	Message string
	Time    time.Time
	Deps    []automerge.ChangeHash
}

// History lists every change in causal order.
func (s *Store) History() ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes, err := s.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		out = append(out, Change{
			Hash:    c.Hash(),
			Actor:   c.ActorID(),
			Seq:     c.ActorSeq(),
			Message: c.Message(),
			Time:    c.Timestamp(),
			Deps:    c.Dependencies(),
		})
	}
	return out, nil
}

// BlocksAt returns the block list as it was at heads.
func (s *Store) BlocksAt(heads ...automerge.ChangeHash) ([]Block, error) {
	fork, err := s.Fork(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout %v: %w", heads, err)
	}
	return readView(fork)
}

// SnapshotAt renders the document as it was at heads.
func (s *Store) SnapshotAt(heads ...automerge.ChangeHash) (string, error) {
	blocks, err := s.BlocksAt(heads...)
	if err != nil {
		return "", err
	}
	return RenderHTML(blocks), nil
}
