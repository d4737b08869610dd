package document

import (
	"fmt"
	"maps"
)

// StateVector maps an actor id to the highest change sequence number a replica holds from it.
type StateVector map[string]uint64

func (sv StateVector) Clone() StateVector {
	return maps.Clone(sv)
}

// Covers reports whether sv holds everything other holds.
func (sv StateVector) Covers(other StateVector) bool {
	for actor, seq := range other {
		if sv[actor] < seq {
			return false
		}
	}
	return true
}

func (s *Store) StateVector() (StateVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes, err := s.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	sv := make(StateVector)
	for _, c := range changes {
		if seq := c.ActorSeq(); seq > sv[c.ActorID()] {
			sv[c.ActorID()] = seq
		}
	}
	return sv, nil
}

// Missing encodes every change the holder of remote does not have yet, in causal order.
func (s *Store) Missing(remote StateVector) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes, err := s.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	var out []byte
	for _, c := range changes {
		if c.ActorSeq() > remote[c.ActorID()] {
			out = append(out, c.Save()...)
		}
	}
	return out, nil
}
