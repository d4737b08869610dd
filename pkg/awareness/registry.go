package awareness

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Cursor is a selection inside one block, in rune offsets. Anchor equals Head for a caret.
type Cursor struct {
	Block  int `json:"block"`
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type Presence struct {
	ClientID    string  `json:"clientId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// Record is the unit exchanged on the awareness channel. A nil State announces that the client left.
type Record struct {
	ClientID string    `json:"clientId"`
	Clock    uint64    `json:"clock"`
	State    *Presence `json:"state"`
}

func EncodeRecords(records []Record) ([]byte, error) {
	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode awareness records: %w", err)
	}
	return b, nil
}

func DecodeRecords(b []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("failed to decode awareness records: %w", err)
	}
	return records, nil
}

type entry struct {
	record Record
	seen   time.Time
}

// Registry is a last-writer-wins map of records keyed by client id, ordered by each client's own clock.
// Removed clients are kept as tombstones so a delayed older record cannot bring them back. It is not safe
// for concurrent use.
type Registry struct {
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Apply merges rec and reports whether the visible state changed.
func (r *Registry) Apply(rec Record, now time.Time) bool {
	if rec.ClientID == "" {
		return false
	}
	if rec.State != nil && rec.State.ClientID != rec.ClientID {
		state := *rec.State
		state.ClientID = rec.ClientID
		rec.State = &state
	}
	cur, ok := r.entries[rec.ClientID]
	if ok {
		if rec.Clock < cur.record.Clock {
			return false
		}
		if rec.Clock == cur.record.Clock && !(rec.State == nil && cur.record.State != nil) {
			cur.seen = now
			r.entries[rec.ClientID] = cur
			return false
		}
	}
	r.entries[rec.ClientID] = entry{record: rec, seen: now}
	if !ok {
		return rec.State != nil
	}
	return true
}

// Remove tombstones clientID and returns the removal record to broadcast.
func (r *Registry) Remove(clientID string, now time.Time) (Record, bool) {
	cur, ok := r.entries[clientID]
	if !ok || cur.record.State == nil {
		return Record{}, false
	}
	rec := Record{ClientID: clientID, Clock: cur.record.Clock + 1}
	r.entries[clientID] = entry{record: rec, seen: now}
	return rec, true
}

// Expire removes live records not refreshed since now-timeout and returns their removal records.
func (r *Registry) Expire(now time.Time, timeout time.Duration) []Record {
	var out []Record
	for id, e := range r.entries {
		if e.record.State != nil && now.Sub(e.seen) >= timeout {
			if rec, ok := r.Remove(id, now); ok {
				out = append(out, rec)
			}
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ClientID, b.ClientID) })
	return out
}

// Clear drops every record including tombstones.
func (r *Registry) Clear() bool {
	changed := false
	for _, e := range r.entries {
		if e.record.State != nil {
			changed = true
			break
		}
	}
	clear(r.entries)
	return changed
}

// Records returns the live records sorted by client id.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if e.record.State != nil {
			out = append(out, e.record)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ClientID, b.ClientID) })
	return out
}

func (r *Registry) States() []Presence {
	records := r.Records()
	out := make([]Presence, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec.State)
	}
	return out
}
