// Package docstate implements the replicated document state of a node: a map
// from attribute paths to values where every key is a last-writer-wins
// register stamped with a Lamport timestamp.
//
// A fragment is encoded exactly like a state and holds a subset of entries.
// Applying fragments is commutative, associative and idempotent, so replicas
// that have seen the same set of fragments project the same attributes no
// matter the order of arrival.
//
// Paths are dot separated ("name", "collaborators.us01..."). Project nests
// them into maps; when a path and one of its prefixes are both live, the
// nested value wins.
package docstate

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/nodesync/nodesync/internal/codec"
)

const (
	formatVersion = 1
	maxPathLength = 256
)

// ErrCorruptFragment is returned when encoded state cannot be decoded or
// violates the format. The state it was applied to is left untouched.
var ErrCorruptFragment = errors.New("corrupt document fragment")

// Timestamp orders writes to one key.
type Timestamp struct {
	Counter uint64 `cbor:"1,keyasint"`
	Writer  string `cbor:"2,keyasint"`
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Counter < o.Counter:
		return -1
	case t.Counter > o.Counter:
		return 1
	}
	return strings.Compare(t.Writer, o.Writer)
}

// Entry is the register of one path. Deleted entries are tombstones.
type Entry struct {
	Value   cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	Deleted bool            `cbor:"2,keyasint,omitempty"`
	TS      Timestamp       `cbor:"3,keyasint"`
}

// wins reports whether e replaces o. The order is total: timestamps first,
// then tombstones over values, then the encoded value bytes.
func (e Entry) wins(o Entry) bool {
	if c := e.TS.Compare(o.TS); c != 0 {
		return c > 0
	}
	if e.Deleted != o.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, o.Value) > 0
}

// Clock maps each writer to the highest counter it has contributed.
type Clock map[string]uint64

// State is a replicated document. The zero value is not usable; use New or Decode.
type State struct {
	entries map[string]Entry
}

type wireState struct {
	Version uint8            `cbor:"1,keyasint"`
	Entries map[string]Entry `cbor:"2,keyasint"`
}

func New() *State {
	return &State{entries: map[string]Entry{}}
}

// Decode parses an encoded state or fragment. Empty input is the empty state.
func Decode(data []byte) (*State, error) {
	if len(data) == 0 {
		return New(), nil
	}

	var w wireState
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFragment, err)
	}
	if w.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptFragment, w.Version)
	}

	s := &State{entries: make(map[string]Entry, len(w.Entries))}
	for path, e := range w.Entries {
		if err := ValidatePath(path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFragment, err)
		}
		if e.TS.Counter == 0 || e.TS.Writer == "" {
			return nil, fmt.Errorf("%w: entry %q has no timestamp", ErrCorruptFragment, path)
		}
		if e.Deleted && len(e.Value) > 0 {
			return nil, fmt.Errorf("%w: tombstone %q carries a value", ErrCorruptFragment, path)
		}
		if !e.Deleted {
			var v any
			if err := codec.Unmarshal(e.Value, &v); err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptFragment, path, err)
			}
		}
		s.entries[path] = e
	}
	return s, nil
}

// Encode returns the deterministic encoding of the whole state.
func (s *State) Encode() ([]byte, error) {
	return encodeEntries(s.entries)
}

func encodeEntries(entries map[string]Entry) ([]byte, error) {
	return codec.Marshal(wireState{Version: formatVersion, Entries: entries})
}

func (s *State) Clone() *State {
	c := &State{entries: make(map[string]Entry, len(s.entries))}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	return c
}

// Len returns the number of entries, tombstones included.
func (s *State) Len() int { return len(s.entries) }

// Merge folds other into s and reports whether s changed.
func (s *State) Merge(other *State) bool {
	changed := false
	for path, incoming := range other.entries {
		current, ok := s.entries[path]
		if !ok || incoming.wins(current) {
			s.entries[path] = incoming
			changed = true
		}
	}
	return changed
}

// Apply merges an encoded fragment into a copy of state and returns the copy.
// On error state is returned unchanged alongside ErrCorruptFragment.
func Apply(state *State, fragment []byte) (*State, error) {
	f, err := Decode(fragment)
	if err != nil {
		return state, err
	}
	next := state.Clone()
	next.Merge(f)
	return next, nil
}

// ApplyEncoded is Apply over encoded state, returning the encoded result.
func ApplyEncoded(state, fragment []byte) ([]byte, *State, error) {
	s, err := Decode(state)
	if err != nil {
		return nil, nil, err
	}
	next, err := Apply(s, fragment)
	if err != nil {
		return nil, nil, err
	}
	data, err := next.Encode()
	if err != nil {
		return nil, nil, err
	}
	return data, next, nil
}

func (s *State) Clock() Clock {
	c := Clock{}
	for _, e := range s.entries {
		if e.TS.Counter > c[e.TS.Writer] {
			c[e.TS.Writer] = e.TS.Counter
		}
	}
	return c
}

func (s *State) maxCounter() uint64 {
	var m uint64
	for _, e := range s.entries {
		if e.TS.Counter > m {
			m = e.TS.Counter
		}
	}
	return m
}

// EncodeSince returns the fragment of entries written after baseline, where
// baseline is the Clock of an earlier version of this state. The result is
// the minimal fragment that brings that earlier version up to s.
func (s *State) EncodeSince(baseline Clock) ([]byte, error) {
	delta := map[string]Entry{}
	for path, e := range s.entries {
		if e.TS.Counter > baseline[e.TS.Writer] {
			delta[path] = e
		}
	}
	return encodeEntries(delta)
}

// Get returns the decoded value at an exact path.
func (s *State) Get(path string) (any, bool) {
	e, ok := s.entries[path]
	if !ok || e.Deleted {
		return nil, false
	}
	var v any
	if err := codec.Unmarshal(e.Value, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Project materializes the live entries into nested attributes.
func (s *State) Project() map[string]any {
	paths := make([]string, 0, len(s.entries))
	for path, e := range s.entries {
		if !e.Deleted {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	out := map[string]any{}
	for _, path := range paths {
		var v any
		if err := codec.Unmarshal(s.entries[path].Value, &v); err != nil {
			// Decode validated every value.
			continue
		}
		setPath(out, strings.Split(path, "."), v)
	}
	return out
}

func setPath(m map[string]any, segments []string, v any) {
	for _, seg := range segments[:len(segments)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	leaf := segments[len(segments)-1]
	if _, isMap := m[leaf].(map[string]any); isMap {
		if _, vIsMap := v.(map[string]any); !vIsMap {
			return
		}
	}
	m[leaf] = v
}

// Paths returns the live paths in sorted order.
func (s *State) Paths() []string {
	paths := make([]string, 0, len(s.entries))
	for path, e := range s.entries {
		if !e.Deleted {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// ChangedPaths lists the paths of other that would change s when merged.
func (s *State) ChangedPaths(other *State) []string {
	var paths []string
	for path, incoming := range other.entries {
		current, ok := s.entries[path]
		if !ok || incoming.wins(current) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// ValidatePath checks that path is a non-empty dotted path of non-empty segments.
func ValidatePath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if len(path) > maxPathLength {
		return fmt.Errorf("path %q exceeds %d bytes", path, maxPathLength)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("path %q is not valid UTF-8", path)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return nil
}
