package docstate

import (
	"fmt"
	"sort"

	"github.com/nodesync/nodesync/internal/codec"
)

// Editor applies local writes to a state on behalf of one writer.
// Each write gets a counter above every counter the state has seen.
type Editor struct {
	state    *State
	writer   string
	baseline Clock
}

// Edit starts an editing session. writer must be stable per replica, e.g.
// the device id.
func (s *State) Edit(writer string) *Editor {
	return &Editor{state: s, writer: writer, baseline: s.Clock()}
}

func (e *Editor) next() Timestamp {
	return Timestamp{Counter: e.state.maxCounter() + 1, Writer: e.writer}
}

// Set writes value at path. The value is stored atomically; use SetAll to
// spread a nested map over individual paths.
func (e *Editor) Set(path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	raw, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value at %q: %w", path, err)
	}
	e.state.entries[path] = Entry{Value: raw, TS: e.next()}
	return nil
}

// Delete tombstones path. Deleting a missing path still records the delete,
// so it wins over concurrent older writes.
func (e *Editor) Delete(path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	e.state.entries[path] = Entry{Deleted: true, TS: e.next()}
	return nil
}

// SetAll flattens nested maps into dotted paths and writes every leaf, in
// sorted path order.
func (e *Editor) SetAll(values map[string]any) error {
	flat := map[string]any{}
	flatten("", values, flat)

	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := e.Set(p, flat[p]); err != nil {
			return err
		}
	}
	return nil
}

// DeletePrefix tombstones every live path at or below prefix.
func (e *Editor) DeletePrefix(prefix string) error {
	for _, p := range e.state.Paths() {
		if p == prefix || (len(p) > len(prefix) && p[:len(prefix)+1] == prefix+".") {
			if err := e.Delete(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fragment returns the entries written during this session.
func (e *Editor) Fragment() ([]byte, error) {
	return e.state.EncodeSince(e.baseline)
}

// Changed reports whether the session wrote anything.
func (e *Editor) Changed() bool {
	for _, entry := range e.state.entries {
		if entry.TS.Counter > e.baseline[entry.TS.Writer] {
			return true
		}
	}
	return false
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}
