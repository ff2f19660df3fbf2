package docstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragment(t *testing.T, base *State, writer string, edit func(e *Editor)) []byte {
	t.Helper()
	s := base.Clone()
	e := s.Edit(writer)
	edit(e)
	f, err := e.Fragment()
	require.NoError(t, err)
	return f
}

func applyAll(t *testing.T, fragments ...[]byte) *State {
	t.Helper()
	s := New()
	for _, f := range fragments {
		var err error
		s, err = Apply(s, f)
		require.NoError(t, err)
	}
	return s
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestConcurrentWritersConverge(t *testing.T) {
	base := New()
	a := fragment(t, base, "device-a", func(e *Editor) { require.NoError(t, e.Set("x", 1)) })
	b := fragment(t, base, "device-b", func(e *Editor) { require.NoError(t, e.Set("y", 2)) })

	ab := applyAll(t, a, b)
	ba := applyAll(t, b, a)

	want := map[string]any{"x": uint64(1), "y": uint64(2)}
	assert.Equal(t, want, ab.Project())
	assert.Equal(t, want, ba.Project())

	encAB, err := ab.Encode()
	require.NoError(t, err)
	encBA, err := ba.Encode()
	require.NoError(t, err)
	assert.Equal(t, encAB, encBA)
}

func TestApplyOrderIndependent(t *testing.T) {
	base := New()
	fragments := [][]byte{
		fragment(t, base, "a", func(e *Editor) { require.NoError(t, e.Set("title", "from a")) }),
		fragment(t, base, "b", func(e *Editor) { require.NoError(t, e.Set("title", "from b")) }),
		fragment(t, base, "c", func(e *Editor) { require.NoError(t, e.Delete("title")) }),
		fragment(t, base, "b", func(e *Editor) { require.NoError(t, e.Set("body.text", "hi")) }),
	}

	var expected []byte
	for _, perm := range permutations(len(fragments)) {
		ordered := make([][]byte, 0, len(perm))
		for _, i := range perm {
			ordered = append(ordered, fragments[i])
		}
		enc, err := applyAll(t, ordered...).Encode()
		require.NoError(t, err)
		if expected == nil {
			expected = enc
			continue
		}
		assert.Equal(t, expected, enc, "permutation %v", perm)
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := fragment(t, New(), "a", func(e *Editor) {
		require.NoError(t, e.SetAll(map[string]any{"name": "n", "meta": map[string]any{"icon": "x"}}))
	})

	once := applyAll(t, f)
	twice := applyAll(t, f, f)

	e1, err := once.Encode()
	require.NoError(t, err)
	e2, err := twice.Encode()
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
	assert.Equal(t, map[string]any{"name": "n", "meta": map[string]any{"icon": "x"}}, twice.Project())
}

func TestLaterWriteWins(t *testing.T) {
	s := New()
	require.NoError(t, s.Edit("a").Set("name", "first"))
	require.NoError(t, s.Edit("b").Set("name", "second"))

	v, ok := s.Get("name")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	require.NoError(t, s.Edit("a").Delete("name"))
	_, ok = s.Get("name")
	assert.False(t, ok)
	assert.Empty(t, s.Project())
	assert.Equal(t, 1, s.Len())
}

func TestTieBreakIsDeterministic(t *testing.T) {
	one := &State{entries: map[string]Entry{"k": {Value: []byte{0x01}, TS: Timestamp{Counter: 1, Writer: "w"}}}}
	two := &State{entries: map[string]Entry{"k": {Value: []byte{0x02}, TS: Timestamp{Counter: 1, Writer: "w"}}}}

	left := one.Clone()
	left.Merge(two)
	right := two.Clone()
	right.Merge(one)

	assert.Equal(t, left.entries["k"], right.entries["k"])
	assert.Equal(t, []byte{0x02}, []byte(left.entries["k"].Value))
}

func TestCorruptFragmentLeavesStateUntouched(t *testing.T) {
	s := New()
	require.NoError(t, s.Edit("a").Set("name", "kept"))
	before, err := s.Encode()
	require.NoError(t, err)

	for name, bad := range map[string][]byte{
		"garbage":   {0xff, 0x00, 0x13},
		"truncated": before[:len(before)-2],
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Apply(s, bad)
			require.ErrorIs(t, err, ErrCorruptFragment)
			assert.Same(t, s, got)

			after, err := s.Encode()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestDecodeRejectsInvalidEntries(t *testing.T) {
	cases := map[string]map[string]Entry{
		"empty segment": {"a..b": {Value: []byte{0x01}, TS: Timestamp{Counter: 1, Writer: "w"}}},
		"no timestamp":  {"a": {Value: []byte{0x01}}},
		"tombstone+val": {"a": {Value: []byte{0x01}, Deleted: true, TS: Timestamp{Counter: 1, Writer: "w"}}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := encodeEntries(entries)
			require.NoError(t, err)
			_, err = Decode(data)
			require.ErrorIs(t, err, ErrCorruptFragment)
		})
	}
}

func TestEncodeSinceIsMinimal(t *testing.T) {
	s := New()
	require.NoError(t, s.Edit("a").SetAll(map[string]any{"x": 1, "y": 2, "z": 3}))
	baseline := s.Clock()
	old := s.Clone()

	e := s.Edit("a")
	require.NoError(t, e.Set("y", 20))
	require.True(t, e.Changed())

	delta, err := s.EncodeSince(baseline)
	require.NoError(t, err)
	d, err := Decode(delta)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, d.Paths())

	caughtUp, err := Apply(old, delta)
	require.NoError(t, err)
	want, err := s.Encode()
	require.NoError(t, err)
	got, err := caughtUp.Encode()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEditorCountersExceedObserved(t *testing.T) {
	s := New()
	s.entries["remote"] = Entry{Value: []byte{0x01}, TS: Timestamp{Counter: 41, Writer: "b"}}

	require.NoError(t, s.Edit("a").Set("local", true))
	assert.Equal(t, uint64(42), s.entries["local"].TS.Counter)
	assert.Equal(t, Clock{"a": 42, "b": 41}, s.Clock())
}

func TestProjectNesting(t *testing.T) {
	s := New()
	e := s.Edit("a")
	require.NoError(t, e.Set("a", "scalar"))
	require.NoError(t, e.Set("a.b", "nested"))
	require.NoError(t, e.Set("collaborators.us1", "admin"))
	require.NoError(t, e.Set("collaborators.us2", "viewer"))
	require.NoError(t, e.Delete("collaborators.us2"))

	assert.Equal(t, map[string]any{
		"a":             map[string]any{"b": "nested"},
		"collaborators": map[string]any{"us1": "admin"},
	}, s.Project())
}

func TestDeletePrefix(t *testing.T) {
	s := New()
	e := s.Edit("a")
	require.NoError(t, e.SetAll(map[string]any{"meta": map[string]any{"x": 1, "y": 2}, "metadata": 3}))
	require.NoError(t, e.DeletePrefix("meta"))

	assert.Equal(t, []string{"metadata"}, s.Paths())
}

func TestApplyEncoded(t *testing.T) {
	f := fragment(t, New(), "a", func(e *Editor) { require.NoError(t, e.Set("name", "n")) })

	data, s, err := ApplyEncoded(nil, f)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "n"}, s.Project())

	again, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.Paths(), again.Paths())

	_, _, err = ApplyEncoded(data, []byte{0xff})
	require.ErrorIs(t, err, ErrCorruptFragment)
}

func TestChangedPaths(t *testing.T) {
	s := New()
	require.NoError(t, s.Edit("a").SetAll(map[string]any{"x": 1, "y": 2}))

	f := fragment(t, s, "b", func(e *Editor) { require.NoError(t, e.Set("y", 3)) })
	d, err := Decode(f)
	require.NoError(t, err)

	assert.Equal(t, []string{"y"}, s.ChangedPaths(d))
	s.Merge(d)
	assert.Empty(t, s.ChangedPaths(d))
}
