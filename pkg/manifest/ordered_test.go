// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"encoding/json"
	"testing"
)

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	m := NewOrderedMap()
	m.Set("zeta", "1")
	m.Set("alpha", "2")
	m.Set("mid", "3")

	got := m.Keys()
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Re-setting an existing key keeps its slot.
	m.Set("alpha", "9")
	if m.Keys()[1] != "alpha" {
		t.Errorf("re-set moved key alpha to %v", m.Keys())
	}
	if v, _ := m.Get("alpha"); v != "9" {
		t.Errorf("Get(alpha) = %q, want 9", v)
	}
}

func TestOrderedMapDelete(t *testing.T) {
	t.Parallel()

	m := NewOrderedMap()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Set("c", "3")
	m.Delete("b")

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	got := m.Keys()
	if got[0] != "a" || got[1] != "c" {
		t.Errorf("Keys() = %v, want [a c]", got)
	}
	if _, ok := m.Get("b"); ok {
		t.Error("Get(b) still present after Delete")
	}
}

func TestOrderedMapJSONRoundTrip(t *testing.T) {
	t.Parallel()

	const doc = `{"z-first":"^1.0.0","a-second":"~2.1.0","m-third":"*"}`

	var m OrderedMap
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatal(err)
	}

	got := m.Keys()
	want := []string{"z-first", "a-second", "m-third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	out, err := json.Marshal(&m)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != doc {
		t.Errorf("round trip = %s, want %s", out, doc)
	}
}

func TestOrderedMapRejectsNonObject(t *testing.T) {
	t.Parallel()

	var m OrderedMap
	if err := json.Unmarshal([]byte(`["a","b"]`), &m); err == nil {
		t.Error("expected error for JSON array")
	}
}
