// SPDX-License-Identifier: MPL-2.0

package rtcontext

import (
	"errors"
	"strings"
	"testing"

	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

func TestEnterLeaveLifecycle(t *testing.T) {
	ws := vpath.OSPath(t.TempDir())
	global := vpath.OSPath(t.TempDir())
	c := New(WithWorkspaceDir(ws), WithGlobalModulesDir(global))

	var events []string
	c.Subscribe(EventEnter, func(Event) { events = append(events, "enter") })
	c.Subscribe(EventLeave, func(Event) { events = append(events, "leave") })

	if err := c.Enter(); err != nil {
		t.Fatal(err)
	}
	if err := c.Enter(); err == nil {
		t.Error("double Enter should fail")
	}
	if CurrentSession() != c {
		t.Error("CurrentSession() != entered context")
	}

	paths := c.SearchPaths()
	if len(paths) < 2 || !strings.HasSuffix(paths[0], "loom_modules") || paths[1] != global.String() {
		t.Errorf("search paths = %v", paths)
	}

	// Built-in extension bindings registered on enter.
	if _, ok := c.Binding("unpack-syntax"); !ok {
		t.Error("unpack-syntax binding missing")
	}
	if _, ok := c.Binding("import-syntax"); !ok {
		t.Error("import-syntax binding missing")
	}

	if err := c.Leave(); err != nil {
		t.Fatal(err)
	}
	if CurrentSession() != nil {
		t.Error("session still active after Leave")
	}
	if err := c.Leave(); err == nil {
		t.Error("double Leave should fail")
	}

	if len(events) != 2 || events[0] != "enter" || events[1] != "leave" {
		t.Errorf("events = %v", events)
	}
}

func TestIsolationRestoresBindings(t *testing.T) {
	c := New(WithIsolated(true))
	c.SetBinding("pre-existing", 1)

	if err := c.Enter(); err != nil {
		t.Fatal(err)
	}
	c.SetBinding("session-only", 2)
	if err := c.Leave(); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Binding("pre-existing"); !ok {
		t.Error("pre-existing binding lost")
	}
	if _, ok := c.Binding("session-only"); ok {
		t.Error("session binding leaked past Leave")
	}
	if _, ok := c.Binding("unpack-syntax"); ok {
		t.Error("built-in binding leaked past isolated Leave")
	}
}

func TestSubscribersFireInRegistrationOrder(t *testing.T) {
	t.Parallel()

	c := New()
	var order []int
	for i := 0; i < 5; i++ {
		n := i
		c.Subscribe(EventRequire, func(Event) { order = append(order, n) })
	}
	c.Emit(Event{Kind: EventRequire})

	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestMainSlot(t *testing.T) {
	t.Parallel()

	c := New()
	first := &resolve.Module{Filename: "/a"}
	if err := c.SetMain(first); err != nil {
		t.Fatal(err)
	}
	if err := c.SetMain(&resolve.Module{Filename: "/b"}); !errors.Is(err, ErrMainAlreadySet) {
		t.Errorf("second SetMain = %v", err)
	}

	restore := c.HideMain()
	if c.Main() != nil {
		t.Error("main still visible while hidden")
	}
	if err := c.SetMain(&resolve.Module{Filename: "/c"}); err != nil {
		t.Errorf("SetMain while hidden = %v", err)
	}
	if err := c.SetMain(nil); err != nil {
		t.Fatal(err)
	}
	restore()
	if c.Main() != first {
		t.Error("restore did not bring the main module back")
	}
}

func TestCurrentModuleStack(t *testing.T) {
	t.Parallel()

	c := New()
	a := &resolve.Module{Filename: "/a"}
	b := &resolve.Module{Filename: "/b"}

	c.PushCurrent(a)
	c.PushCurrent(b)
	if c.Current() != b {
		t.Error("Current() != topmost")
	}
	c.PopCurrent()
	if c.Current() != a {
		t.Error("Current() after pop != previous")
	}
	c.PopCurrent()
	if c.Current() != nil {
		t.Error("Current() on empty stack != nil")
	}
}

func TestEvictModuleDropsCacheAndMemo(t *testing.T) {
	t.Parallel()

	c := New()
	mod := &resolve.Module{Filename: "/x/m.lsh"}
	c.StoreModule(mod)

	if got, ok := c.CachedModule("/x/m.lsh"); !ok || got != mod {
		t.Fatal("module not stored")
	}
	c.EvictModule("/x/m.lsh")
	if _, ok := c.CachedModule("/x/m.lsh"); ok {
		t.Error("module still cached after evict")
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	c := New()
	if c.BoolOption(OptionAutoreload) {
		t.Error("autoreload default should be false")
	}
	c.SetOption(OptionAutoreload, true)
	if !c.BoolOption(OptionAutoreload) {
		t.Error("autoreload option not stored")
	}
}
