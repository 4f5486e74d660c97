// SPDX-License-Identifier: MPL-2.0

// Package rtcontext holds the process-scope session state of the runtime:
// the resolver chain, loader set, module and package caches, search paths,
// the binding table, event subscribers, and the current-module stack. One
// Context drives module execution on one goroutine; separate Contexts share
// nothing.
package rtcontext

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loom-run/loom/pkg/extension"
	"github.com/loom-run/loom/pkg/load"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// OptionAutoreload is the option key enabling per-require source mtime
// checks with re-execution on mismatch.
const OptionAutoreload = "require.autoreload"

// ErrMainAlreadySet is returned when a second module claims the main slot.
var ErrMainAlreadySet = errors.New("main module already set")

type (
	// EventKind identifies a Context event.
	EventKind int

	// Event is the record subscribers receive. Require and load events
	// fire before the corresponding action completes; enter and leave fire
	// after.
	Event struct {
		Kind    EventKind
		Context *Context
		Module  *resolve.Module
		Request *resolve.Request
	}

	// Subscriber receives events, in registration order.
	Subscriber func(Event)

	// Tracer observes events from outside the session, read-only. The
	// default tracer does nothing; a concrete tracer is installed by the
	// embedding application.
	Tracer interface {
		Trace(Event)
	}

	// Context is the top-level session object.
	Context struct {
		mu sync.Mutex

		registry *pkgreg.Registry
		chain    *resolve.Chain
		loaders  *load.Set
		source   *load.SourceLoader

		moduleCache map[string]*resolve.Module

		workspaceDir     vpath.OSPath
		globalModulesDir vpath.OSPath
		searchPaths      []string

		bindings        map[string]any
		bindingSnapshot map[string]any

		subscribers map[EventKind][]Subscriber
		tracer      Tracer

		currentStack []*resolve.Module
		mainModule   *resolve.Module

		// Options is the free-form option map, keyed by string.
		Options map[string]any

		// Isolated makes Enter snapshot the binding table so Leave can
		// restore it, keeping session-registered bindings from leaking.
		Isolated bool

		entered bool
	}

	// Option configures a Context at construction.
	Option func(*Context)
)

const (
	// EventRequire fires before a require completes.
	EventRequire EventKind = iota
	// EventLoad fires before a load completes.
	EventLoad
	// EventEnter fires after a session is entered.
	EventEnter
	// EventLeave fires after a session is left.
	EventLeave
)

func (k EventKind) String() string {
	switch k {
	case EventRequire:
		return "require"
	case EventLoad:
		return "load"
	case EventEnter:
		return "enter"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// WithWorkspaceDir sets the workspace directory whose modules directory is
// prepended to the search path on Enter.
func WithWorkspaceDir(dir vpath.OSPath) Option {
	return func(c *Context) { c.workspaceDir = dir }
}

// WithGlobalModulesDir sets the user-global modules directory that Enter
// places in the search path right after the workspace modules directory.
func WithGlobalModulesDir(dir vpath.OSPath) Option {
	return func(c *Context) { c.globalModulesDir = dir }
}

// WithIsolated makes the session snapshot and restore the binding table.
func WithIsolated(isolated bool) Option {
	return func(c *Context) { c.Isolated = isolated }
}

// WithTracer installs an event tracer.
func WithTracer(t Tracer) Option {
	return func(c *Context) { c.tracer = t }
}

// New creates a Context with the standard resolver chain (filesystem,
// binding, null) and loader set (source, JSON, binding).
func New(opts ...Option) *Context {
	c := &Context{
		registry:    pkgreg.NewRegistry(),
		moduleCache: make(map[string]*resolve.Module),
		bindings:    make(map[string]any),
		subscribers: make(map[EventKind][]Subscriber),
		Options:     make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.source = &load.SourceLoader{}
	c.loaders = load.NewSet(c.source, load.JSONLoader{}, load.BindingLoader{})
	c.chain = resolve.NewChain(
		resolve.NewFSResolver(c.registry, c.loaders.Suffixes()),
		&resolve.BindingResolver{Table: c},
		resolve.NullResolver{},
	)
	return c
}

// Registry returns the session's package registry.
func (c *Context) Registry() *pkgreg.Registry { return c.registry }

// Chain returns the session's resolver chain.
func (c *Context) Chain() *resolve.Chain { return c.chain }

// Loaders returns the session's loader set.
func (c *Context) Loaders() *load.Set { return c.loaders }

// SourceLoader returns the session's source loader, so the embedding
// application can set IO streams and the bytecache policy.
func (c *Context) SourceLoader() *load.SourceLoader { return c.source }

// SetPreprocessor wires the extension dispatcher into the source loader.
func (c *Context) SetPreprocessor(p load.Preprocessor) { c.source.Preprocessor = p }

// Binding implements resolve.BindingTable.
func (c *Context) Binding(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.bindings[name]
	return v, ok
}

// SetBinding registers a named binding, reachable via "!name" requests.
func (c *Context) SetBinding(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = value
}

// Subscribe registers a subscriber for an event kind. Subscribers fire in
// registration order.
func (c *Context) Subscribe(kind EventKind, fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[kind] = append(c.subscribers[kind], fn)
}

// Emit delivers an event to the kind's subscribers and the tracer.
func (c *Context) Emit(event Event) {
	event.Context = c
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subscribers[event.Kind]...)
	tracer := c.tracer
	c.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
	if tracer != nil {
		tracer.Trace(event)
	}
}

// Option returns the option stored under name, nil when unset.
func (c *Context) Option(name string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Options[name]
}

// SetOption stores an option value.
func (c *Context) SetOption(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Options[name] = value
}

// BoolOption returns the option as a bool, false when unset or not a bool.
func (c *Context) BoolOption(name string) bool {
	v, _ := c.Option(name).(bool)
	return v
}

// SearchPaths returns a copy of the current search path list.
func (c *Context) SearchPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.searchPaths...)
}

// AddSearchPath appends a directory to the search path.
func (c *Context) AddSearchPath(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchPaths = append(c.searchPaths, dir)
}

// CachedModule returns the cached module for a canonical filename.
func (c *Context) CachedModule(filename string) (*resolve.Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mod, ok := c.moduleCache[filename]
	return mod, ok
}

// StoreModule inserts a module into the cache under its canonical
// filename. Insertion happens before execution so circular requires
// observe the partial namespace.
func (c *Context) StoreModule(mod *resolve.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moduleCache[mod.Filename.String()] = mod
}

// EvictModule removes a module from the cache and drops its resolution
// memo entries, so a retry after a failed execution reloads from scratch.
func (c *Context) EvictModule(filename string) {
	c.mu.Lock()
	delete(c.moduleCache, filename)
	c.mu.Unlock()
	c.chain.Evict(filename)
}

// CacheView returns a snapshot copy of the module cache keyed by canonical
// filename.
func (c *Context) CacheView() map[string]*resolve.Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := make(map[string]*resolve.Module, len(c.moduleCache))
	for k, v := range c.moduleCache {
		view[k] = v
	}
	return view
}

// PushCurrent pushes a module onto the current-module stack for the
// duration of its execution.
func (c *Context) PushCurrent(mod *resolve.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStack = append(c.currentStack, mod)
}

// PopCurrent pops the current-module stack.
func (c *Context) PopCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.currentStack); n > 0 {
		c.currentStack = c.currentStack[:n-1]
	}
}

// OnCurrentStack reports whether mod is anywhere on the current-module
// stack, i.e. its execution has begun but not finished. A circular require
// reaching such a module must hand back the partial namespace instead of
// re-executing.
func (c *Context) OnCurrentStack(mod *resolve.Module) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.currentStack {
		if m == mod {
			return true
		}
	}
	return false
}

// Current returns the topmost entry of the current-module stack, nil when
// nothing is executing.
func (c *Context) Current() *resolve.Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.currentStack); n > 0 {
		return c.currentStack[n-1]
	}
	return nil
}

// Main returns the session's main module, nil when none is set.
func (c *Context) Main() *resolve.Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainModule
}

// SetMain claims the main module slot. A second claim is an error; pass
// nil to clear the slot explicitly.
func (c *Context) SetMain(mod *resolve.Module) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mod != nil && c.mainModule != nil {
		return fmt.Errorf("%w: %s", ErrMainAlreadySet, c.mainModule.Filename)
	}
	c.mainModule = mod
	return nil
}

// HideMain detaches the main module and returns a restore function, for
// code that must temporarily run as if no main existed.
func (c *Context) HideMain() (restore func()) {
	c.mu.Lock()
	hidden := c.mainModule
	c.mainModule = nil
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mainModule = hidden
	}
}

// Resolve runs the resolver chain on a request, capturing the session's
// search paths onto it when the caller didn't.
func (c *Context) Resolve(req *resolve.Request) (*resolve.Module, error) {
	if req.SearchPaths == nil {
		req = req.Copy(resolve.WithSearchPaths(c.SearchPaths()))
	}
	return c.chain.Resolve(req)
}

// Enter acquires the session: pushes it onto the active-session stack,
// snapshots the binding table when isolated, prepends the workspace and
// global modules directories to the search path, registers the built-in
// extension bindings, and fires the enter event.
func (c *Context) Enter() error {
	c.mu.Lock()
	if c.entered {
		c.mu.Unlock()
		return fmt.Errorf("rtcontext: session already entered")
	}
	c.entered = true

	if c.Isolated {
		c.bindingSnapshot = make(map[string]any, len(c.bindings))
		for k, v := range c.bindings {
			c.bindingSnapshot[k] = v
		}
	}

	var prepend []string
	if c.workspaceDir != "" {
		prepend = append(prepend, c.workspaceDir.Join(pkgreg.ModulesDirName).String())
	}
	if c.globalModulesDir != "" {
		prepend = append(prepend, c.globalModulesDir.String())
	}
	c.searchPaths = append(prepend, c.searchPaths...)

	c.bindings[extension.UnpackSyntaxName] = extension.UnpackSyntax{}
	c.bindings[extension.ImportSyntaxName] = extension.ImportSyntax{}
	c.mu.Unlock()

	pushSession(c)
	c.Emit(Event{Kind: EventEnter})
	return nil
}

// Leave releases the session: pops the active-session stack, restores the
// binding table when isolated, and fires the leave event.
func (c *Context) Leave() error {
	c.mu.Lock()
	if !c.entered {
		c.mu.Unlock()
		return fmt.Errorf("rtcontext: session not entered")
	}
	c.entered = false

	if c.Isolated && c.bindingSnapshot != nil {
		c.bindings = c.bindingSnapshot
		c.bindingSnapshot = nil
	}
	c.mu.Unlock()

	popSession(c)
	c.Emit(Event{Kind: EventLeave})
	return nil
}

// Session stack. Multiple Contexts may nest within one process; the
// innermost entered session is the current one.
var (
	sessionMu    sync.Mutex
	sessionStack []*Context
)

func pushSession(c *Context) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	sessionStack = append(sessionStack, c)
}

func popSession(c *Context) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	for i := len(sessionStack) - 1; i >= 0; i-- {
		if sessionStack[i] == c {
			sessionStack = append(sessionStack[:i], sessionStack[i+1:]...)
			return
		}
	}
}

// CurrentSession returns the innermost entered Context, nil when none.
func CurrentSession() *Context {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if n := len(sessionStack); n > 0 {
		return sessionStack[n-1]
	}
	return nil
}
