// SPDX-License-Identifier: MPL-2.0

// Package require implements the per-module require capability: the object
// a module uses to resolve, load, and execute further modules. Each module
// gets its own Require closed over its location; all of them share the
// session's Context, caches, and extension dispatcher.
package require

import (
	"context"
	"fmt"
	"os"

	"github.com/loom-run/loom/pkg/extension"
	"github.com/loom-run/loom/pkg/load"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/rtcontext"
	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// Require is the per-module capability value. It holds non-owning
	// references to the session Context and the owning module, plus the
	// per-require search path additions.
	Require struct {
		ctx        *rtcontext.Context
		owner      *resolve.Module
		dispatcher *extension.Dispatcher

		// Path is the per-require search path additions, consulted before
		// the Context's own search path.
		Path []string
	}

	callOptions struct {
		currentDir vpath.OSPath
		isMain     bool
		cache      bool
		exports    bool
		exec       bool
		into       map[string]any
		loader     string
		symbols    []string
	}

	// Option adjusts a single Call.
	Option func(*callOptions)
)

// WithCurrentDir overrides the directory relative requests resolve against.
func WithCurrentDir(dir vpath.OSPath) Option {
	return func(o *callOptions) { o.currentDir = dir }
}

// WithIsMain claims the main module slot for the required module and
// permits a non-relative request to resolve in the current directory.
func WithIsMain(isMain bool) Option {
	return func(o *callOptions) { o.isMain = isMain }
}

// WithCache(false) bypasses both the module cache and the resolution memo,
// loading a fresh module.
func WithCache(cache bool) Option {
	return func(o *callOptions) { o.cache = cache }
}

// WithExports(false) returns the Module handle instead of the exported
// value.
func WithExports(exports bool) Option {
	return func(o *callOptions) { o.exports = exports }
}

// WithExec(false) loads without executing.
func WithExec(exec bool) Option {
	return func(o *callOptions) { o.exec = exec }
}

// WithInto copies the returned namespace's public symbols into dst.
func WithInto(dst map[string]any) Option {
	return func(o *callOptions) { o.into = dst }
}

// WithLoader forces a loader id instead of suffix detection.
func WithLoader(loader string) Option {
	return func(o *callOptions) { o.loader = loader }
}

// WithSymbols restricts a WithInto copy to the named symbols.
func WithSymbols(symbols []string) Option {
	return func(o *callOptions) { o.symbols = symbols }
}

// Install creates the session's root Require and wires the extension
// dispatcher into the Context's source loader.
func Install(c *rtcontext.Context) *Require {
	r := &Require{ctx: c}
	r.dispatcher = extension.NewDispatcher(r)
	c.SetPreprocessor(r.dispatcher)
	return r
}

// child derives the Require capability handed to a module's execution
// scope.
func (r *Require) child(mod *resolve.Module) *Require {
	return &Require{ctx: r.ctx, owner: mod, dispatcher: r.dispatcher}
}

// Context returns the session Context.
func (r *Require) Context() *rtcontext.Context { return r.ctx }

// Main returns the session's main module.
func (r *Require) Main() *resolve.Module { return r.ctx.Main() }

// Current returns the module currently executing.
func (r *Require) Current() *resolve.Module { return r.ctx.Current() }

// Cache returns a snapshot view of the session's module cache.
func (r *Require) Cache() map[string]*resolve.Module { return r.ctx.CacheView() }

// HideMain temporarily detaches the session's main module; the returned
// function restores it.
func (r *Require) HideMain() (restore func()) { return r.ctx.HideMain() }

// currentDir returns the base directory for this capability's requests:
// the owning module's directory, else the process working directory.
func (r *Require) currentDir() vpath.OSPath {
	if r.owner != nil {
		return r.owner.Directory()
	}
	if wd, err := os.Getwd(); err == nil {
		return vpath.OSPath(wd)
	}
	return "."
}

// searchPaths assembles the search path for one request: per-require
// additions, then the owning package's vendor directories, then the
// Context's paths.
func (r *Require) searchPaths() []string {
	paths := append([]string(nil), r.Path...)
	if r.owner != nil && r.owner.Package != nil {
		for _, dir := range r.owner.Package.VendorDirs() {
			paths = append(paths, dir.String())
		}
	}
	return append(paths, r.ctx.SearchPaths()...)
}

// buildRequest constructs the resolution record for one call.
func (r *Require) buildRequest(request string, o *callOptions) *resolve.Request {
	return resolve.NewRequest(request,
		resolve.WithParent(r.owner),
		resolve.WithCurrentDir(o.currentDir),
		resolve.WithIsMain(o.isMain),
		resolve.WithLoaderHint(o.loader),
		resolve.WithSearchPaths(r.searchPaths()),
	)
}

// Resolve resolves a request without loading it and returns the resolved
// module handle (which may already be cached and executed).
func (r *Require) Resolve(ctx context.Context, request string) (*resolve.Module, error) {
	o := &callOptions{currentDir: r.currentDir(), cache: true}
	req := r.buildRequest(request, o)
	mod, err := r.ctx.Resolve(req)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.ctx.CachedModule(mod.Filename.String()); ok {
		return cached, nil
	}
	return mod, nil
}

// Call is the require operation. It constructs a Request, resolves it,
// loads the module if not cached, executes it unless exec is disabled, and
// returns the exported value (or the Module handle when exports is
// disabled).
func (r *Require) Call(ctx context.Context, request string, opts ...Option) (any, error) {
	o := &callOptions{
		currentDir: r.currentDir(),
		cache:      true,
		exports:    true,
		exec:       true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.isMain && r.ctx.Main() != nil {
		return nil, fmt.Errorf("require %q: %w", request, rtcontext.ErrMainAlreadySet)
	}

	req := r.buildRequest(request, o)
	r.ctx.Emit(rtcontext.Event{Kind: rtcontext.EventRequire, Request: req})

	var located *resolve.Module
	var err error
	if o.cache {
		located, err = r.ctx.Resolve(req)
	} else {
		located, err = r.ctx.Chain().ResolveUncached(req)
	}
	if err != nil {
		return nil, err
	}

	mod, err := r.materialize(ctx, located, o)
	if err != nil {
		return nil, err
	}
	return r.result(mod, o)
}

// materialize turns a located module into a loaded (and, unless disabled,
// executed) one, honoring the cache and autoreload semantics.
func (r *Require) materialize(ctx context.Context, located *resolve.Module, o *callOptions) (*resolve.Module, error) {
	filename := located.Filename.String()
	mod := located

	if o.cache {
		if cached, ok := r.ctx.CachedModule(filename); ok {
			if r.ctx.OnCurrentStack(cached) {
				// Circular require: expose the partial namespace.
				return cached, nil
			}
			if !cached.Executed() || !r.needsReload(cached) {
				if o.exec && !cached.Executed() {
					if err := r.execute(ctx, cached, o); err != nil {
						return nil, err
					}
				}
				return cached, nil
			}
			// Stale under autoreload: drop it and load a fresh instance.
			r.ctx.EvictModule(filename)
			mod = &resolve.Module{
				Filename:     cached.Filename,
				RealFilename: cached.RealFilename,
				Package:      cached.Package,
				Request:      cached.Request,
			}
		}
	}

	if mod.Namespace == nil {
		if err := r.loadModule(ctx, mod); err != nil {
			return nil, err
		}
	}

	// Publish the (possibly empty) namespace before execution so circular
	// requires see the partial module.
	r.ctx.StoreModule(mod)

	if o.exec && !mod.Executed() {
		if err := r.execute(ctx, mod, o); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

// needsReload implements the require.autoreload option: a module whose
// source mtime no longer matches its exec mtime is reloaded.
func (r *Require) needsReload(mod *resolve.Module) bool {
	if !r.ctx.BoolOption(rtcontext.OptionAutoreload) {
		return false
	}
	info, err := os.Stat(mod.RealFilename.String())
	if err != nil {
		return false
	}
	return !info.ModTime().Equal(mod.ExecMTime)
}

// loadModule picks the loader, loads the module, and fires the load event
// and extension hooks.
func (r *Require) loadModule(ctx context.Context, mod *resolve.Module) error {
	loader, err := r.ctx.Loaders().Pick(mod)
	if err != nil {
		return err
	}

	r.ctx.Emit(rtcontext.Event{Kind: rtcontext.EventLoad, Module: mod, Request: mod.Request})
	if err := loader.Load(ctx, mod); err != nil {
		return err
	}
	if mod.Namespace == nil {
		mod.Namespace = resolve.Namespace{}
	}
	mod.Namespace.Set("require", r.child(mod))

	return r.dispatcher.ModuleLoaded(ctx, mod)
}

// execute runs a loaded module under the current-module stack. A failing
// execution evicts the module from the cache so a retry reloads, and the
// failure propagates unchanged.
func (r *Require) execute(ctx context.Context, mod *resolve.Module, o *callOptions) error {
	loader, err := r.ctx.Loaders().Pick(mod)
	if err != nil {
		return err
	}

	if o.isMain {
		if err := r.ctx.SetMain(mod); err != nil {
			return err
		}
	}

	r.ctx.PushCurrent(mod)
	err = loader.Exec(ctx, mod, r.child(mod))
	r.ctx.PopCurrent()

	if err != nil {
		r.ctx.EvictModule(mod.Filename.String())
		if o.isMain {
			_ = r.ctx.SetMain(nil)
		}
		return err
	}
	return nil
}

// result shapes the Call return value per the exports/into/symbols options.
func (r *Require) result(mod *resolve.Module, o *callOptions) (any, error) {
	if !o.exports {
		if o.into != nil {
			r.copyInto(mod, o)
		}
		return mod, nil
	}

	if o.into != nil {
		r.copyInto(mod, o)
	}
	return mod.Exports(), nil
}

// copyInto star-imports the module's namespace into the destination map:
// all public symbols, or just the selected ones.
func (r *Require) copyInto(mod *resolve.Module, o *callOptions) {
	ns := mod.Namespace
	if ns == nil {
		return
	}
	if len(o.symbols) > 0 {
		for _, name := range o.symbols {
			if v, ok := ns[name]; ok {
				o.into[name] = v
			}
		}
		return
	}
	for _, name := range ns.Public() {
		if name == "require" || name == "module" {
			continue
		}
		o.into[name] = ns[name]
	}
}

// Require implements load.Requirer.
func (r *Require) Require(ctx context.Context, request string, dir vpath.OSPath) (any, error) {
	return r.Call(ctx, request, WithCurrentDir(dir))
}

// RequireModule implements load.Requirer.
func (r *Require) RequireModule(ctx context.Context, request string, dir vpath.OSPath) (*resolve.Module, error) {
	v, err := r.Call(ctx, request, WithCurrentDir(dir), WithExports(false))
	if err != nil {
		return nil, err
	}
	mod, ok := v.(*resolve.Module)
	if !ok {
		return nil, fmt.Errorf("require %q: expected module handle, got %T", request, v)
	}
	return mod, nil
}

// RunModule executes a request as a fresh main module: the session's main
// slot is hidden for the duration and the module bypasses the cache. Hook
// runners use it for module-request lifecycle scripts.
func (r *Require) RunModule(ctx context.Context, request string, dir vpath.OSPath) error {
	restore := r.ctx.HideMain()
	defer restore()

	_, err := r.Call(ctx, request,
		WithCurrentDir(dir), WithIsMain(true), WithCache(false))
	_ = r.ctx.SetMain(nil)
	return err
}

// LoadExtension implements extension.Loader: an extension request is
// required with the module handle retained, and its exported value is the
// extension instance.
func (r *Require) LoadExtension(ctx context.Context, request string, dir vpath.OSPath) (any, error) {
	mod, err := r.RequireModule(ctx, request, dir)
	if err != nil {
		return nil, err
	}
	return mod.Exports(), nil
}

// interface conformance
var (
	_ load.Requirer    = (*Require)(nil)
	_ extension.Loader = (*Require)(nil)
)
