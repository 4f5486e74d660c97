// SPDX-License-Identifier: MPL-2.0

// Package extension dispatches per-package plugin callbacks. A package's
// manifest lists extension module requests; each is resolved on first use
// of the package and registered here. Source files may additionally declare
// file-scoped extensions through a "# loom-extensions:" comment.
//
// Every callback is optional: an extension value implements whichever of
// the narrow hook interfaces it cares about, and the dispatcher probes with
// type assertions.
package extension

import (
	"context"
	"fmt"
	"sync"

	"github.com/loom-run/loom/pkg/load"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// Initer receives init_extension when a package first activates the
	// extension. File-scoped extensions never receive it.
	Initer interface {
		InitExtension(pkg *pkgreg.Package) error
	}

	// ModuleLoadedHooker receives module_loaded after a module in the
	// extension's scope has been loaded.
	ModuleLoadedHooker interface {
		ModuleLoaded(mod *resolve.Module) error
	}

	// Preprocessor receives the module source before compilation and may
	// return a rewritten version. Rewrites must preserve line counts.
	Preprocessor interface {
		PreprocessSource(pkg *pkgreg.Package, filename vpath.OSPath, source []byte) ([]byte, error)
	}

	// Loader resolves an extension request to its extension value: the
	// require facility implements it by requiring the request with the
	// module handle unwrapped to its exported value.
	Loader interface {
		LoadExtension(ctx context.Context, request string, dir vpath.OSPath) (any, error)
	}

	// Dispatcher tracks registered extensions per package and fires their
	// callbacks in registration order. A failing extension aborts the
	// surrounding operation.
	Dispatcher struct {
		loader Loader

		mu        sync.Mutex
		byPackage map[*pkgreg.Package][]entry
		inited    map[*pkgreg.Package]map[string]bool
	}

	entry struct {
		name string
		impl any
	}
)

// NewDispatcher creates a Dispatcher resolving extension requests through
// loader.
func NewDispatcher(loader Loader) *Dispatcher {
	return &Dispatcher{
		loader:    loader,
		byPackage: make(map[*pkgreg.Package][]entry),
		inited:    make(map[*pkgreg.Package]map[string]bool),
	}
}

// activate resolves a package's manifest-declared extensions on first use,
// firing init_extension once per (package, extension) pair.
func (d *Dispatcher) activate(ctx context.Context, pkg *pkgreg.Package) ([]entry, error) {
	if pkg == nil {
		return nil, nil
	}

	d.mu.Lock()
	if entries, ok := d.byPackage[pkg]; ok {
		d.mu.Unlock()
		return entries, nil
	}
	d.mu.Unlock()

	// An invalid descriptor aborts activation; a missing one is fine.
	if _, err := LoadDescriptor(pkg.Root.String()); err != nil {
		return nil, fmt.Errorf("extension descriptor of package %s: %w", pkg.Name(), err)
	}

	entries := make([]entry, 0, len(pkg.Manifest.Extensions))
	for _, request := range pkg.Manifest.Extensions {
		impl, err := d.loader.LoadExtension(ctx, request, pkg.Root)
		if err != nil {
			return nil, fmt.Errorf("extension %q of package %s: %w", request, pkg.Name(), err)
		}
		entries = append(entries, entry{name: request, impl: impl})
	}

	d.mu.Lock()
	if cached, ok := d.byPackage[pkg]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.byPackage[pkg] = entries
	if d.inited[pkg] == nil {
		d.inited[pkg] = make(map[string]bool)
	}
	toInit := make([]entry, 0, len(entries))
	for _, e := range entries {
		if !d.inited[pkg][e.name] {
			d.inited[pkg][e.name] = true
			toInit = append(toInit, e)
		}
	}
	d.mu.Unlock()

	for _, e := range toInit {
		if initer, ok := e.impl.(Initer); ok {
			if err := initer.InitExtension(pkg); err != nil {
				return nil, fmt.Errorf("extension %q init for package %s: %w", e.name, pkg.Name(), err)
			}
		}
	}
	return entries, nil
}

// inlineEntries resolves file-scoped extensions named by an in-file
// comment. They receive preprocess and module_loaded callbacks only, never
// init_extension.
func (d *Dispatcher) inlineEntries(ctx context.Context, names []string, dir vpath.OSPath) ([]entry, error) {
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		impl, err := d.loader.LoadExtension(ctx, name, dir)
		if err != nil {
			return nil, fmt.Errorf("file-scoped extension %q: %w", name, err)
		}
		entries = append(entries, entry{name: name, impl: impl})
	}
	return entries, nil
}

// PreprocessSource implements load.Preprocessor: it runs the package's
// extensions, then any file-scoped extensions the source declares, each in
// declaration order.
func (d *Dispatcher) PreprocessSource(ctx context.Context, pkg *pkgreg.Package, filename vpath.OSPath, source []byte) ([]byte, error) {
	entries, err := d.activate(ctx, pkg)
	if err != nil {
		return nil, err
	}

	if inline := load.ScanInlineExtensions(source); len(inline) > 0 {
		extra, err := d.inlineEntries(ctx, inline, filename.Dir())
		if err != nil {
			return nil, err
		}
		entries = append(append([]entry(nil), entries...), extra...)
	}

	for _, e := range entries {
		pre, ok := e.impl.(Preprocessor)
		if !ok {
			continue
		}
		source, err = pre.PreprocessSource(pkg, filename, source)
		if err != nil {
			return nil, fmt.Errorf("extension %q preprocess of %s: %w", e.name, filename, err)
		}
	}
	return source, nil
}

// ModuleLoaded fires module_loaded on every extension active for the
// module's package and, for source modules, its file-scoped extensions.
func (d *Dispatcher) ModuleLoaded(ctx context.Context, mod *resolve.Module) error {
	entries, err := d.activate(ctx, mod.Package)
	if err != nil {
		return err
	}

	if program, ok := mod.Program.(*load.ShellProgram); ok && len(program.InlineExtensions) > 0 {
		extra, err := d.inlineEntries(ctx, program.InlineExtensions, mod.Directory())
		if err != nil {
			return err
		}
		entries = append(append([]entry(nil), entries...), extra...)
	}

	for _, e := range entries {
		hooker, ok := e.impl.(ModuleLoadedHooker)
		if !ok {
			continue
		}
		if err := hooker.ModuleLoaded(mod); err != nil {
			return fmt.Errorf("extension %q module_loaded for %s: %w", e.name, mod.Filename, err)
		}
	}
	return nil
}
