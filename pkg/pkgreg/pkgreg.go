// SPDX-License-Identifier: MPL-2.0

// Package pkgreg tracks the packages a session has discovered: a Package is
// a directory with a loom.json, found lazily whenever module resolution
// walks into its root. The Registry guarantees at most one Package per
// canonicalized root directory, so every module inside a package observes
// the same Package identity.
package pkgreg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/vpath"
)

// ModulesDirName is the workspace-local directory installed packages are
// placed into and the resolver searches after a package's own tree.
const ModulesDirName = "loom_modules"

type (
	// Package is a discovered manifest plus its root directory. Packages
	// hold no references to modules; modules look their Package up through
	// the session's Registry.
	Package struct {
		// Manifest is the parsed loom.json (always present).
		Manifest *manifest.Manifest

		// Root is the canonicalized directory containing loom.json.
		Root vpath.OSPath
	}

	// Registry caches discovered packages for a session, one per
	// canonicalized root directory.
	Registry struct {
		mu     sync.Mutex
		byRoot map[string]*Package

		// missing remembers directories known to contain no manifest, so
		// repeated resolutions don't re-stat the same tree.
		missing map[string]bool
	}
)

// Name returns the package's declared name.
func (p *Package) Name() string { return string(p.Manifest.Name) }

// Version returns the package's declared version.
func (p *Package) Version() string { return p.Manifest.Version }

// ResolveRoot returns the effective root for in-package requests: the
// manifest's resolve_root subdirectory if declared, otherwise Root.
func (p *Package) ResolveRoot() vpath.OSPath {
	if p.Manifest.ResolveRoot != "" {
		return p.Root.Join(p.Manifest.ResolveRoot)
	}
	return p.Root
}

// MainRequest returns the request resolved when the package itself is
// required: the manifest's main entry, defaulting to "index".
func (p *Package) MainRequest() string {
	if p.Manifest.Main != "" {
		return p.Manifest.Main
	}
	return "index"
}

// VendorDirs returns the package's vendor directories as absolute paths, in
// manifest order, followed by the package's own modules directory.
func (p *Package) VendorDirs() []vpath.OSPath {
	dirs := make([]vpath.OSPath, 0, len(p.Manifest.VendorDirectories)+1)
	for _, d := range p.Manifest.VendorDirectories {
		dirs = append(dirs, p.Root.Join(d))
	}
	dirs = append(dirs, p.Root.Join(ModulesDirName))
	return dirs
}

// Contains reports whether path is inside the package's root.
func (p *Package) Contains(path vpath.OSPath) bool {
	rel, err := filepath.Rel(p.Root.String(), path.String())
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !hasParentPrefix(rel))
}

func hasParentPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRoot:  make(map[string]*Package),
		missing: make(map[string]bool),
	}
}

// CanonicalDir normalizes dir for use as a cache key: absolute, with "."
// and ".." eliminated lexically before symlinks are followed. The lexical
// pass runs first so "pkg/sub/.." and "pkg" key the same Package even when
// "sub" is itself a symlink elsewhere.
func CanonicalDir(dir string) (vpath.OSPath, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("pkgreg: resolving %q: %w", dir, err)
	}
	abs = filepath.Clean(abs)
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return vpath.OSPath(abs), nil
}

// LoadDir parses the manifest in root and caches the resulting Package.
// Repeated calls for the same canonical root return the same Package.
func (r *Registry) LoadDir(root string) (*Package, error) {
	canonical, err := CanonicalDir(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(canonical)
}

func (r *Registry) loadLocked(canonical vpath.OSPath) (*Package, error) {
	if pkg, ok := r.byRoot[canonical.String()]; ok {
		return pkg, nil
	}

	m, err := manifest.LoadDir(canonical.String())
	if err != nil {
		return nil, err
	}

	pkg := &Package{Manifest: m, Root: canonical}
	r.byRoot[canonical.String()] = pkg
	return pkg, nil
}

// PackageForDirectory resolves dir, then walks upward until a directory with
// a manifest is found or the filesystem root is reached. It returns
// (nil, nil) when dir is not inside any package.
func (r *Registry) PackageForDirectory(dir string) (*Package, error) {
	canonical, err := CanonicalDir(dir)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := canonical.String()
	var descended []string
	for {
		if pkg, ok := r.byRoot[current]; ok {
			r.rememberMissing(descended)
			return pkg, nil
		}
		if !r.missing[current] {
			if _, err := os.Stat(filepath.Join(current, manifest.FileName)); err == nil {
				pkg, err := r.loadLocked(vpath.OSPath(current))
				if err != nil {
					return nil, err
				}
				r.rememberMissing(descended)
				return pkg, nil
			}
			descended = append(descended, current)
		}

		parent := filepath.Dir(current)
		if parent == current {
			r.rememberMissing(descended)
			return nil, nil
		}
		current = parent
	}
}

// rememberMissing records directories the walk stat'd and found to contain
// no manifest file of their own.
func (r *Registry) rememberMissing(dirs []string) {
	for _, d := range dirs {
		r.missing[d] = true
	}
}

// Cached returns the Package already registered for root, if any, without
// touching the filesystem.
func (r *Registry) Cached(root string) (*Package, bool) {
	canonical, err := CanonicalDir(root)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pkg, ok := r.byRoot[canonical.String()]
	return pkg, ok
}

// All returns every Package discovered so far, in no particular order.
func (r *Registry) All() []*Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Package, 0, len(r.byRoot))
	for _, pkg := range r.byRoot {
		out = append(out, pkg)
	}
	return out
}
