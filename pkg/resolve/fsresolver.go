// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

const (
	// LinkSuffix marks a package link file: a one-line file whose content
	// is the absolute path of the directory it stands in for. Develop
	// installs materialize packages this way instead of copying.
	LinkSuffix = ".loom-link"

	// indexBasename is the per-directory default entry file name.
	indexBasename = "index"
)

// FSResolver is the primary resolver: it probes the filesystem for the
// request as a file, as a file with a registered suffix, as a directory
// with an index file, or as a package directory whose manifest names a main
// entry. Package link files are followed transparently.
type FSResolver struct {
	// Registry is the session's package registry; packages whose root a
	// resolution walks into are registered here.
	Registry *pkgreg.Registry

	// Suffixes are the candidate file suffixes in priority order,
	// e.g. [".lsh", ".json"].
	Suffixes []string
}

// NewFSResolver creates an FSResolver over the given registry and suffix
// list.
func NewFSResolver(registry *pkgreg.Registry, suffixes []string) *FSResolver {
	return &FSResolver{Registry: registry, Suffixes: suffixes}
}

// Resolve implements Resolver. Binding requests ("!name") always pass.
func (f *FSResolver) Resolve(req *Request) (*Module, error) {
	if strings.HasPrefix(req.Raw, "!") {
		return nil, nil
	}

	for _, base := range f.baseDirs(req) {
		candidate := f.candidatePath(base, req.Raw)
		mod, err := f.tryPath(req, candidate, "")
		if err != nil {
			return nil, err
		}
		if mod != nil {
			return mod, nil
		}
	}
	return nil, nil
}

// baseDirs selects the directories a request is probed under: relative
// requests use the current directory only; main requests may use the
// current directory before the search path; everything else walks the
// search path as captured on the Request.
func (f *FSResolver) baseDirs(req *Request) []string {
	if req.IsRelative() {
		return []string{req.CurrentDir.String()}
	}
	if req.IsMain {
		return append([]string{req.CurrentDir.String()}, req.SearchPaths...)
	}
	return req.SearchPaths
}

func (f *FSResolver) candidatePath(base, raw string) vpath.OSPath {
	if filepath.IsAbs(raw) {
		return vpath.OSPath(raw).Clean()
	}
	return vpath.OSPath(base).Join(filepath.FromSlash(raw))
}

// tryPath probes a single candidate location, in order: the path itself as
// a file, the path plus each registered suffix, a package link, the path as
// a directory (manifest main, then index file). originalLocation carries
// the pre-indirection location across a followed link.
func (f *FSResolver) tryPath(req *Request, path vpath.OSPath, originalLocation vpath.OSPath) (*Module, error) {
	if path.IsFile() {
		return f.makeModule(req, path, originalLocation)
	}
	req.addTried(path.String())

	for _, suffix := range f.Suffixes {
		withSuffix := vpath.OSPath(path.String() + suffix)
		if withSuffix.IsFile() {
			return f.makeModule(req, withSuffix, originalLocation)
		}
		req.addTried(withSuffix.String())
	}

	if mod, err := f.tryLink(req, path); mod != nil || err != nil {
		return mod, err
	}

	if path.IsDir() {
		return f.tryDirectory(req, path, originalLocation)
	}
	return nil, nil
}

// tryLink follows a package link file at path + LinkSuffix, re-entering
// resolution in the link's target directory with the followed-from location
// recorded so the linked module's own requires recurse back through it.
func (f *FSResolver) tryLink(req *Request, path vpath.OSPath) (*Module, error) {
	linkPath := vpath.OSPath(path.String() + LinkSuffix)
	if !linkPath.IsFile() {
		req.addTried(linkPath.String())
		return nil, nil
	}

	target, err := ReadLinkFile(linkPath)
	if err != nil {
		return nil, err
	}
	return f.tryPath(req, target, path)
}

// tryDirectory resolves a directory candidate: the directory's index file
// takes precedence, then the manifest's main entry (registering the
// package, honoring resolve_root). A directory with a manifest still
// registers its package even when the index file wins, so the resulting
// module observes the right Package.
func (f *FSResolver) tryDirectory(req *Request, dir vpath.OSPath, originalLocation vpath.OSPath) (*Module, error) {
	var pkg *pkgreg.Package
	if dir.Join(manifest.FileName).IsFile() {
		loaded, err := f.Registry.LoadDir(dir.String())
		if err != nil {
			return nil, err
		}
		pkg = loaded
	}

	mod, err := f.tryEntry(req, dir.Join(indexBasename), originalLocation)
	if mod != nil || err != nil {
		return mod, err
	}

	if pkg != nil {
		main := pkg.ResolveRoot().Join(filepath.FromSlash(pkg.MainRequest()))
		return f.tryEntry(req, main, originalLocation)
	}
	return nil, nil
}

// tryEntry probes path as a file or as a file with a registered suffix,
// without descending into directories again.
func (f *FSResolver) tryEntry(req *Request, path vpath.OSPath, originalLocation vpath.OSPath) (*Module, error) {
	if path.IsFile() {
		return f.makeModule(req, path, originalLocation)
	}
	req.addTried(path.String())

	for _, suffix := range f.Suffixes {
		withSuffix := vpath.OSPath(path.String() + suffix)
		if withSuffix.IsFile() {
			return f.makeModule(req, withSuffix, originalLocation)
		}
		req.addTried(withSuffix.String())
	}
	return nil, nil
}

// makeModule builds the Module for a located artifact: canonical filename
// (lexical normalization first), real filename (symlinks followed), and the
// owning package discovered by walking upward from the file's directory.
func (f *FSResolver) makeModule(req *Request, path vpath.OSPath, originalLocation vpath.OSPath) (*Module, error) {
	canonical, err := canonicalFile(path)
	if err != nil {
		return nil, err
	}

	real := canonical
	if resolved, err := filepath.EvalSymlinks(canonical.String()); err == nil {
		real = vpath.OSPath(resolved)
	}

	pkg, err := f.Registry.PackageForDirectory(canonical.Dir().String())
	if err != nil {
		return nil, err
	}

	recorded := req
	if originalLocation != "" {
		recorded = req.Copy(WithOriginalLocation(originalLocation))
	}

	return &Module{
		Filename:     canonical,
		RealFilename: real,
		Package:      pkg,
		Request:      recorded,
	}, nil
}

// canonicalFile normalizes a located path to the canonical absolute form:
// "."/".." segments are eliminated lexically, without consulting the
// filesystem for intermediates that only exist logically.
func canonicalFile(path vpath.OSPath) (vpath.OSPath, error) {
	abs, err := path.Abs()
	if err != nil {
		return "", fmt.Errorf("resolve: canonicalizing %q: %w", path, err)
	}
	return abs.Clean(), nil
}

// ReadLinkFile reads a package link file and returns its single-line target
// path.
func ReadLinkFile(path vpath.OSPath) (vpath.OSPath, error) {
	data, err := os.ReadFile(path.String())
	if err != nil {
		return "", fmt.Errorf("resolve: reading link file %q: %w", path, err)
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", fmt.Errorf("resolve: link file %q is empty", path)
	}
	return vpath.OSPath(target), nil
}

// WriteLinkFile writes a package link file pointing at target.
func WriteLinkFile(path, target vpath.OSPath) error {
	if err := os.WriteFile(path.String(), []byte(target.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("resolve: writing link file %q: %w", path, err)
	}
	return nil
}

