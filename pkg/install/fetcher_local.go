// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/distpkg"
	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/vpath"
)

// localVersionFallback is the synthetic version reported for a local
// directory without a manifest version.
const localVersionFallback = "0.0.0"

type (
	// LocalFetcher serves path selectors: the dependency lives in a
	// directory on this machine, typically a sibling checkout. Nothing is
	// downloaded; the directory itself is the cache entry.
	LocalFetcher struct {
		// BaseDir anchors relative path selectors.
		BaseDir vpath.OSPath
	}

	// ArchiveFetcher serves .tar.gz path selectors by unpacking the
	// archive into the source cache.
	ArchiveFetcher struct {
		// CacheDir is the base directory archives unpack into.
		CacheDir vpath.OSPath
	}
)

// NewLocalFetcher creates a LocalFetcher anchored at baseDir.
func NewLocalFetcher(baseDir vpath.OSPath) *LocalFetcher {
	return &LocalFetcher{BaseDir: baseDir}
}

// NewArchiveFetcher creates an ArchiveFetcher.
func NewArchiveFetcher(cacheDir vpath.OSPath) *ArchiveFetcher {
	return &ArchiveFetcher{CacheDir: cacheDir}
}

// resolvePath anchors a path selector at the fetcher's base directory.
func (f *LocalFetcher) resolvePath(sel semver.Selector) (vpath.OSPath, error) {
	pathSel, ok := sel.(*semver.PathSelector)
	if !ok {
		return "", fmt.Errorf("install: local fetcher cannot serve selector %q", sel)
	}
	p := pathSel.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.BaseDir.String(), filepath.FromSlash(p))
	}
	return vpath.OSPath(p).Clean(), nil
}

// Versions implements Fetcher: a directory has exactly one version, read
// from its manifest when present.
func (f *LocalFetcher) Versions(_ context.Context, _ Requirement, sel semver.Selector) ([]string, error) {
	dir, err := f.resolvePath(sel)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir.String()); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("install: local path %s is not a directory", dir)
	}

	if m, err := manifest.LoadDir(dir.String()); err == nil {
		return []string{m.Version}, nil
	}
	return []string{localVersionFallback}, nil
}

// Fetch implements Fetcher: the source directory is its own cache entry.
func (f *LocalFetcher) Fetch(_ context.Context, _ Requirement, sel semver.Selector, _ string) (vpath.OSPath, string, error) {
	dir, err := f.resolvePath(sel)
	if err != nil {
		return "", "", err
	}
	abs, err := dir.Abs()
	if err != nil {
		return "", "", err
	}
	return abs, "", nil
}

// IsArchivePath reports whether a path selector names a dist archive
// rather than a directory.
func IsArchivePath(path string) bool {
	return strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz")
}

// Versions implements Fetcher: the archived manifest's version.
func (f *ArchiveFetcher) Versions(ctx context.Context, req Requirement, sel semver.Selector) ([]string, error) {
	dir, _, err := f.Fetch(ctx, req, sel, "")
	if err != nil {
		return nil, err
	}
	if m, err := manifest.LoadDir(dir.String()); err == nil {
		return []string{m.Version}, nil
	}
	return []string{localVersionFallback}, nil
}

// Fetch implements Fetcher: unpack the archive into the source cache,
// keyed by the archive's base name. A previous unpack of the same archive
// is reused.
func (f *ArchiveFetcher) Fetch(_ context.Context, _ Requirement, sel semver.Selector, _ string) (vpath.OSPath, string, error) {
	pathSel, ok := sel.(*semver.PathSelector)
	if !ok {
		return "", "", fmt.Errorf("install: archive fetcher cannot serve selector %q", sel)
	}

	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(pathSel.Path), ".tar.gz"), ".tgz")
	dest := f.CacheDir.Join("archives", base)
	if _, err := os.Stat(dest.Join(manifest.FileName).String()); err == nil {
		return dest, "", nil
	}

	if err := os.MkdirAll(dest.String(), 0o755); err != nil {
		return "", "", fmt.Errorf("install: creating cache entry: %w", err)
	}
	if err := distpkg.Unpack(pathSel.Path, dest.String()); err != nil {
		_ = os.RemoveAll(dest.String())
		return "", "", fmt.Errorf("install: unpacking %s: %w", pathSel.Path, err)
	}
	return dest, "", nil
}
