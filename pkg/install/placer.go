// SPDX-License-Identifier: MPL-2.0

package install

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/types"
	"github.com/loom-run/loom/pkg/vpath"
)

const (
	// PartialMarkerName is the sentinel written into a package directory
	// while placement is in flight. Its presence means the directory must
	// not be trusted as a valid package.
	PartialMarkerName = ".partial"

	// InstalledFilesName lists the files a placement wrote, one relative
	// path per line, consumed by uninstall.
	InstalledFilesName = "installed-files.txt"

	// LockName is the advisory lock file taken for the duration of an
	// install inside the target modules directory.
	LockName = ".lock"

	// IsolatedPrefixEnv marks an isolated environment; a global install
	// inside one is promoted to the environment's own prefix.
	IsolatedPrefixEnv = "LOOM_ISOLATED_PREFIX"
)

type (
	// Placer materializes fetched packages into a modules directory
	// deterministically and idempotently.
	Placer struct {
		workspaceDir vpath.OSPath
		logger       *log.Logger

		// GlobalPrefix is the user prefix global installs place under.
		GlobalPrefix vpath.OSPath

		// RootPrefix is the system prefix root installs place under.
		RootPrefix vpath.OSPath

		// IsolatedPrefix is the detected isolated-environment prefix, ""
		// when the process runs outside one.
		IsolatedPrefix vpath.OSPath
	}

	// Placement is an in-flight placement: files are on disk but the
	// partial marker is still present until Commit.
	Placement struct {
		// Dir is the placed package directory, or "" for link placements.
		Dir vpath.OSPath

		// LinkFile is the link file path for develop placements.
		LinkFile vpath.OSPath

		// Fresh reports whether any file content changed.
		Fresh bool
	}
)

// NewPlacer creates a Placer for a workspace. The global prefix defaults
// to the user's .loom directory and the root prefix to the isolated
// environment's prefix when one is active.
func NewPlacer(workspaceDir vpath.OSPath, logger *log.Logger) *Placer {
	p := &Placer{
		workspaceDir: workspaceDir,
		logger:       logger,
		RootPrefix:   vpath.OSPath(string(filepath.Separator) + filepath.Join("usr", "local")),
	}
	if home, err := os.UserHomeDir(); err == nil {
		p.GlobalPrefix = vpath.OSPath(filepath.Join(home, ".loom"))
	}
	if prefix := detectIsolatedPrefix(os.Getenv); prefix != "" {
		p.IsolatedPrefix = prefix
		p.RootPrefix = prefix
	}
	return p
}

// detectIsolatedPrefix reports the active isolated environment's prefix.
func detectIsolatedPrefix(getenv func(string) string) vpath.OSPath {
	if prefix := getenv(IsolatedPrefixEnv); prefix != "" {
		return vpath.OSPath(prefix)
	}
	if prefix := getenv("VIRTUAL_ENV"); prefix != "" {
		return vpath.OSPath(prefix)
	}
	return ""
}

// ModulesDir returns the workspace-local modules directory.
func (p *Placer) ModulesDir() vpath.OSPath {
	return p.workspaceDir.Join(pkgreg.ModulesDirName)
}

// TargetDir returns the modules directory a placement with the given
// options writes into. A global placement inside an isolated environment
// is promoted to the environment's prefix unless the options keep it
// global.
func (p *Placer) TargetDir(opts PlanOptions) vpath.OSPath {
	switch {
	case opts.Root:
		return p.RootPrefix.Join(pkgreg.ModulesDirName)
	case opts.Global:
		if p.IsolatedPrefix != "" && !opts.GlobalStaysGlobal {
			return p.IsolatedPrefix.Join(pkgreg.ModulesDirName)
		}
		return p.GlobalPrefix.Join(pkgreg.ModulesDirName)
	default:
		return p.ModulesDir()
	}
}

// LockModulesDir takes the advisory install lock inside the workspace
// modules directory, creating the directory if needed, and returns the
// unlock function.
func (p *Placer) LockModulesDir() (func(), error) {
	dir := p.ModulesDir()
	if err := os.MkdirAll(dir.String(), 0o755); err != nil {
		return nil, fmt.Errorf("install: creating modules directory: %w", err)
	}

	lock := flock.New(dir.Join(LockName).String())
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("install: locking modules directory: %w", err)
	}
	return func() { _ = lock.Unlock() }, nil
}

// packagePath maps a package name to its directory below a modules
// directory, keeping the "@scope/" prefix as a subdirectory.
func packagePath(base vpath.OSPath, name string) vpath.OSPath {
	pn := types.PackageName(name)
	if scope := pn.Scope(); scope != "" {
		return base.Join(scope, pn.Bare())
	}
	return base.Join(name)
}

// Place materializes one resolved module. It returns nil when the target
// is already satisfied and placement was skipped. For fresh placements the
// partial marker is left in place; the caller removes it through Commit
// once the surrounding hooks succeeded.
func (p *Placer) Place(ctx context.Context, mod *ResolvedModule, opts PlanOptions) (*Placement, error) {
	base := p.TargetDir(opts)
	name := mod.Requirement.Name

	if (opts.Develop || mod.Develop) && mod.Source == SourceLocalPath {
		return p.placeLink(base, name, mod.CachePath)
	}

	dest := packagePath(base, name)
	if !opts.IgnoreInstalled && p.satisfied(dest, mod.ResolvedVersion) {
		return nil, nil
	}

	if err := os.MkdirAll(dest.String(), 0o755); err != nil {
		return nil, fmt.Errorf("install: creating %s: %w", dest, err)
	}
	marker := dest.Join(PartialMarkerName)
	if err := os.WriteFile(marker.String(), nil, 0o644); err != nil {
		return nil, fmt.Errorf("install: writing partial marker: %w", err)
	}

	written, fresh, err := p.copyTree(ctx, mod.CachePath, dest)
	if err != nil {
		return nil, err
	}

	sort.Strings(written)
	listing := strings.Join(written, "\n") + "\n"
	if err := writeFileIfChanged(dest.Join(InstalledFilesName), []byte(listing)); err != nil {
		return nil, err
	}

	return &Placement{Dir: dest, Fresh: fresh}, nil
}

// placeLink writes a develop-install link file pointing at the source
// directory; nothing is copied.
func (p *Placer) placeLink(base vpath.OSPath, name string, source vpath.OSPath) (*Placement, error) {
	if err := os.MkdirAll(base.String(), 0o755); err != nil {
		return nil, fmt.Errorf("install: creating %s: %w", base, err)
	}

	abs, err := source.Abs()
	if err != nil {
		return nil, err
	}
	linkPath := vpath.OSPath(packagePath(base, name).String() + resolve.LinkSuffix)
	if err := os.MkdirAll(linkPath.Dir().String(), 0o755); err != nil {
		return nil, fmt.Errorf("install: creating %s: %w", linkPath.Dir(), err)
	}
	if err := resolve.WriteLinkFile(linkPath, abs); err != nil {
		return nil, err
	}
	return &Placement{LinkFile: linkPath, Fresh: true}, nil
}

// Commit finishes a placement by removing the partial marker. A package
// directory is only trustworthy after Commit.
func (p *Placer) Commit(pl *Placement) error {
	if pl == nil || pl.Dir == "" {
		return nil
	}
	if err := os.Remove(pl.Dir.Join(PartialMarkerName).String()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("install: removing partial marker: %w", err)
	}
	return nil
}

// satisfied reports whether dest already holds a committed placement of
// the wanted version.
func (p *Placer) satisfied(dest vpath.OSPath, version string) bool {
	if _, err := os.Stat(dest.Join(PartialMarkerName).String()); err == nil {
		return false
	}
	m, err := manifest.LoadDir(dest.String())
	if err != nil {
		return false
	}
	return m.Version == version
}

// copyTree copies the fetched package into dest, skipping version control
// litter and nested modules directories, rewriting only files whose
// content differs so an idempotent re-run leaves mtimes untouched.
func (p *Placer) copyTree(ctx context.Context, src, dest vpath.OSPath) (written []string, fresh bool, err error) {
	err = filepath.WalkDir(src.String(), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, relErr := filepath.Rel(src.String(), path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == pkgreg.ModulesDirName {
				return filepath.SkipDir
			}
			return os.MkdirAll(dest.Join(rel).String(), 0o755)
		}
		if name == PartialMarkerName || name == InstalledFilesName {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}

		target := dest.Join(rel)
		changed, writeErr := writeIfChanged(target, data, d)
		if writeErr != nil {
			return writeErr
		}
		if changed {
			fresh = true
		}
		written = append(written, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("install: copying package tree: %w", err)
	}
	return written, fresh, nil
}

// writeIfChanged writes data to target unless identical content is already
// there, preserving the source file's mode bits on fresh writes.
func writeIfChanged(target vpath.OSPath, data []byte, d fs.DirEntry) (changed bool, err error) {
	if existing, err := os.ReadFile(target.String()); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	mode := fs.FileMode(0o644)
	if info, err := d.Info(); err == nil && info.Mode().Perm()&0o100 != 0 {
		mode = 0o755
	}
	if err := os.WriteFile(target.String(), data, mode); err != nil {
		return false, fmt.Errorf("install: writing %s: %w", target, err)
	}
	return true, nil
}

// writeFileIfChanged is writeIfChanged for generated files with default
// permissions.
func writeFileIfChanged(target vpath.OSPath, data []byte) error {
	if existing, err := os.ReadFile(target.String()); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := os.WriteFile(target.String(), data, 0o644); err != nil {
		return fmt.Errorf("install: writing %s: %w", target, err)
	}
	return nil
}
