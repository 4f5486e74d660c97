// SPDX-License-Identifier: MPL-2.0

package install

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// Uninstall reverses a placement: the pre-uninstall hook runs, the files
// recorded in installed-files.txt (and the package's shims) are removed,
// then the post-uninstall hook runs. The lock file entry is dropped last.
func (ins *Installer) Uninstall(ctx context.Context, name string, opts PlanOptions) error {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	unlock, err := ins.placer.LockModulesDir()
	if err != nil {
		return err
	}
	defer unlock()

	base := ins.placer.TargetDir(opts)
	dest := packagePath(base, name)

	// Develop installs are just a link file.
	linkPath := dest.String() + resolve.LinkSuffix
	if _, err := os.Stat(linkPath); err == nil {
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("install: removing link %s: %w", linkPath, err)
		}
		_, _ = ins.removeLocked(name) //nolint:errcheck // A link may predate the lock file
		return nil
	}

	m, err := manifest.LoadDir(dest.String())
	if err != nil {
		return fmt.Errorf("install: %q is not installed at %s: %w", name, base, err)
	}
	pkg := &pkgreg.Package{Manifest: m, Root: dest}

	if err := ins.hooks.Run(ctx, hooks.PreUninstall, pkg); err != nil {
		return err
	}

	if err := removeInstalledFiles(dest); err != nil {
		return err
	}

	if m.Bin != nil {
		shims := NewShimWriter(ins.placer.ModulesDir())
		var shimErr error
		m.Bin.Each(func(binName, _ string) bool {
			shimErr = shims.Remove(binName)
			return shimErr == nil
		})
		if shimErr != nil {
			return shimErr
		}
	}

	if err := os.RemoveAll(dest.String()); err != nil {
		return fmt.Errorf("install: removing %s: %w", dest, err)
	}

	// The package directory is gone; the hook runs from the modules dir.
	pkg.Root = base
	if err := ins.hooks.Run(ctx, hooks.PostUninstall, pkg); err != nil {
		return err
	}

	if _, err := ins.removeLocked(name); err != nil {
		// A package placed without a lock entry still uninstalls cleanly.
		ins.logger.Debug("no lock entry removed", "package", name, "err", err)
	}
	return nil
}

// removeLocked is Remove without re-acquiring the installer mutex.
func (ins *Installer) removeLocked(identifier string) ([]*LockedModule, error) {
	lock, err := LoadLockFile(ins.lockPath())
	if err != nil {
		return nil, fmt.Errorf("install: loading lock file: %w", err)
	}

	keys, err := resolveIdentifier(identifier, lock.Modules)
	if err != nil {
		return nil, err
	}

	var removed []*LockedModule
	for _, key := range keys {
		entry := lock.Modules[key]
		removed = append(removed, &entry)
		delete(lock.Modules, key)
	}

	if err := lock.Save(ins.lockPath()); err != nil {
		return nil, fmt.Errorf("install: saving lock file: %w", err)
	}
	return removed, nil
}

// removeInstalledFiles deletes the files the placement recorded, then any
// directories it emptied. Files the listing doesn't cover (user edits) are
// left in place for RemoveAll to sweep.
func removeInstalledFiles(dest vpath.OSPath) (err error) {
	listing := dest.Join(InstalledFilesName)
	f, err := os.Open(listing.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("install: reading %s: %w", listing, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rel := strings.TrimSpace(scanner.Text())
		if rel == "" {
			continue
		}
		path := dest.Join(filepath.FromSlash(rel))
		if err := os.Remove(path.String()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("install: removing %s: %w", path, err)
		}
	}
	return scanner.Err()
}
