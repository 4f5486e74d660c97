// SPDX-License-Identifier: MPL-2.0

package distpkg

import (
	"context"
	"fmt"

	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

// Uploader pushes a packed dist archive to a registry. The installer's
// registry client implements it.
type Uploader interface {
	Upload(ctx context.Context, name, version, archivePath string) error
}

// Publish packs the package at pkgDir and uploads the archive, bracketed
// by the pre-publish and post-publish hooks. The manifest must satisfy the
// stricter publish validation (license present, not private).
func Publish(ctx context.Context, pkgDir string, uploader Uploader, runner *hooks.Runner) (string, error) {
	m, err := manifest.LoadDir(pkgDir)
	if err != nil {
		return "", err
	}
	if err := m.ValidateForPublish(); err != nil {
		return "", err
	}

	pkg := &pkgreg.Package{Manifest: m, Root: vpath.OSPath(pkgDir)}
	if runner != nil {
		if err := runner.Run(ctx, hooks.PrePublish, pkg); err != nil {
			return "", err
		}
	}

	archivePath, err := Pack(pkgDir)
	if err != nil {
		return "", err
	}

	if err := uploader.Upload(ctx, m.Name.String(), m.Version, archivePath); err != nil {
		return "", fmt.Errorf("distpkg: uploading %s: %w", archivePath, err)
	}

	if runner != nil {
		if err := runner.Run(ctx, hooks.PostPublish, pkg); err != nil {
			return "", err
		}
	}
	return archivePath, nil
}
