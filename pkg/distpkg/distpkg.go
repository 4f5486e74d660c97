// SPDX-License-Identifier: MPL-2.0

// Package distpkg builds and unpacks package dist archives. A dist is a
// .tar.gz of the package tree filtered through the manifest's
// dist.include_files and dist.exclude_files glob patterns plus a fixed
// default exclude set; include patterns override excludes.
package distpkg

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

// DistDirName is the directory pack output lands in, below the package
// root.
const DistDirName = "dist"

// defaultExcludes is the fixed exclude set applied to every pack, before
// the manifest's own excludes. Bytecache files never ship; neither does a
// nested modules directory or a previous dist output.
var defaultExcludes = []string{
	".svn/**",
	".git",
	".git/**",
	".DS_Store",
	"**/*.lshc",
	DistDirName + "/**",
	pkgreg.ModulesDirName + "/**",
}

// ArchiveName returns the dist file name for a package identity.
func ArchiveName(name, version string) string {
	return fmt.Sprintf("%s-%s.tar.gz", name, version)
}

// Pack archives the package at pkgDir into dist/<name>-<version>.tar.gz
// below the package root and returns the archive path.
func Pack(pkgDir string) (string, error) {
	m, err := manifest.LoadDir(pkgDir)
	if err != nil {
		return "", err
	}

	files, err := SelectFiles(pkgDir, m.Dist)
	if err != nil {
		return "", err
	}

	distDir := filepath.Join(pkgDir, DistDirName)
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		return "", fmt.Errorf("distpkg: creating dist directory: %w", err)
	}

	outPath := filepath.Join(distDir, ArchiveName(m.Name.String(), m.Version))
	if err := writeArchive(pkgDir, outPath, files); err != nil {
		_ = os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

// SelectFiles resolves the include/exclude patterns against the package
// tree and returns the relative (slash-separated) paths that ship, in walk
// order.
func SelectFiles(pkgDir string, dist *manifest.DistConfig) ([]string, error) {
	var includes, excludes []string
	if dist != nil {
		includes = dist.IncludeFiles
		excludes = dist.ExcludeFiles
	}
	excludes = append(append([]string(nil), defaultExcludes...), excludes...)

	var files []string
	err := filepath.WalkDir(pkgDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(pkgDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			// Prune trees that can never produce shipped files, unless an
			// include pattern could still reach inside.
			pruned := d.Name() == ".git" || d.Name() == pkgreg.ModulesDirName || rel == DistDirName
			if pruned && !couldInclude(includes, rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if Selected(rel, includes, excludes) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distpkg: scanning package tree: %w", err)
	}
	return files, nil
}

// Selected reports whether one relative path ships under the given
// patterns: an include match always wins, an exclude match otherwise
// drops the file, and a file matching neither ships by default.
func Selected(rel string, includes, excludes []string) bool {
	if matchesAny(includes, rel) {
		return true
	}
	return !matchesAny(excludes, rel)
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// couldInclude reports whether any include pattern might match below dir.
func couldInclude(includes []string, dir string) bool {
	for _, pattern := range includes {
		if strings.HasPrefix(pattern, dir+"/") || strings.HasPrefix(pattern, "**") {
			return true
		}
	}
	return false
}

// writeArchive streams the selected files into a gzip'd tar at outPath.
func writeArchive(pkgDir, outPath string, files []string) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("distpkg: creating archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	gz := gzip.NewWriter(out)
	defer func() {
		if closeErr := gz.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	tw := tar.NewWriter(gz)
	defer func() {
		if closeErr := tw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, rel := range files {
		if err := addFile(tw, pkgDir, rel); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, pkgDir, rel string) (err error) {
	path := filepath.Join(pkgDir, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("distpkg: stating %s: %w", rel, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("distpkg: header for %s: %w", rel, err)
	}
	header.Name = rel

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("distpkg: writing header for %s: %w", rel, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("distpkg: opening %s: %w", rel, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("distpkg: archiving %s: %w", rel, err)
	}
	return nil
}

// Unpack extracts a dist archive into destDir, rejecting member names that
// would escape it.
func Unpack(archivePath, destDir string) (err error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("distpkg: opening archive: %w", err)
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("distpkg: reading gzip stream: %w", err)
	}
	defer func() {
		if closeErr := gz.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	tr := tar.NewReader(gz)
	for {
		header, readErr := tr.Next()
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("distpkg: reading archive: %w", readErr)
		}

		relOS, pathErr := vpath.ToOSPath(vpath.ArchivePath(header.Name))
		if pathErr != nil {
			return fmt.Errorf("distpkg: rejecting archive member: %w", pathErr)
		}
		target := filepath.Join(destDir, relOS.String())

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("distpkg: creating %s: %w", relOS, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, header.FileInfo().Mode()); err != nil {
				return fmt.Errorf("distpkg: extracting %s: %w", relOS, err)
			}
		default:
			// Links and special files never ship in a dist.
		}
	}
}

func extractFile(tr *tar.Reader, target string, mode fs.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	//nolint:gosec // G110: dist archives come from sources the user chose to install
	_, err = io.Copy(out, tr)
	return err
}
