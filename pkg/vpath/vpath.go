// SPDX-License-Identifier: MPL-2.0

// Package vpath provides typed path values for the three address spaces a
// resolved module name can point into: the local filesystem, a registry or
// Git URL, and the member table of an archive being unpacked. Keeping them
// as distinct types prevents an OS path (backslash-separated on Windows)
// from leaking into a URL or a tar member name, both of which must always
// use forward slashes.
package vpath

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/types"
)

type (
	// Kind identifies which address space a Path belongs to.
	Kind int

	// Path is satisfied by OSPath, URLPath, and ArchivePath. It exists so
	// code that only needs to print or compare a path doesn't need to
	// know which address space produced it.
	Path interface {
		String() string
		Kind() Kind
	}

	// OSPath is a path on the local filesystem. It wraps types.FilesystemPath
	// and delegates all traversal to path/filepath, which is OS-aware.
	OSPath types.FilesystemPath

	// URLPath is a registry or Git endpoint, e.g.
	// "https://registry.example.org/mod/1.2.3" or "git@github.com:a/b.git".
	// Joins always use forward slashes regardless of host OS.
	URLPath string

	// ArchivePath is a member name inside a tar or zip archive. Per the
	// tar/zip format, member names are always forward-slash separated.
	ArchivePath string
)

const (
	KindOS Kind = iota
	KindURL
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindOS:
		return "os"
	case KindURL:
		return "url"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// String returns the path as a plain string.
func (p OSPath) String() string { return string(p) }

// Kind reports KindOS.
func (p OSPath) Kind() Kind { return KindOS }

// Validate delegates to the underlying types.FilesystemPath.
func (p OSPath) Validate() error {
	return types.FilesystemPath(p).Validate()
}

// Join joins path elements using the OS separator.
func (p OSPath) Join(elem ...string) OSPath {
	parts := make([]string, 1, 1+len(elem))
	parts[0] = string(p)
	parts = append(parts, elem...)
	return OSPath(filepath.Join(parts...)) //goplint:ignore -- derived from typed base + string segments
}

// Dir returns the path's parent directory.
func (p OSPath) Dir() OSPath { return OSPath(filepath.Dir(string(p))) }

// Base returns the path's final element.
func (p OSPath) Base() string { return filepath.Base(string(p)) }

// Abs resolves the path to an absolute OSPath.
func (p OSPath) Abs() (OSPath, error) {
	abs, err := filepath.Abs(string(p))
	if err != nil {
		return "", fmt.Errorf("vpath: resolving absolute path %q: %w", p, err)
	}
	return OSPath(abs), nil
}

// Clean normalizes the path via filepath.Clean.
func (p OSPath) Clean() OSPath { return OSPath(filepath.Clean(string(p))) }

// IsAbs reports whether the path is absolute for the host OS.
func (p OSPath) IsAbs() bool { return filepath.IsAbs(string(p)) }

// ToSlash converts the path's separators to forward slashes, for embedding
// in a manifest or lock file where the representation must be portable.
func (p OSPath) ToSlash() string { return filepath.ToSlash(string(p)) }

// String returns the URL as a plain string.
func (p URLPath) String() string { return string(p) }

// Kind reports KindURL.
func (p URLPath) Kind() Kind { return KindURL }

// Join joins URL path segments with forward slashes, independent of host OS.
func (p URLPath) Join(elem ...string) URLPath {
	base, scheme := string(p), ""
	if idx := strings.Index(base, "://"); idx != -1 {
		scheme, base = base[:idx+3], base[idx+3:]
	}
	parts := make([]string, 1, 1+len(elem))
	parts[0] = base
	parts = append(parts, elem...)
	return URLPath(scheme + path.Join(parts...))
}

// Validate reports whether the URL parses; it does not require a scheme,
// since SCP-style Git URLs (git@host:path) are not valid net/url URLs.
func (p URLPath) Validate() error {
	if strings.TrimSpace(string(p)) == "" {
		return fmt.Errorf("vpath: empty URL path")
	}
	if strings.Contains(string(p), "@") && strings.Contains(string(p), ":") && !strings.Contains(string(p), "://") {
		return nil // SCP-style Git URL, e.g. git@github.com:owner/repo.git
	}
	if _, err := url.Parse(string(p)); err != nil {
		return fmt.Errorf("vpath: invalid URL %q: %w", p, err)
	}
	return nil
}

// String returns the archive member name as a plain string.
func (p ArchivePath) String() string { return string(p) }

// Kind reports KindArchive.
func (p ArchivePath) Kind() Kind { return KindArchive }

// Join joins archive member segments with forward slashes, as mandated by
// the tar and zip formats regardless of host OS.
func (p ArchivePath) Join(elem ...string) ArchivePath {
	parts := make([]string, 1, 1+len(elem))
	parts[0] = string(p)
	parts = append(parts, elem...)
	return ArchivePath(path.Join(parts...))
}

// FromOSPath converts an OSPath to the slash-separated form required inside
// an archive member table.
func FromOSPath(p OSPath) ArchivePath { return ArchivePath(p.ToSlash()) }

// ToOSPath converts an archive member name back into an OSPath for the
// host's native separator, rejecting names that would escape the
// destination directory via ".." segments.
func ToOSPath(p ArchivePath) (OSPath, error) {
	cleaned := path.Clean(string(p))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("vpath: archive member %q escapes destination", p)
	}
	return OSPath(filepath.FromSlash(cleaned)), nil
}
