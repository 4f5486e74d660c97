// SPDX-License-Identifier: MPL-2.0

package vpath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Suffix returns the path's file extension, including the dot, "" when
// there is none.
func (p OSPath) Suffix() string { return filepath.Ext(string(p)) }

// Stem returns the final path element without its extension.
func (p OSPath) Stem() string {
	base := p.Base()
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Name returns the final path element, extension included.
func (p OSPath) Name() string { return p.Base() }

// Resolve normalizes the path to an absolute form: ".." and "." segments
// are eliminated lexically BEFORE any symlink is followed, so a logical
// "sub/.." spelling can never alias two distinct directories. Symlinks are
// then resolved on the longest existing prefix; with strict set, a
// nonexistent tail is an error, otherwise it is carried over verbatim.
func (p OSPath) Resolve(strict bool) (OSPath, error) {
	abs, err := p.Abs()
	if err != nil {
		return "", err
	}
	cleaned := abs.Clean()

	if resolved, err := filepath.EvalSymlinks(cleaned.String()); err == nil {
		return OSPath(resolved), nil
	}
	if strict {
		return "", fmt.Errorf("vpath: %q does not exist", cleaned)
	}

	// Walk up to the longest existing prefix, resolve that, and re-attach
	// the nonexistent tail.
	prefix := cleaned.String()
	var tail []string
	for {
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return cleaned, nil
		}
		tail = append([]string{filepath.Base(prefix)}, tail...)
		prefix = parent
		if resolved, err := filepath.EvalSymlinks(prefix); err == nil {
			return OSPath(resolved).Join(tail...), nil
		}
	}
}

// Exists reports whether anything is at the path.
func (p OSPath) Exists() bool {
	_, err := os.Stat(string(p))
	return err == nil
}

// IsFile reports whether the path is a regular file.
func (p OSPath) IsFile() bool {
	info, err := os.Stat(string(p))
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether the path is a directory.
func (p OSPath) IsDir() bool {
	info, err := os.Stat(string(p))
	return err == nil && info.IsDir()
}

// Open opens the file for reading.
func (p OSPath) Open() (*os.File, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, fmt.Errorf("vpath: opening %q: %w", p, err)
	}
	return f, nil
}

// ReadBytes reads the whole file.
func (p OSPath) ReadBytes() ([]byte, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, fmt.Errorf("vpath: reading %q: %w", p, err)
	}
	return data, nil
}

// Iterdir lists the directory's entries as full paths, in directory order.
func (p OSPath) Iterdir() ([]OSPath, error) {
	entries, err := os.ReadDir(string(p))
	if err != nil {
		return nil, fmt.Errorf("vpath: listing %q: %w", p, err)
	}
	out := make([]OSPath, 0, len(entries))
	for _, entry := range entries {
		out = append(out, p.Join(entry.Name()))
	}
	return out, nil
}
