// SPDX-License-Identifier: MPL-2.0

// Package manifest parses, validates, and serializes package manifests
// (loom.json). The manifest is the single source of truth for a package's
// identity, entry point, dependencies, lifecycle scripts, and dist
// configuration. All maps preserve insertion order on write.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/types"
)

const (
	// FileName is the manifest file name looked up in a package root.
	FileName = "loom.json"

	// writeIndent is the indentation unit used when serializing.
	writeIndent = "  "
)

// ErrManifestNotFound is returned when a directory contains no loom.json.
// Callers can check for this error using errors.Is(err, ErrManifestNotFound).
var ErrManifestNotFound = errors.New("loom.json not found")

// ErrInvalidManifest is the sentinel error wrapped by InvalidManifestError.
var ErrInvalidManifest = errors.New("invalid manifest")

type (
	// Manifest is the typed view of a package's loom.json. Field order here
	// is the canonical serialization order.
	Manifest struct {
		Name        types.PackageName     `json:"name"`
		Version     string                `json:"version"`
		Description types.DescriptionText `json:"description,omitempty"`
		License     string                `json:"license,omitempty"`
		Repository  string                `json:"repository,omitempty"`
		Private     bool                  `json:"private,omitempty"`

		// Main is the request resolved when the package itself is required.
		Main string `json:"main,omitempty"`

		// ResolveRoot shifts the effective root for in-package requests to a
		// subdirectory.
		ResolveRoot string `json:"resolve_root,omitempty"`

		// Engines maps engine names to version selectors the package claims
		// compatibility with.
		Engines *OrderedMap `json:"engines,omitempty"`

		// Bin maps launcher names to module requests; each entry becomes a
		// shim in the modules directory's .bin/ on install.
		Bin *OrderedMap `json:"bin,omitempty"`

		// Scripts maps lifecycle event names (pre-install, post-install, ...)
		// to a module request or a "!"-prefixed shell command.
		Scripts *OrderedMap `json:"scripts,omitempty"`

		Dependencies    *OrderedMap `json:"dependencies,omitempty"`
		DevDependencies *OrderedMap `json:"dev-dependencies,omitempty"`

		// NativeDependencies are handed to the host language's own package
		// installer rather than placed by loom itself.
		NativeDependencies    *OrderedMap `json:"python-dependencies,omitempty"`
		DevNativeDependencies *OrderedMap `json:"dev-python-dependencies,omitempty"`

		// Extensions lists module requests resolved and registered as
		// extensions on first use of the package.
		Extensions []string `json:"extensions,omitempty"`

		// VendorDirectories are additional in-package directories searched
		// during resolution before the workspace modules directory.
		VendorDirectories []string `json:"vendor-directories,omitempty"`

		Dist *DistConfig `json:"dist,omitempty"`
	}

	// DistConfig controls which files the dist packer includes in the
	// package archive. Include patterns override excludes.
	DistConfig struct {
		IncludeFiles []string `json:"include_files,omitempty"`
		ExcludeFiles []string `json:"exclude_files,omitempty"`
	}

	// InvalidManifestError is returned when a manifest fails to parse or
	// violates the schema. Issues lists every problem found.
	InvalidManifestError struct {
		// Path is the manifest file path, or "" when parsed from memory.
		Path string
		// Issues contains all problems found, in detection order.
		Issues []string
	}
)

// Error implements the error interface for InvalidManifestError.
func (e *InvalidManifestError) Error() string {
	var sb strings.Builder
	if e.Path != "" {
		fmt.Fprintf(&sb, "%v: %s:", ErrInvalidManifest, e.Path)
	} else {
		fmt.Fprintf(&sb, "%v:", ErrInvalidManifest)
	}
	for _, issue := range e.Issues {
		sb.WriteString("\n  - ")
		sb.WriteString(issue)
	}
	return sb.String()
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *InvalidManifestError) Unwrap() error { return ErrInvalidManifest }

// Parse decodes a manifest from raw JSON and validates the required fields.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &InvalidManifestError{Issues: []string{err.Error()}}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		var invalid *InvalidManifestError
		if errors.As(err, &invalid) {
			invalid.Path = path
		}
		return nil, err
	}
	return m, nil
}

// LoadDir loads the manifest from its conventional location inside dir.
func LoadDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, FileName))
}

// Validate checks the schema constraints every manifest must satisfy:
// a present, well-formed name and a parsable version.
func (m *Manifest) Validate() error {
	var issues []string

	if m.Name == "" {
		issues = append(issues, "missing required field \"name\"")
	} else if err := m.Name.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	if m.Version == "" {
		issues = append(issues, "missing required field \"version\"")
	} else if !semver.IsValidVersion(m.Version) {
		issues = append(issues, fmt.Sprintf("version %q is not a valid version", m.Version))
	}

	if err := m.Description.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	if deps := m.Dependencies; deps != nil {
		deps.Each(func(name, selector string) bool {
			if !semver.IsValidSelector(selector) {
				issues = append(issues, fmt.Sprintf("dependency %q has invalid selector %q", name, selector))
			}
			return true
		})
	}

	if len(issues) > 0 {
		return &InvalidManifestError{Issues: issues}
	}
	return nil
}

// ValidateForPublish applies the stricter rules publish requires on top of
// Validate: a license must be declared and the package must not be private.
func (m *Manifest) ValidateForPublish() error {
	if err := m.Validate(); err != nil {
		return err
	}

	var issues []string
	if m.License == "" {
		issues = append(issues, "field \"license\" is required for publish")
	}
	if m.Private {
		issues = append(issues, "package is marked private and cannot be published")
	}
	if len(issues) > 0 {
		return &InvalidManifestError{Issues: issues}
	}
	return nil
}

// Serialize encodes the manifest with 2-space indentation. Struct field
// order and OrderedMap insertion order together make the output stable.
func (m *Manifest) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", writeIndent)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes the manifest atomically (write to a temp file, then rename) so
// a crash mid-write can never leave a truncated manifest on disk.
func (m *Manifest) Save(path string) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}
	return nil
}

// DependencyClass selects which manifest section a dependency edit targets.
type DependencyClass int

const (
	// ClassRuntime targets "dependencies".
	ClassRuntime DependencyClass = iota
	// ClassDev targets "dev-dependencies".
	ClassDev
	// ClassExtension targets the "extensions" list.
	ClassExtension
)

// AddDependency records a dependency under the section class selects,
// creating the section if absent. For ClassExtension the selector is ignored
// and name is appended to the extensions list if not already present.
func (m *Manifest) AddDependency(class DependencyClass, name, selector string) {
	switch class {
	case ClassDev:
		if m.DevDependencies == nil {
			m.DevDependencies = NewOrderedMap()
		}
		m.DevDependencies.Set(name, selector)
	case ClassExtension:
		for _, ext := range m.Extensions {
			if ext == name {
				return
			}
		}
		m.Extensions = append(m.Extensions, name)
	default:
		if m.Dependencies == nil {
			m.Dependencies = NewOrderedMap()
		}
		m.Dependencies.Set(name, selector)
	}
}

// RemoveDependency deletes name from every dependency section it appears in
// and reports whether anything was removed.
func (m *Manifest) RemoveDependency(name string) bool {
	removed := false
	for _, deps := range []*OrderedMap{m.Dependencies, m.DevDependencies} {
		if _, ok := deps.Get(name); ok {
			deps.Delete(name)
			removed = true
		}
	}
	for i, ext := range m.Extensions {
		if ext == name {
			m.Extensions = append(m.Extensions[:i], m.Extensions[i+1:]...)
			removed = true
			break
		}
	}
	return removed
}
