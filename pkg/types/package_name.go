// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPackageName is the sentinel error wrapped by InvalidPackageNameError.
var ErrInvalidPackageName = errors.New("invalid package name")

// packageNamePattern permits ASCII letters, digits, ".", "-", "_", with an
// optional "@scope/" prefix. This is the full charset a registry accepts.
var packageNamePattern = regexp.MustCompile(`^(@[A-Za-z0-9._-]+/)?[A-Za-z0-9._-]+$`)

type (
	// PackageName represents the name of a package as declared in its
	// manifest. Names may carry an "@scope/" prefix; the scope becomes a
	// subdirectory when the package is placed into a modules directory.
	PackageName string

	// InvalidPackageNameError is returned when a PackageName value is empty
	// or contains characters outside the permitted charset.
	InvalidPackageNameError struct {
		Value PackageName
	}
)

// String returns the string representation of the PackageName.
func (n PackageName) String() string { return string(n) }

// IsValid returns whether the PackageName is valid.
// A valid name is non-empty and matches the permitted charset, with an
// optional "@scope/" prefix.
func (n PackageName) IsValid() (bool, []error) {
	if !packageNamePattern.MatchString(string(n)) {
		return false, []error{&InvalidPackageNameError{Value: n}}
	}
	return true, nil
}

// Validate returns nil if the PackageName is valid, or the first validation
// error otherwise. It is a convenience wrapper around IsValid for callers
// that only need a yes/no answer with context.
func (n PackageName) Validate() error {
	if valid, errs := n.IsValid(); !valid {
		return errs[0]
	}
	return nil
}

// Scope returns the "@scope" portion of a scoped name, without the trailing
// slash, or "" for unscoped names.
func (n PackageName) Scope() string {
	if !strings.HasPrefix(string(n), "@") {
		return ""
	}
	if idx := strings.Index(string(n), "/"); idx != -1 {
		return string(n)[:idx]
	}
	return ""
}

// Bare returns the name without its "@scope/" prefix.
func (n PackageName) Bare() string {
	if scope := n.Scope(); scope != "" {
		return strings.TrimPrefix(string(n), scope+"/")
	}
	return string(n)
}

// Error implements the error interface for InvalidPackageNameError.
func (e *InvalidPackageNameError) Error() string {
	return fmt.Sprintf("%v: %q must be non-empty and contain only ASCII letters, digits, '.', '-', '_', with an optional '@scope/' prefix", ErrInvalidPackageName, e.Value)
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *InvalidPackageNameError) Unwrap() error { return ErrInvalidPackageName }
