// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"time"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// Namespace is a module's execution scope: the symbols visible to the
	// module while it runs and, unless the module assigns "exports", the
	// value a require of the module returns. The handle is published into
	// the session cache before execution so circular requires observe a
	// partial (possibly empty) namespace instead of deadlocking.
	Namespace map[string]any

	// Module is the in-memory representation of an executable artifact.
	// At most one Module exists per canonical filename per session.
	Module struct {
		// Filename is the canonical absolute path of the artifact.
		Filename vpath.OSPath

		// RealFilename is Filename after symlink and package-link
		// indirection.
		RealFilename vpath.OSPath

		// Package is the package the artifact belongs to, nil for
		// packageless modules.
		Package *pkgreg.Package

		// Request is the resolution record that produced the module.
		Request *Request

		// ExecMTime is the artifact's mtime captured when execution
		// succeeded; zero until then.
		ExecMTime time.Time

		// Namespace is the module's execution scope. Never nil after the
		// module is loaded.
		Namespace Namespace

		// Program is the loader-private compiled artifact (a parsed source
		// file, a decoded JSON value). Loaders own its concrete type.
		Program any

		exports    any
		exportsSet bool
	}
)

// Get returns the value bound to name, or nil.
func (ns Namespace) Get(name string) any { return ns[name] }

// Set binds name to value.
func (ns Namespace) Set(name string, value any) { ns[name] = value }

// Has reports whether name is bound.
func (ns Namespace) Has(name string) bool {
	_, ok := ns[name]
	return ok
}

// Public returns the names bound in the namespace, excluding the
// underscore-prefixed ones a star-import skips.
func (ns Namespace) Public() []string {
	out := make([]string, 0, len(ns))
	for name := range ns {
		if len(name) > 0 && name[0] != '_' {
			out = append(out, name)
		}
	}
	return out
}

// Executed reports whether the module has run to completion.
func (m *Module) Executed() bool { return !m.ExecMTime.IsZero() }

// Parent returns the module that requested this one, nil for the entry
// module.
func (m *Module) Parent() *Module {
	if m.Request == nil {
		return nil
	}
	return m.Request.Parent
}

// Directory returns the directory containing the module's real file. It is
// the base for the module's own relative requires.
func (m *Module) Directory() vpath.OSPath { return m.RealFilename.Dir() }

// Exports returns the value a require of this module yields: the explicitly
// assigned exported value, else the namespace's "exports" member, else the
// namespace itself.
func (m *Module) Exports() any {
	if m.exportsSet {
		return m.exports
	}
	if m.Namespace != nil {
		if v, ok := m.Namespace["exports"]; ok {
			return v
		}
	}
	return m.Namespace
}

// SetExports assigns the module's exported value explicitly, overriding the
// namespace-derived default.
func (m *Module) SetExports(v any) {
	m.exports = v
	m.exportsSet = true
}
