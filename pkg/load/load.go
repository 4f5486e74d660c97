// SPDX-License-Identifier: MPL-2.0

// Package load instantiates resolved artifacts. Loaders are keyed by file
// suffix (most specific first) or selected explicitly through a Request's
// loader hint; each loader knows how to read, prepare, and execute one
// artifact kind.
package load

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// ErrLoad is the sentinel error wrapped by LoadError.
var ErrLoad = errors.New("unable to load artifact")

type (
	// LoadError is returned when an artifact was located but cannot be
	// instantiated: unknown suffix, undecodable text, or a compile failure.
	//
	//nolint:errname // Named after the failing operation, mirroring ResolveError
	LoadError struct {
		Filename vpath.OSPath
		Reason   string
		Err      error
	}

	// Requirer is the capability a loader hands to executing code so the
	// artifact can require further modules. The require facility implements
	// it; loaders only see this narrow surface.
	Requirer interface {
		// Require resolves, loads, and executes request relative to dir,
		// returning the exported value.
		Require(ctx context.Context, request string, dir vpath.OSPath) (any, error)

		// RequireModule is Require without the exports unwrapping: it
		// returns the Module handle.
		RequireModule(ctx context.Context, request string, dir vpath.OSPath) (*resolve.Module, error)
	}

	// Loader instantiates and executes one artifact kind.
	Loader interface {
		// Name is the loader id an explicit loader hint selects.
		Name() string

		// Suffixes returns the file suffixes this loader handles, most
		// specific first.
		Suffixes() []string

		// CanLoad reports whether the loader can handle path, for paths
		// whose suffix matched no registered loader.
		CanLoad(path vpath.OSPath) bool

		// Load reads and prepares the module's artifact: afterwards the
		// module has a Namespace and, for pre-evaluated artifacts, its
		// exported value.
		Load(ctx context.Context, mod *resolve.Module) error

		// Exec runs the prepared module under its namespace. Loaders whose
		// artifacts are fully evaluated at Load time mark execution and
		// return.
		Exec(ctx context.Context, mod *resolve.Module, req Requirer) error
	}

	// Set is the ordered loader registry a session picks loaders from.
	Set struct {
		loaders []Loader
	}
)

// Error implements the error interface for LoadError.
func (e *LoadError) Error() string {
	msg := fmt.Sprintf("%v: %s: %s", ErrLoad, e.Filename, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, or the sentinel when there is none.
func (e *LoadError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrLoad
}

// Is reports whether target is ErrLoad, so errors.Is works whether or not a
// cause is wrapped.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// NewSet creates a Set containing the given loaders, in registration order.
func NewSet(loaders ...Loader) *Set {
	return &Set{loaders: loaders}
}

// Register appends a loader to the set.
func (s *Set) Register(l Loader) {
	s.loaders = append(s.loaders, l)
}

// Suffixes returns every registered suffix, longest first, for the
// filesystem resolver's candidate probing.
func (s *Set) Suffixes() []string {
	var out []string
	for _, l := range s.loaders {
		out = append(out, l.Suffixes()...)
	}
	// Longest suffix first so ".tar.gz"-style suffixes beat ".gz".
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ByName returns the loader registered under name.
func (s *Set) ByName(name string) (Loader, bool) {
	for _, l := range s.loaders {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Pick selects the loader for a resolved module: an explicit loader hint
// wins, then the most specific suffix match, then a CanLoad scan.
func (s *Set) Pick(mod *resolve.Module) (Loader, error) {
	if hint := mod.Request.LoaderHint; hint != "" {
		l, ok := s.ByName(hint)
		if !ok {
			return nil, &LoadError{Filename: mod.Filename, Reason: fmt.Sprintf("unknown loader %q", hint)}
		}
		return l, nil
	}

	name := mod.Filename.String()
	var best Loader
	bestLen := 0
	for _, l := range s.loaders {
		for _, suffix := range l.Suffixes() {
			if strings.HasSuffix(name, suffix) && len(suffix) > bestLen {
				best, bestLen = l, len(suffix)
			}
		}
	}
	if best != nil {
		return best, nil
	}

	for _, l := range s.loaders {
		if l.CanLoad(mod.Filename) {
			return l, nil
		}
	}
	return nil, &LoadError{Filename: mod.Filename, Reason: "no loader for suffix"}
}
