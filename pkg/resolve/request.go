// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"path/filepath"
	"strings"

	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// Request is an in-flight resolution record: the raw request string plus
	// everything needed to turn it into a module. A Request is immutable
	// after construction; Copy produces a modified one.
	Request struct {
		// Raw is the request string as written, e.g. "./b" or "util-a/sub".
		Raw string

		// Parent is the originating module, nil for the entry module.
		Parent *Module

		// CurrentDir is the directory relative requests resolve against.
		CurrentDir vpath.OSPath

		// IsMain marks the request that becomes the session's main module.
		// A main request may resolve in CurrentDir even when non-relative.
		IsMain bool

		// LoaderHint names a loader to use instead of suffix detection,
		// "" for automatic selection.
		LoaderHint string

		// OriginalLocation is the pre-indirection resolve location when a
		// package link was followed, "" otherwise. Downstream requests from
		// the linked module recurse back through it.
		OriginalLocation vpath.OSPath

		// SearchPaths is the search path list captured when the Request was
		// constructed.
		SearchPaths []string

		// tried accumulates the locations resolvers probed, for the
		// ResolveError raised when every resolver passes.
		tried []string
	}

	// RequestOption overrides a field during NewRequest or Copy.
	RequestOption func(*Request)
)

// WithParent sets the originating module.
func WithParent(parent *Module) RequestOption {
	return func(r *Request) { r.Parent = parent }
}

// WithCurrentDir sets the directory relative requests resolve against.
func WithCurrentDir(dir vpath.OSPath) RequestOption {
	return func(r *Request) { r.CurrentDir = dir }
}

// WithIsMain marks the request as the session's main module request.
func WithIsMain(isMain bool) RequestOption {
	return func(r *Request) { r.IsMain = isMain }
}

// WithLoaderHint forces a specific loader instead of suffix detection.
func WithLoaderHint(loader string) RequestOption {
	return func(r *Request) { r.LoaderHint = loader }
}

// WithOriginalLocation records the pre-indirection location of a followed
// package link.
func WithOriginalLocation(loc vpath.OSPath) RequestOption {
	return func(r *Request) { r.OriginalLocation = loc }
}

// WithSearchPaths sets the search path list for the request.
func WithSearchPaths(paths []string) RequestOption {
	return func(r *Request) { r.SearchPaths = paths }
}

// WithRaw replaces the raw request string.
func WithRaw(raw string) RequestOption {
	return func(r *Request) { r.Raw = raw }
}

// NewRequest constructs a Request for raw, applying opts.
func NewRequest(raw string, opts ...RequestOption) *Request {
	r := &Request{Raw: raw}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Copy returns a new Request with the given overrides applied. The probe
// bookkeeping is not carried over.
func (r *Request) Copy(opts ...RequestOption) *Request {
	dup := &Request{
		Raw:              r.Raw,
		Parent:           r.Parent,
		CurrentDir:       r.CurrentDir,
		IsMain:           r.IsMain,
		LoaderHint:       r.LoaderHint,
		OriginalLocation: r.OriginalLocation,
	}
	dup.SearchPaths = append([]string(nil), r.SearchPaths...)
	for _, opt := range opts {
		opt(dup)
	}
	return dup
}

// IsRelative reports whether the request must resolve against CurrentDir
// rather than the search path: "./", "../", ".", "..", and absolute paths
// (including Windows drive-letter forms).
func (r *Request) IsRelative() bool {
	raw := r.Raw
	return raw == "." || raw == ".." ||
		strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") ||
		strings.HasPrefix(raw, `.\`) || strings.HasPrefix(raw, `..\`) ||
		filepath.IsAbs(raw)
}

// addTried records a probed location for error reporting.
func (r *Request) addTried(loc string) {
	r.tried = append(r.tried, loc)
}

// Tried returns the locations resolvers probed so far.
func (r *Request) Tried() []string {
	return append([]string(nil), r.tried...)
}

// String returns the raw request string.
func (r *Request) String() string { return r.Raw }
