// SPDX-License-Identifier: MPL-2.0

// Package resolve maps textual requests from running modules onto concrete
// artifacts. An ordered chain of resolvers is asked in insertion order; the
// first that produces a Module wins. Resolution is deterministic and
// memoized per (current directory, request) pair.
package resolve

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrResolve is the sentinel error wrapped by ResolveError.
var ErrResolve = errors.New("unable to resolve request")

// ErrNoSuchBinding is the sentinel error wrapped by NoSuchBindingError.
var ErrNoSuchBinding = errors.New("no such binding")

type (
	// Resolver maps a Request to a Module. Returning (nil, nil) passes the
	// request on to the next resolver in the chain.
	Resolver interface {
		Resolve(req *Request) (*Module, error)
	}

	// ResolveError is returned when every resolver in the chain passed. It
	// carries the request and the locations that were probed.
	ResolveError struct {
		Request  *Request
		Searched []string
	}

	// NoSuchBindingError is returned for a "!name" request whose name is
	// not registered in the session's binding table.
	NoSuchBindingError struct {
		Name string
	}

	// Chain is an ordered list of resolvers with a per-(dir, request)
	// memoization cache.
	Chain struct {
		mu        sync.Mutex
		resolvers []Resolver
		memo      map[memoKey]*Module
	}

	memoKey struct {
		dir string
		raw string
	}
)

// Error implements the error interface for ResolveError.
func (e *ResolveError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v: %q", ErrResolve, e.Request.Raw)
	if len(e.Searched) > 0 {
		sb.WriteString("\nsearched:")
		for _, loc := range e.Searched {
			sb.WriteString("\n  - ")
			sb.WriteString(loc)
		}
	}
	return sb.String()
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *ResolveError) Unwrap() error { return ErrResolve }

// Error implements the error interface for NoSuchBindingError.
func (e *NoSuchBindingError) Error() string {
	return fmt.Sprintf("%v: %q", ErrNoSuchBinding, e.Name)
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *NoSuchBindingError) Unwrap() error { return ErrNoSuchBinding }

// NewChain creates a Chain over resolvers, asked in the given order.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{
		resolvers: resolvers,
		memo:      make(map[memoKey]*Module),
	}
}

// Append adds a resolver to the end of the chain.
func (c *Chain) Append(r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers = append(c.resolvers, r)
}

// Resolve asks each resolver in insertion order and returns the first
// Module produced. The result is memoized; a later identical request from
// the same directory returns the same Module identity.
func (c *Chain) Resolve(req *Request) (*Module, error) {
	key := memoKey{dir: req.CurrentDir.String(), raw: req.Raw}

	c.mu.Lock()
	if mod, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return mod, nil
	}
	c.mu.Unlock()

	mod, err := c.resolveUncached(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.memo[key] = mod
	c.mu.Unlock()
	return mod, nil
}

// ResolveUncached bypasses and does not populate the memo cache.
func (c *Chain) ResolveUncached(req *Request) (*Module, error) {
	return c.resolveUncached(req)
}

func (c *Chain) resolveUncached(req *Request) (*Module, error) {
	c.mu.Lock()
	resolvers := append([]Resolver(nil), c.resolvers...)
	c.mu.Unlock()

	for _, r := range resolvers {
		mod, err := r.Resolve(req)
		if err != nil {
			return nil, err
		}
		if mod != nil {
			return mod, nil
		}
	}
	return nil, &ResolveError{Request: req, Searched: req.Tried()}
}

// Evict drops every memo entry whose Module has the given canonical
// filename. Called when a module is removed from the session cache after a
// failed execution, so a retry re-resolves.
func (c *Chain) Evict(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, mod := range c.memo {
		if mod.Filename.String() == filename {
			delete(c.memo, key)
		}
	}
}

// NullResolver terminates a chain for unknown schemes: it always passes, so
// the chain reports ResolveError with the accumulated probe list.
type NullResolver struct{}

// Resolve always returns (nil, nil).
func (NullResolver) Resolve(*Request) (*Module, error) { return nil, nil }
