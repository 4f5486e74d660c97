// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"strings"
	"time"

	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// BindingTable is the lookup surface a BindingResolver consults. The
	// session's Context implements it.
	BindingTable interface {
		Binding(name string) (any, bool)
	}

	// BindingResolver handles "!name" requests against the session's
	// binding table. A registered name yields a pre-executed Module whose
	// exported value is the bound value; an unregistered name is an error,
	// not a pass, since no later resolver can ever satisfy the scheme.
	BindingResolver struct {
		Table BindingTable
	}
)

// Resolve implements Resolver.
func (b *BindingResolver) Resolve(req *Request) (*Module, error) {
	name, ok := strings.CutPrefix(req.Raw, "!")
	if !ok {
		return nil, nil
	}

	value, ok := b.Table.Binding(name)
	if !ok {
		return nil, &NoSuchBindingError{Name: name}
	}

	mod := &Module{
		Filename:     vpath.OSPath("!" + name),
		RealFilename: vpath.OSPath("!" + name),
		Request:      req,
		Namespace:    Namespace{},
		ExecMTime:    time.Now(),
	}
	mod.SetExports(value)
	return mod, nil
}
