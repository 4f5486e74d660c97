// SPDX-License-Identifier: MPL-2.0

package load

import (
	"context"
	"strings"
	"time"

	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// BindingLoaderName is the id an explicit loader hint selects.
const BindingLoaderName = "binding"

// BindingLoader completes "!name" modules the binding resolver produced.
// The resolver already attached the bound value; both loader steps are
// no-ops kept so binding modules flow through the same pipeline as file
// modules.
type BindingLoader struct{}

// Name implements Loader.
func (BindingLoader) Name() string { return BindingLoaderName }

// Suffixes implements Loader. Bindings have no file suffix.
func (BindingLoader) Suffixes() []string { return nil }

// CanLoad implements Loader.
func (BindingLoader) CanLoad(path vpath.OSPath) bool {
	return strings.HasPrefix(path.String(), "!")
}

// Load implements Loader.
func (BindingLoader) Load(ctx context.Context, mod *resolve.Module) error {
	if mod.Namespace == nil {
		mod.Namespace = resolve.Namespace{}
	}
	return nil
}

// Exec implements Loader.
func (BindingLoader) Exec(ctx context.Context, mod *resolve.Module, _ Requirer) error {
	if mod.ExecMTime.IsZero() {
		mod.ExecMTime = time.Now()
	}
	return nil
}
