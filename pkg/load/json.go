// SPDX-License-Identifier: MPL-2.0

package load

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

// JSONSuffix is the suffix the JSONLoader handles.
const JSONSuffix = ".json"

// JSONLoaderName is the id an explicit loader hint selects.
const JSONLoaderName = "json"

// JSONLoader makes JSON documents first-class requirable modules: the
// module's exported value is the decoded document.
type JSONLoader struct{}

// Name implements Loader.
func (JSONLoader) Name() string { return JSONLoaderName }

// Suffixes implements Loader.
func (JSONLoader) Suffixes() []string { return []string{JSONSuffix} }

// CanLoad implements Loader.
func (JSONLoader) CanLoad(path vpath.OSPath) bool {
	return strings.HasSuffix(path.String(), JSONSuffix)
}

// Load implements Loader: decodes the document and sets it as the module's
// exported value.
func (JSONLoader) Load(ctx context.Context, mod *resolve.Module) error {
	data, err := os.ReadFile(mod.RealFilename.String())
	if err != nil {
		return &LoadError{Filename: mod.Filename, Reason: "reading", Err: err}
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return &LoadError{Filename: mod.Filename, Reason: "parsing JSON", Err: err}
	}

	mod.Namespace = resolve.Namespace{"exports": value}
	mod.SetExports(value)
	return nil
}

// Exec implements Loader. A JSON module is fully evaluated at load; Exec
// only marks execution.
func (JSONLoader) Exec(ctx context.Context, mod *resolve.Module, _ Requirer) error {
	if info, err := os.Stat(mod.RealFilename.String()); err == nil {
		mod.ExecMTime = info.ModTime()
	} else {
		mod.ExecMTime = time.Now()
	}
	return nil
}
