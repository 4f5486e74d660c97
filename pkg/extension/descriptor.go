// SPDX-License-Identifier: MPL-2.0

package extension

import (
	_ "embed"
	"os"
	"path/filepath"

	"github.com/loom-run/loom/pkg/cueutil"
)

// DescriptorFileName is the optional CUE descriptor an extension package
// may ship alongside its manifest.
const DescriptorFileName = "loom-extension.cue"

//go:embed descriptor_schema.cue
var descriptorSchema []byte

// Descriptor is the typed view of a loom-extension.cue file. It is purely
// declarative: the dispatcher still discovers callbacks by probing the
// extension value, but a descriptor lets tooling list an extension's
// surface without loading it.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// LoadDescriptor reads and validates the descriptor in dir, returning
// (nil, nil) when the package ships none.
func LoadDescriptor(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, DescriptorFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	result, err := cueutil.ParseAndDecode[Descriptor](
		descriptorSchema,
		data,
		"#Descriptor",
		cueutil.WithFilename(path),
		cueutil.WithConcrete(false),
	)
	if err != nil {
		return nil, err
	}
	if result.Value.Name == "" {
		return nil, &cueutil.ValidationError{
			FilePath: path,
			CUEPath:  "name",
			Message:  "descriptor must declare a name",
		}
	}
	return result.Value, nil
}
