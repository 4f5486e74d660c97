// SPDX-License-Identifier: MPL-2.0

package extension

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDescriptor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `name: "my-ext"
description: "adds import sugar"
events: ["preprocess_source", "module_loaded"]
`
	if err := os.WriteFile(filepath.Join(dir, DescriptorFileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDescriptor(dir)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "my-ext" || len(d.Events) != 2 {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestLoadDescriptorMissingIsNil(t *testing.T) {
	t.Parallel()

	d, err := LoadDescriptor(t.TempDir())
	if err != nil || d != nil {
		t.Errorf("LoadDescriptor = %v, %v", d, err)
	}
}

func TestLoadDescriptorRejectsBadEvent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `name: "my-ext"
events: ["not_a_real_event"]
`
	if err := os.WriteFile(filepath.Join(dir, DescriptorFileName), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDescriptor(dir); err == nil {
		t.Error("invalid event name accepted")
	}
}
