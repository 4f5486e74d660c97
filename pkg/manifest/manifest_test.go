// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleManifest = `{
  "name": "demo",
  "version": "1.0.0",
  "license": "MPL-2.0",
  "main": "lib/main",
  "resolve_root": "lib",
  "bin": {
    "demo": "lib/cli"
  },
  "scripts": {
    "pre-install": "scripts/prepare",
    "post-install": "!echo done"
  },
  "dependencies": {
    "util-z": "^2.0.0",
    "util-a": "~1.2.0"
  },
  "extensions": [
    "ext-one"
  ],
  "dist": {
    "include_files": ["lib/**"],
    "exclude_files": ["lib/**/*.tmp"]
  }
}
`

func TestParseSample(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}

	if m.Name != "demo" || m.Version != "1.0.0" {
		t.Errorf("identity = %s@%s, want demo@1.0.0", m.Name, m.Version)
	}
	if m.Main != "lib/main" || m.ResolveRoot != "lib" {
		t.Errorf("main/resolve_root = %q/%q", m.Main, m.ResolveRoot)
	}

	// Dependency order follows the document, not lexical order.
	wantDeps := []string{"util-z", "util-a"}
	if got := m.Dependencies.Keys(); !reflect.DeepEqual(got, wantDeps) {
		t.Errorf("dependency order = %v, want %v", got, wantDeps)
	}

	if sel, _ := m.Scripts.Get("post-install"); !strings.HasPrefix(sel, "!") {
		t.Errorf("post-install script = %q, want shell form", sel)
	}
	if len(m.Extensions) != 1 || m.Extensions[0] != "ext-one" {
		t.Errorf("extensions = %v", m.Extensions)
	}
	if m.Dist == nil || len(m.Dist.IncludeFiles) != 1 {
		t.Errorf("dist = %+v", m.Dist)
	}
}

func TestParseSerializeParseIdentity(t *testing.T) {
	t.Parallel()

	first, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}

	data, err := first.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	second, err := Parse(data)
	if err != nil {
		t.Fatalf("reparsing serialized manifest: %v\n%s", err, data)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("typed view changed across round trip:\nfirst:  %+v\nsecond: %+v", first, second)
	}

	// Serialization is stable.
	again, err := second.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(again) {
		t.Errorf("serialization not stable:\n%s\nvs\n%s", data, again)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"missing_name", `{"version": "1.0.0"}`},
		{"missing_version", `{"name": "p"}`},
		{"bad_name_chars", `{"name": "has space", "version": "1.0.0"}`},
		{"bad_version", `{"name": "p", "version": "one.two"}`},
		{"bad_dependency_selector", `{"name": "p", "version": "1.0.0", "dependencies": {"q": "%%%"}}`},
		{"not_json", `{"name": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("error should wrap ErrInvalidManifest, got: %v", err)
			}
		})
	}
}

func TestScopedNamesAccepted(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(`{"name": "@scope/pkg", "version": "0.1.0"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name.Scope() != "@scope" || m.Name.Bare() != "pkg" {
		t.Errorf("scope/bare = %q/%q", m.Name.Scope(), m.Name.Bare())
	}
}

func TestValidateForPublish(t *testing.T) {
	t.Parallel()

	noLicense, err := Parse([]byte(`{"name": "p", "version": "1.0.0"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := noLicense.ValidateForPublish(); err == nil {
		t.Error("expected publish validation to require a license")
	}

	private, err := Parse([]byte(`{"name": "p", "version": "1.0.0", "license": "MIT", "private": true}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := private.ValidateForPublish(); err == nil {
		t.Error("expected publish validation to reject private packages")
	}
}

func TestAddRemoveDependency(t *testing.T) {
	t.Parallel()

	m := &Manifest{Name: "p", Version: "1.0.0"}

	m.AddDependency(ClassRuntime, "dep", "^1.0.0")
	m.AddDependency(ClassDev, "devdep", "*")
	m.AddDependency(ClassExtension, "ext", "")
	m.AddDependency(ClassExtension, "ext", "") // idempotent

	if sel, ok := m.Dependencies.Get("dep"); !ok || sel != "^1.0.0" {
		t.Errorf("dependencies = %v", m.Dependencies)
	}
	if _, ok := m.DevDependencies.Get("devdep"); !ok {
		t.Error("dev-dependency missing")
	}
	if len(m.Extensions) != 1 {
		t.Errorf("extensions = %v", m.Extensions)
	}

	if !m.RemoveDependency("dep") || !m.RemoveDependency("ext") {
		t.Error("RemoveDependency reported nothing removed")
	}
	if m.Dependencies.Len() != 0 || len(m.Extensions) != 0 {
		t.Error("dependency not removed")
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "demo" {
		t.Errorf("name = %q", m.Name)
	}

	_, err = LoadDir(t.TempDir())
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("missing manifest error = %v, want ErrManifestNotFound", err)
	}
}

func TestSaveWritesTwoSpaceIndent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, FileName)
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"name\"") {
		t.Errorf("expected 2-space indent, got:\n%s", data)
	}
}
