// SPDX-License-Identifier: MPL-2.0

package vpath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSuffixStemName(t *testing.T) {
	t.Parallel()

	p := OSPath(filepath.Join("lib", "module.lsh"))
	if p.Suffix() != ".lsh" {
		t.Errorf("Suffix() = %q", p.Suffix())
	}
	if p.Stem() != "module" {
		t.Errorf("Stem() = %q", p.Stem())
	}
	if p.Name() != "module.lsh" {
		t.Errorf("Name() = %q", p.Name())
	}

	bare := OSPath("Makefile")
	if bare.Suffix() != "" || bare.Stem() != "Makefile" {
		t.Errorf("bare = %q/%q", bare.Suffix(), bare.Stem())
	}
}

func TestResolveEliminatesParentDirsLexically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	// "dir/sub/.." resolves to dir even before consulting the filesystem.
	spelled := OSPath(filepath.Join(dir, "sub", ".."))
	resolved, err := spelled.Resolve(true)
	if err != nil {
		t.Fatal(err)
	}
	direct, err := OSPath(dir).Resolve(true)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != direct {
		t.Errorf("Resolve(%q) = %q, want %q", spelled, resolved, direct)
	}
}

func TestResolveNonStrictToleratesMissingTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := OSPath(filepath.Join(dir, "not", "yet", "there"))

	if _, err := missing.Resolve(true); err == nil {
		t.Error("strict Resolve of a missing path should fail")
	}

	resolved, err := missing.Resolve(false)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Base() != "there" {
		t.Errorf("Resolve(false) = %q", resolved)
	}
}

func TestExistsIsFileIsDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "f.lsh")
	if err := os.WriteFile(file, []byte("x=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !OSPath(file).Exists() || !OSPath(file).IsFile() || OSPath(file).IsDir() {
		t.Error("file predicates wrong")
	}
	if !OSPath(dir).IsDir() || OSPath(dir).IsFile() {
		t.Error("dir predicates wrong")
	}
	if OSPath(filepath.Join(dir, "ghost")).Exists() {
		t.Error("missing path reported as existing")
	}
}

func TestReadBytesAndIterdir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.lsh"), []byte("x=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := OSPath(filepath.Join(dir, "a.lsh")).ReadBytes()
	if err != nil || string(data) != "x=1\n" {
		t.Errorf("ReadBytes = %q, %v", data, err)
	}

	entries, err := OSPath(dir).Iterdir()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("Iterdir = %v", entries)
	}
	for _, entry := range entries {
		if entry.Dir().String() != dir {
			t.Errorf("entry %q not anchored at %q", entry, dir)
		}
	}
}
