// SPDX-License-Identifier: MPL-2.0

package install

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loom-run/loom/pkg/vpath"
)

func TestShimWriteAndRemove(t *testing.T) {
	t.Parallel()

	modules := vpath.OSPath(t.TempDir())
	w := NewShimWriter(modules)

	if err := w.Write("tool", "pkg/cli"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(modules.String(), BinDirName, "tool")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#!/bin/sh\n") {
		t.Errorf("shim missing shebang:\n%s", content)
	}
	if !strings.Contains(content, `exec loom 'pkg/cli' "$@"`) {
		t.Errorf("shim body:\n%s", content)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("shim not executable")
	}

	if err := w.Remove("tool"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("shim survived Remove")
	}
}

func TestShimRejectsReservedName(t *testing.T) {
	t.Parallel()

	w := NewShimWriter(vpath.OSPath(t.TempDir()))
	if err := w.Write("CON", "pkg/cli"); err == nil {
		t.Error("reserved Windows name accepted")
	}
}

func TestShimWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	modules := vpath.OSPath(t.TempDir())
	w := NewShimWriter(modules)
	if err := w.Write("tool", "pkg/cli"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(modules.String(), BinDirName, "tool")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Write("tool", "pkg/cli"); err != nil {
		t.Fatal(err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("unchanged shim rewritten")
	}
}

func TestEnvMarkerRecordsBinDir(t *testing.T) {
	t.Parallel()

	modules := vpath.OSPath(t.TempDir())
	w := NewShimWriter(modules)
	if err := w.WriteEnvMarker(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(modules.String(), BinDirName, EnvMarkerName))
	if err != nil {
		t.Fatal(err)
	}
	recorded := strings.TrimSpace(string(data))
	if !filepath.IsAbs(recorded) || !strings.HasSuffix(recorded, BinDirName) {
		t.Errorf("env marker = %q", recorded)
	}
}

func TestWriteProxyPrependsModulePath(t *testing.T) {
	t.Parallel()

	modules := vpath.OSPath(t.TempDir())
	w := NewShimWriter(modules)
	target := modules.Join(NativeSubdirName, "bin", "native-tool")
	if err := w.WriteProxy("native-tool", target); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(modules.String(), BinDirName, "native-tool"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "LOOM_MODULES_PATH=") {
		t.Errorf("proxy missing search path export:\n%s", content)
	}
	if !strings.Contains(content, "native-tool") {
		t.Errorf("proxy missing target:\n%s", content)
	}
}
