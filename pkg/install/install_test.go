// SPDX-License-Identifier: MPL-2.0

package install

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	charmlog "github.com/charmbracelet/log"

	"github.com/loom-run/loom/pkg/distpkg"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/vpath"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func quietInstaller(t *testing.T, workspace string) *Installer {
	t.Helper()
	logger := charmlog.New(&bytes.Buffer{})
	ins, err := NewInstaller(workspace, t.TempDir(), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	return ins
}

func TestInstallLocalPathWithTransitiveDeps(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json": `{"name": "ws", "version": "0.0.1"}`,
		"vendor/leaf/loom.json":   `{"name": "leaf", "version": "1.0.0"}`,
		"vendor/leaf/index.lsh":   "x=1\n",
		"vendor/branch/loom.json": `{"name": "branch", "version": "2.0.0", "dependencies": {"leaf": "./vendor/leaf"}}`,
		"vendor/branch/index.lsh": "y=1\n",
	})

	ins := quietInstaller(t, workspace)
	plan, err := ins.Install(context.Background(),
		[]Requirement{{Name: "branch", Selector: "./vendor/branch"}}, PlanOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Modules) != 2 {
		t.Fatalf("plan has %d modules, want 2 (leaf + branch)", len(plan.Modules))
	}
	// Dependencies place before dependents.
	if plan.Modules[0].Requirement.Name != "leaf" {
		t.Errorf("placement order = [%s, %s]", plan.Modules[0].Requirement.Name, plan.Modules[1].Requirement.Name)
	}

	for _, name := range []string{"leaf", "branch"} {
		placed := filepath.Join(workspace, "loom_modules", name, "loom.json")
		if _, err := os.Stat(placed); err != nil {
			t.Errorf("%s not placed: %v", name, err)
		}
		marker := filepath.Join(workspace, "loom_modules", name, PartialMarkerName)
		if _, err := os.Stat(marker); !os.IsNotExist(err) {
			t.Errorf("%s still carries the partial marker", name)
		}
	}

	// The lock file records both.
	locked, err := ins.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 2 {
		t.Errorf("lock entries = %d", len(locked))
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json":             `{"name": "ws", "version": "0.0.1"}`,
		"vendor/leaf/loom.json": `{"name": "leaf", "version": "1.0.0"}`,
		"vendor/leaf/index.lsh": "x=1\n",
	})

	ins := quietInstaller(t, workspace)
	reqs := []Requirement{{Name: "leaf", Selector: "./vendor/leaf"}}

	if _, err := ins.Install(context.Background(), reqs, PlanOptions{}); err != nil {
		t.Fatal(err)
	}

	first := snapshotTree(t, filepath.Join(workspace, "loom_modules"))

	if _, err := ins.Install(context.Background(), reqs, PlanOptions{}); err != nil {
		t.Fatal(err)
	}
	second := snapshotTree(t, filepath.Join(workspace, "loom_modules"))

	if len(first) != len(second) {
		t.Fatalf("file sets differ: %d vs %d", len(first), len(second))
	}
	for rel, stamp := range first {
		if second[rel] != stamp {
			t.Errorf("%s changed on re-install (%v -> %v)", rel, stamp, second[rel])
		}
	}
}

// snapshotTree records mtime+size per file so byte-identical re-runs are
// distinguishable from rewrites.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		if d.Name() == LockName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = info.ModTime().String() + "/" + strconv.FormatInt(info.Size(), 10)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDevelopInstallWritesLinkFile(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json":        `{"name": "ws", "version": "0.0.1"}`,
		"local/loom.json":  `{"name": "local", "version": "0.1.0"}`,
		"local/index.lsh":  "x=1\n",
	})

	ins := quietInstaller(t, workspace)
	_, err := ins.Install(context.Background(),
		[]Requirement{{Name: "local", Selector: "./local"}}, PlanOptions{Develop: true})
	if err != nil {
		t.Fatal(err)
	}

	linkPath := filepath.Join(workspace, "loom_modules", "local"+resolve.LinkSuffix)
	target, err := resolve.ReadLinkFile(vpath.OSPath(linkPath))
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(target.String()) {
		t.Errorf("link target %q is not absolute", target)
	}

	// No files were copied.
	if _, err := os.Stat(filepath.Join(workspace, "loom_modules", "local")); !os.IsNotExist(err) {
		t.Error("develop install copied files")
	}
}

func TestPostInstallHookFailureLeavesPartialMarker(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json": `{"name": "ws", "version": "0.0.1"}`,
		"vendor/bad/loom.json": `{
  "name": "bad",
  "version": "1.0.0",
  "scripts": {"post-install": "!exit 3"}
}`,
		"vendor/bad/index.lsh": "x=1\n",
	})

	ins := quietInstaller(t, workspace)
	ins.hooks.Stdout = &bytes.Buffer{}
	ins.hooks.Stderr = &bytes.Buffer{}

	_, err := ins.Install(context.Background(),
		[]Requirement{{Name: "bad", Selector: "./vendor/bad"}}, PlanOptions{})
	if err == nil {
		t.Fatal("expected hook failure")
	}

	placed := filepath.Join(workspace, "loom_modules", "bad")
	if _, err := os.Stat(filepath.Join(placed, "index.lsh")); err != nil {
		t.Error("package files should remain after hook failure")
	}
	if _, err := os.Stat(filepath.Join(placed, PartialMarkerName)); err != nil {
		t.Error("partial marker should remain after hook failure")
	}
}

func TestScopedNamePlacement(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json":             `{"name": "ws", "version": "0.0.1"}`,
		"vendor/leaf/loom.json": `{"name": "@scope/leaf", "version": "1.0.0"}`,
		"vendor/leaf/index.lsh": "x=1\n",
	})

	ins := quietInstaller(t, workspace)
	_, err := ins.Install(context.Background(),
		[]Requirement{{Name: "@scope/leaf", Selector: "./vendor/leaf"}}, PlanOptions{})
	if err != nil {
		t.Fatal(err)
	}

	placed := filepath.Join(workspace, "loom_modules", "@scope", "leaf", "loom.json")
	if _, err := os.Stat(placed); err != nil {
		t.Errorf("scoped package not placed under @scope/: %v", err)
	}
}

func TestRegistryInstallOverHTTP(t *testing.T) {
	t.Parallel()

	// Build a dist archive to serve.
	pkgDir := t.TempDir()
	writeTree(t, pkgDir, map[string]string{
		"loom.json": `{"name": "remote", "version": "1.2.0"}`,
		"index.lsh": "x=1\n",
	})
	archive, err := distpkg.Pack(pkgDir)
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/packages/remote":
			_, _ = w.Write([]byte(`{"name": "remote", "versions": ["1.1.9", "1.2.0", "1.3.0-pre"]}`))
		case "/packages/remote/1.2.0/dist":
			http.ServeFile(w, r, archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json": `{"name": "ws", "version": "0.0.1"}`,
	})

	logger := charmlog.New(&bytes.Buffer{})
	ins, err := NewInstaller(workspace, t.TempDir(), WithLogger(logger), WithRegistryURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	plan, err := ins.Install(context.Background(),
		[]Requirement{{Name: "remote", Selector: "~1.2.0"}}, PlanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Modules) != 1 || plan.Modules[0].ResolvedVersion != "1.2.0" {
		t.Fatalf("plan = %+v", plan.Modules)
	}

	if _, err := os.Stat(filepath.Join(workspace, "loom_modules", "remote", "index.lsh")); err != nil {
		t.Errorf("registry package not placed: %v", err)
	}
}

func TestRegistryErrorOnMissingPackage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{"loom.json": `{"name": "ws", "version": "0.0.1"}`})

	logger := charmlog.New(&bytes.Buffer{})
	ins, err := NewInstaller(workspace, t.TempDir(), WithLogger(logger), WithRegistryURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = ins.Install(context.Background(),
		[]Requirement{{Name: "ghost", Selector: "^1.0.0"}}, PlanOptions{})
	if !errors.Is(err, ErrRegistry) {
		t.Errorf("error = %v, want RegistryError", err)
	}
}

func TestVersionMismatchError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "pkg", "versions": ["0.1.0"]}`))
	}))
	defer server.Close()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{"loom.json": `{"name": "ws", "version": "0.0.1"}`})

	logger := charmlog.New(&bytes.Buffer{})
	ins, err := NewInstaller(workspace, t.TempDir(), WithLogger(logger), WithRegistryURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	_, err = ins.Install(context.Background(),
		[]Requirement{{Name: "pkg", Selector: "^2.0.0"}}, PlanOptions{})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("error = %v, want VersionMismatchError", err)
	}
}

func TestUninstallRemovesPlacement(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json": `{"name": "ws", "version": "0.0.1"}`,
		"vendor/leaf/loom.json": `{
  "name": "leaf",
  "version": "1.0.0",
  "bin": {"leaf-tool": "index"}
}`,
		"vendor/leaf/index.lsh": "x=1\n",
	})

	ins := quietInstaller(t, workspace)
	if _, err := ins.Install(context.Background(),
		[]Requirement{{Name: "leaf", Selector: "./vendor/leaf"}}, PlanOptions{}); err != nil {
		t.Fatal(err)
	}

	shim := filepath.Join(workspace, "loom_modules", BinDirName, "leaf-tool")
	if _, err := os.Stat(shim); err != nil {
		t.Fatalf("shim not written: %v", err)
	}

	if err := ins.Uninstall(context.Background(), "leaf", PlanOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(workspace, "loom_modules", "leaf")); !os.IsNotExist(err) {
		t.Error("package directory survived uninstall")
	}
	if _, err := os.Stat(shim); !os.IsNotExist(err) {
		t.Error("shim survived uninstall")
	}

	locked, err := ins.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 0 {
		t.Errorf("lock entries after uninstall = %d", len(locked))
	}
}

func TestSaveRewritesWorkspaceManifest(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	writeTree(t, workspace, map[string]string{
		"loom.json":             `{"name": "ws", "version": "0.0.1"}`,
		"vendor/leaf/loom.json": `{"name": "leaf", "version": "1.0.0"}`,
	})

	ins := quietInstaller(t, workspace)
	if _, err := ins.Install(context.Background(),
		[]Requirement{{Name: "leaf", Selector: "./vendor/leaf"}},
		PlanOptions{Save: SaveRuntime}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "loom.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"leaf": "./vendor/leaf"`)) {
		t.Errorf("manifest not rewritten:\n%s", data)
	}
	if !bytes.Contains(data, []byte("  \"name\"")) {
		t.Errorf("manifest lost its 2-space indentation:\n%s", data)
	}
}

func TestPackagePathSorting(t *testing.T) {
	t.Parallel()

	// Package-relative paths sort bytewise, so root files come before
	// files in subdirectories.
	files := []string{"b.lsh", "a.lsh", "lib/z.lsh", "lib/a.lsh"}
	sort.Strings(files)
	want := []string{"a.lsh", "b.lsh", "lib/a.lsh", "lib/z.lsh"}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("sorted = %v", files)
		}
	}
}

func TestSettleConflict(t *testing.T) {
	t.Parallel()

	ins := quietInstaller(t, t.TempDir())
	prior := &ResolvedModule{
		Requirement:     Requirement{Name: "contested"},
		ResolvedVersion: "1.0.0",
	}

	// Two incompatible exact pins cannot be settled.
	result := &PlanResult{}
	err := ins.settleConflict(result, prior, []claim{
		{selector: "=1.0.0", exact: true},
		{selector: "=2.0.0", exact: true},
	})
	if !errors.Is(err, ErrInstallConflict) {
		t.Errorf("error = %v, want InstallConflictError", err)
	}

	// A range vs exact conflict settles on the prior resolution with a
	// recorded decision.
	result = &PlanResult{}
	if err := ins.settleConflict(result, prior, []claim{
		{selector: "=1.0.0", exact: true},
		{selector: "^2.0.0"},
	}); err != nil {
		t.Fatal(err)
	}
	if len(result.Decisions) != 1 || result.Decisions[0].Chosen != "1.0.0" {
		t.Errorf("decisions = %+v", result.Decisions)
	}
}
