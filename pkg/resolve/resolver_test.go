// SPDX-License-Identifier: MPL-2.0

package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestChain(suffixes ...string) (*Chain, *FSResolver) {
	if len(suffixes) == 0 {
		suffixes = []string{".lsh", ".json"}
	}
	fs := NewFSResolver(pkgreg.NewRegistry(), suffixes)
	return NewChain(fs, NullResolver{}), fs
}

func TestRelativeRequestResolvesInCurrentDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.lsh"), "x=1\n")

	chain, _ := newTestChain()
	mod, err := chain.Resolve(NewRequest("./b", WithCurrentDir(vpath.OSPath(dir))))
	if err != nil {
		t.Fatal(err)
	}
	if mod.Filename.Base() != "b.lsh" {
		t.Errorf("resolved %q", mod.Filename)
	}
}

func TestBareRequestWalksSearchPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	modules := filepath.Join(dir, "loom_modules")
	writeFile(t, filepath.Join(modules, "util", "index.lsh"), "x=1\n")

	chain, _ := newTestChain()
	req := NewRequest("util",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{modules}))
	mod, err := chain.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Filename.Base() != "index.lsh" {
		t.Errorf("resolved %q", mod.Filename)
	}

	// The same request from another directory must not consult CurrentDir.
	writeFile(t, filepath.Join(dir, "util.lsh"), "x=2\n")
	req2 := NewRequest("util",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{modules}))
	mod2, err := chain.ResolveUncached(req2)
	if err != nil {
		t.Fatal(err)
	}
	if mod2.Filename.Base() != "index.lsh" {
		t.Errorf("bare request used current dir: %q", mod2.Filename)
	}
}

func TestMainRequestMayUseCurrentDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.lsh"), "x=1\n")

	chain, _ := newTestChain()
	req := NewRequest("app", WithCurrentDir(vpath.OSPath(dir)), WithIsMain(true))
	mod, err := chain.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Filename.Base() != "app.lsh" {
		t.Errorf("resolved %q", mod.Filename)
	}
}

func TestManifestMainWithResolveRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "p")
	writeFile(t, filepath.Join(pkgDir, "loom.json"),
		`{"name": "p", "version": "1.0.0", "main": "m", "resolve_root": "lib"}`)
	writeFile(t, filepath.Join(pkgDir, "lib", "m.lsh"), "x=1\n")
	writeFile(t, filepath.Join(pkgDir, "lib", "u.lsh"), "y=1\n")

	chain, _ := newTestChain()
	req := NewRequest("p",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{dir}))
	mod, err := chain.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Filename.Base() != "m.lsh" {
		t.Fatalf("resolved %q, want lib/m.lsh", mod.Filename)
	}
	if mod.Package == nil || mod.Package.Name() != "p" {
		t.Fatalf("module package = %+v", mod.Package)
	}

	// A sibling require from within the package resolves inside
	// resolve_root.
	sibling, err := chain.Resolve(NewRequest("./u", WithCurrentDir(mod.Directory()), WithParent(mod)))
	if err != nil {
		t.Fatal(err)
	}
	if sibling.Filename.Base() != "u.lsh" {
		t.Errorf("sibling resolved %q", sibling.Filename)
	}
	if sibling.Package != mod.Package {
		t.Error("sibling got a different Package identity")
	}
}

func TestIndexFileWinsOverManifestMain(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "p")
	writeFile(t, filepath.Join(pkgDir, "loom.json"),
		`{"name": "p", "version": "1.0.0", "main": "lib/other"}`)
	writeFile(t, filepath.Join(pkgDir, "index.lsh"), "x=1\n")
	writeFile(t, filepath.Join(pkgDir, "lib", "other.lsh"), "y=1\n")

	chain, _ := newTestChain()
	mod, err := chain.Resolve(NewRequest("p",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{dir})))
	if err != nil {
		t.Fatal(err)
	}
	if mod.Filename.Base() != "index.lsh" {
		t.Errorf("resolved %q, want the index file over the manifest main", mod.Filename)
	}
	// The package is still registered even though the index file won.
	if mod.Package == nil || mod.Package.Name() != "p" {
		t.Errorf("module package = %+v", mod.Package)
	}
}

func TestLinkTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "checkout", "local")
	writeFile(t, filepath.Join(target, "loom.json"), `{"name": "local", "version": "0.1.0"}`)
	writeFile(t, filepath.Join(target, "index.lsh"), "x=1\n")
	writeFile(t, filepath.Join(target, "helper.lsh"), "y=1\n")

	modules := filepath.Join(dir, "loom_modules")
	if err := os.MkdirAll(modules, 0o755); err != nil {
		t.Fatal(err)
	}
	linkPath := filepath.Join(modules, "local"+LinkSuffix)
	if err := WriteLinkFile(vpath.OSPath(linkPath), vpath.OSPath(target)); err != nil {
		t.Fatal(err)
	}

	chain, _ := newTestChain()
	req := NewRequest("local",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{modules}))
	mod, err := chain.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if !samePath(mod.Filename.Dir().String(), target) {
		t.Errorf("link resolved into %q, want %q", mod.Filename.Dir(), target)
	}
	if mod.Request.OriginalLocation == "" {
		t.Error("followed-from location not recorded on Request")
	}

	// A sibling require from the linked module resolves in the target
	// directory, not the link site.
	sibling, err := chain.Resolve(NewRequest("./helper", WithCurrentDir(mod.Directory()), WithParent(mod)))
	if err != nil {
		t.Fatal(err)
	}
	if !samePath(sibling.Filename.Dir().String(), target) {
		t.Errorf("sibling resolved at %q, want target dir", sibling.Filename.Dir())
	}
}

// samePath compares two paths modulo symlink indirection, so the tests
// hold on hosts whose temp directory is itself a symlink.
func samePath(got, want string) bool {
	if got == want {
		return true
	}
	g, gerr := filepath.EvalSymlinks(got)
	w, werr := filepath.EvalSymlinks(want)
	return gerr == nil && werr == nil && g == w
}

func TestDotRequestsUseCurrentDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.lsh"), "x=1\n")

	chain, _ := newTestChain()
	mod, err := chain.Resolve(NewRequest(".",
		WithCurrentDir(vpath.OSPath(dir)),
		WithSearchPaths([]string{t.TempDir()})))
	if err != nil {
		t.Fatal(err)
	}
	if !samePath(mod.Filename.Dir().String(), dir) {
		t.Errorf("'.' resolved at %q", mod.Filename)
	}
}

func TestResolveErrorCarriesSearchedLocations(t *testing.T) {
	t.Parallel()

	chain, _ := newTestChain()
	req := NewRequest("missing",
		WithCurrentDir(vpath.OSPath(t.TempDir())),
		WithSearchPaths([]string{t.TempDir()}))

	_, err := chain.Resolve(req)
	if err == nil {
		t.Fatal("expected ResolveError")
	}
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("error = %T, want *ResolveError", err)
	}
	if !errors.Is(err, ErrResolve) {
		t.Error("error should wrap ErrResolve")
	}
	if len(resolveErr.Searched) == 0 {
		t.Error("Searched is empty")
	}
}

func TestChainMemoizesIdentity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.lsh"), "x=1\n")

	chain, _ := newTestChain()
	first, err := chain.Resolve(NewRequest("./b", WithCurrentDir(vpath.OSPath(dir))))
	if err != nil {
		t.Fatal(err)
	}
	second, err := chain.Resolve(NewRequest("./b", WithCurrentDir(vpath.OSPath(dir))))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("identical (dir, request) yielded distinct Module identities")
	}

	chain.Evict(first.Filename.String())
	third, err := chain.Resolve(NewRequest("./b", WithCurrentDir(vpath.OSPath(dir))))
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("Evict did not drop the memo entry")
	}
}

type mapBindings map[string]any

func (m mapBindings) Binding(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func TestBindingResolver(t *testing.T) {
	t.Parallel()

	chain := NewChain(&BindingResolver{Table: mapBindings{"fs": "the-fs-binding"}})

	mod, err := chain.Resolve(NewRequest("!fs"))
	if err != nil {
		t.Fatal(err)
	}
	if mod.Exports() != "the-fs-binding" {
		t.Errorf("exports = %v", mod.Exports())
	}
	if !mod.Executed() {
		t.Error("binding module should be pre-executed")
	}

	_, err = chain.Resolve(NewRequest("!missing"))
	if !errors.Is(err, ErrNoSuchBinding) {
		t.Errorf("error = %v, want NoSuchBindingError", err)
	}
}

func TestRequestCopyOverrides(t *testing.T) {
	t.Parallel()

	req := NewRequest("x", WithCurrentDir("/a"), WithIsMain(true))
	dup := req.Copy(WithCurrentDir("/b"), WithLoaderHint("json"))

	if req.CurrentDir != "/a" || req.LoaderHint != "" {
		t.Error("Copy mutated the original")
	}
	if dup.CurrentDir != "/b" || !dup.IsMain || dup.LoaderHint != "json" {
		t.Errorf("dup = %+v", dup)
	}
}
