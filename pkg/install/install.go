// SPDX-License-Identifier: MPL-2.0

// Package install implements the package installer: resolving a manifest's
// declared dependencies against registry, Git, local-path, or archive
// sources, fetching the winning version of each, placing it into the
// workspace modules directory, and recording the result in a lock file so
// repeated installs are reproducible.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/vpath"
)

// LockFileName pairs with the manifest the way go.sum pairs with go.mod.
const LockFileName = "loom.lock.json"

// ModulesDirEnv overrides the default module cache location.
const ModulesDirEnv = "LOOM_MODULES_PATH"

// DefaultModulesDirName is the cache subdirectory under ~/.loom.
const DefaultModulesDirName = "modules"

type (
	// Requirement is a single dependency declaration from a manifest's
	// dependencies map: a package name bound to a selector string.
	Requirement struct {
		// Name is the dependency's declared package name.
		Name string
		// Selector is the raw selector string, e.g. "^1.2.0" or a Git URL.
		Selector string
		// Alias overrides the namespace the dependency is required under.
		Alias string
		// Dev marks a dev-dependency; dev requirements are only expanded
		// for the root target.
		Dev bool
	}

	// ResolvedModule is a Requirement that has been fetched to a concrete
	// version and cache location.
	ResolvedModule struct {
		Requirement     Requirement
		ResolvedVersion string
		Source          SourceKind
		GitCommit       string
		CachePath       vpath.OSPath
		Manifest        *manifest.Manifest
		TransitiveDeps  []Requirement

		// Develop marks a "-e" local target, placed as a link file.
		Develop bool
	}

	// SourceKind identifies which fetcher resolved a ResolvedModule.
	SourceKind int

	// Fetcher is implemented by each of the four source kinds an installer
	// knows how to pull a dependency from.
	Fetcher interface {
		// Versions returns the versions/refs a selector could resolve to.
		// Git and registry fetchers query their remote; local and archive
		// fetchers return a single synthetic version since there is no
		// range to pick from.
		Versions(ctx context.Context, req Requirement, sel semver.Selector) ([]string, error)
		// Fetch retrieves the given version into the installer's module
		// cache and returns the path it was placed at plus an optional
		// commit/content identifier.
		Fetch(ctx context.Context, req Requirement, sel semver.Selector, version string) (cachePath vpath.OSPath, commit string, err error)
	}

	// Installer resolves, caches, and places module dependencies, and
	// maintains the lock file that records what was installed.
	Installer struct {
		workingDir vpath.OSPath
		cacheDir   vpath.OSPath

		git      *GitFetcher
		local    *LocalFetcher
		registry *RegistryFetcher
		archive  *ArchiveFetcher

		placer *Placer
		hooks  *hooks.Runner
		logger *log.Logger

		mu sync.Mutex
	}

	// InstallerOption configures an Installer at construction.
	InstallerOption func(*Installer)
)

const (
	SourceRegistry SourceKind = iota
	SourceGit
	SourceLocalPath
	SourceArchive
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceGit:
		return "git"
	case SourceLocalPath:
		return "local"
	case SourceArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// DefaultModulesDir returns the default module cache directory, honoring
// ModulesDirEnv, falling back to ~/.loom/modules.
func DefaultModulesDir() (vpath.OSPath, error) {
	return DefaultModulesDirWith(os.Getenv)
}

// DefaultModulesDirWith is DefaultModulesDir with an injectable getenv, so
// tests can exercise both the override and fallback branches without
// mutating process environment.
func DefaultModulesDirWith(getenv func(string) string) (vpath.OSPath, error) {
	if custom := getenv(ModulesDirEnv); custom != "" {
		return vpath.OSPath(custom), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("install: resolving home directory: %w", err)
	}
	return vpath.OSPath(filepath.Join(home, ".loom", DefaultModulesDirName)), nil
}

// WithRegistryURL points the registry fetcher at a specific registry.
func WithRegistryURL(url string) InstallerOption {
	return func(ins *Installer) { ins.registry.BaseURL = vpath.URLPath(url) }
}

// WithRegistryCredentials authenticates registry reads and uploads.
func WithRegistryCredentials(username, password string) InstallerOption {
	return func(ins *Installer) {
		ins.registry.Username = username
		ins.registry.Password = password
	}
}

// WithHookRunner sets the lifecycle hook runner used around placement.
func WithHookRunner(r *hooks.Runner) InstallerOption {
	return func(ins *Installer) { ins.hooks = r }
}

// WithLogger sets the installer's progress logger.
func WithLogger(logger *log.Logger) InstallerOption {
	return func(ins *Installer) { ins.logger = logger }
}

// NewInstaller creates an Installer rooted at workingDir (the directory
// containing the manifest), using cacheDir for the module source cache (or
// the default location if empty).
func NewInstaller(workingDir, cacheDir string, opts ...InstallerOption) (*Installer, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("install: getting working directory: %w", err)
		}
		workingDir = wd
	}
	absWorking, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("install: resolving working directory: %w", err)
	}

	if cacheDir == "" {
		dir, err := DefaultModulesDir()
		if err != nil {
			return nil, err
		}
		cacheDir = dir.String()
	}
	absCache, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("install: resolving cache directory: %w", err)
	}
	if err := os.MkdirAll(absCache, 0o755); err != nil {
		return nil, fmt.Errorf("install: creating cache directory: %w", err)
	}

	ins := &Installer{
		workingDir: vpath.OSPath(absWorking),
		cacheDir:   vpath.OSPath(absCache),
		git:        NewGitFetcher(vpath.OSPath(absCache)),
		local:      NewLocalFetcher(vpath.OSPath(absWorking)),
		registry:   NewRegistryFetcher(vpath.OSPath(absCache), ""),
		archive:    NewArchiveFetcher(vpath.OSPath(absCache)),
		hooks:      &hooks.Runner{},
		logger:     log.New(os.Stderr),
	}
	for _, opt := range opts {
		opt(ins)
	}
	ins.placer = NewPlacer(ins.workingDir, ins.logger)
	return ins, nil
}

// WorkingDir returns the directory containing the manifest.
func (ins *Installer) WorkingDir() vpath.OSPath { return ins.workingDir }

// CacheDir returns the module source cache root.
func (ins *Installer) CacheDir() vpath.OSPath { return ins.cacheDir }

// Placer returns the installer's placement engine.
func (ins *Installer) Placer() *Placer { return ins.placer }

// fetcherFor dispatches a requirement's selector to the Fetcher that
// understands it.
func (ins *Installer) fetcherFor(sel semver.Selector) Fetcher {
	switch s := sel.(type) {
	case *semver.GitSelector:
		return ins.git
	case *semver.PathSelector:
		if IsArchivePath(s.Path) {
			return ins.archive
		}
		return ins.local
	default:
		return ins.registry
	}
}

// Install resolves requirements (including transitive dependencies),
// fetches every winning version, places each into the workspace modules
// directory with its lifecycle hooks, writes bin shims, and records the
// result in the lock file.
func (ins *Installer) Install(ctx context.Context, requirements []Requirement, opts PlanOptions) (*PlanResult, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	plan, err := ins.plan(ctx, requirements, opts)
	if err != nil {
		return nil, err
	}

	unlock, err := ins.placer.LockModulesDir()
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, mod := range plan.Modules {
		if err := ins.placeOne(ctx, mod, opts); err != nil {
			return nil, err
		}
	}

	lock := NewLockFile()
	for _, mod := range plan.Modules {
		lock.Put(mod)
	}
	if err := lock.Save(ins.lockPath()); err != nil {
		return nil, fmt.Errorf("install: saving lock file: %w", err)
	}

	if opts.Save != SaveNone {
		if err := ins.saveRequirements(requirements, opts.Save); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// placeOne places a single resolved module: the pre-install hook, the
// placement itself, bin shims, the post-install hook, and only then the
// partial-marker removal. A failing post-install leaves the files with the
// marker present, so the directory is never mistaken for a valid package.
func (ins *Installer) placeOne(ctx context.Context, mod *ResolvedModule, opts PlanOptions) error {
	if pkg := hookPackage(mod, mod.CachePath); pkg != nil {
		if err := ins.hooks.Run(ctx, hooks.PreInstall, pkg); err != nil {
			return err
		}
	}

	placement, err := ins.placer.Place(ctx, mod, opts)
	if err != nil {
		return err
	}
	if placement == nil {
		return nil // already satisfied
	}

	ins.logger.Info("installed",
		"package", mod.Requirement.Name,
		"version", mod.ResolvedVersion,
		"source", mod.Source)

	if err := ins.writeShims(mod); err != nil {
		return err
	}

	if placement.Dir != "" {
		if pkg := hookPackage(mod, placement.Dir); pkg != nil {
			if err := ins.hooks.Run(ctx, hooks.PostInstall, pkg); err != nil {
				return err
			}
		}
	}
	return ins.placer.Commit(placement)
}

// hookPackage views a resolved module rooted at dir as a package for hook
// dispatch; modules without a manifest have no hooks.
func hookPackage(mod *ResolvedModule, dir vpath.OSPath) *pkgreg.Package {
	if mod.Manifest == nil {
		return nil
	}
	return &pkgreg.Package{Manifest: mod.Manifest, Root: dir}
}

// writeShims emits a launcher into the modules directory's bin dir for
// every entry of the module's bin map.
func (ins *Installer) writeShims(mod *ResolvedModule) error {
	if mod.Manifest == nil || mod.Manifest.Bin == nil {
		return nil
	}
	shims := NewShimWriter(ins.placer.ModulesDir())
	var shimErr error
	mod.Manifest.Bin.Each(func(name, request string) bool {
		shimErr = shims.Write(name, request)
		return shimErr == nil
	})
	if shimErr != nil {
		return shimErr
	}
	return shims.WriteEnvMarker()
}

// saveRequirements rewrites the workspace manifest with the installed
// requirements recorded in the section the save mode selects.
func (ins *Installer) saveRequirements(requirements []Requirement, mode SaveMode) error {
	path := filepath.Join(ins.workingDir.String(), manifest.FileName)
	m, err := manifest.Load(path)
	if err != nil {
		return fmt.Errorf("install: loading workspace manifest: %w", err)
	}

	for _, req := range requirements {
		switch mode {
		case SaveDev:
			m.AddDependency(manifest.ClassDev, req.Name, req.Selector)
		case SaveExtension:
			m.AddDependency(manifest.ClassExtension, req.Name, req.Selector)
		default:
			m.AddDependency(manifest.ClassRuntime, req.Name, req.Selector)
		}
	}
	return m.Save(path)
}

// Add resolves a single new requirement, places it, and merges it into the
// existing lock file, leaving previously installed dependencies untouched.
func (ins *Installer) Add(ctx context.Context, req Requirement, opts PlanOptions) (*ResolvedModule, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	resolved, err := ins.resolveOne(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock, err := ins.placer.LockModulesDir()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := ins.placeOne(ctx, resolved, opts); err != nil {
		return nil, err
	}

	lock, err := LoadLockFile(ins.lockPath())
	if err != nil {
		return nil, fmt.Errorf("install: loading lock file: %w", err)
	}
	lock.Put(resolved)
	if err := lock.Save(ins.lockPath()); err != nil {
		return nil, fmt.Errorf("install: saving lock file: %w", err)
	}

	return resolved, nil
}

// Remove deletes lock entries matching identifier (a package name, an
// alias, or a Git URL prefix) and rewrites the lock file.
func (ins *Installer) Remove(identifier string) ([]*LockedModule, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	lock, err := LoadLockFile(ins.lockPath())
	if err != nil {
		return nil, fmt.Errorf("install: loading lock file: %w", err)
	}

	keys, err := resolveIdentifier(identifier, lock.Modules)
	if err != nil {
		return nil, err
	}

	var removed []*LockedModule
	for _, key := range keys {
		entry := lock.Modules[key]
		removed = append(removed, &entry)
		delete(lock.Modules, key)
	}

	if err := lock.Save(ins.lockPath()); err != nil {
		return nil, fmt.Errorf("install: saving lock file: %w", err)
	}
	return removed, nil
}

// List returns every module currently recorded in the lock file, without
// re-resolving or re-fetching anything.
func (ins *Installer) List() ([]*LockedModule, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	lock, err := LoadLockFile(ins.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("install: loading lock file: %w", err)
	}

	keys := make([]string, 0, len(lock.Modules))
	for k := range lock.Modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*LockedModule, 0, len(keys))
	for _, k := range keys {
		entry := lock.Modules[k]
		out = append(out, &entry)
	}
	return out, nil
}

func (ins *Installer) lockPath() string {
	return filepath.Join(ins.workingDir.String(), LockFileName)
}

// resolveOne resolves a single requirement to a concrete fetched version.
func (ins *Installer) resolveOne(ctx context.Context, req Requirement) (*ResolvedModule, error) {
	sel, err := semver.ParseSelector(req.Selector)
	if err != nil {
		return nil, fmt.Errorf("install: invalid selector for %s: %w", req.Name, err)
	}

	fetcher := ins.fetcherFor(sel)

	candidates, err := fetcher.Versions(ctx, req, sel)
	if err != nil {
		return nil, fmt.Errorf("install: listing versions for %s: %w", req.Name, err)
	}

	version, ok := pickVersion(sel, candidates)
	if !ok {
		return nil, &VersionMismatchError{Package: req.Name, Selector: req.Selector, Available: candidates}
	}

	cachePath, commit, err := fetcher.Fetch(ctx, req, sel, version)
	if err != nil {
		return nil, fmt.Errorf("install: fetching %s@%s: %w", req.Name, version, err)
	}

	m, transitive, err := loadFetchedManifest(cachePath)
	if err != nil {
		return nil, fmt.Errorf("install: reading manifest of %s: %w", req.Name, err)
	}

	develop := false
	if pathSel, ok := sel.(*semver.PathSelector); ok {
		develop = pathSel.Develop
	}

	return &ResolvedModule{
		Requirement:     req,
		ResolvedVersion: version,
		Source:          sourceKindOf(sel),
		GitCommit:       commit,
		CachePath:       cachePath,
		Manifest:        m,
		TransitiveDeps:  transitive,
		Develop:         develop,
	}, nil
}

func sourceKindOf(sel semver.Selector) SourceKind {
	switch s := sel.(type) {
	case *semver.GitSelector:
		return SourceGit
	case *semver.PathSelector:
		if IsArchivePath(s.Path) {
			return SourceArchive
		}
		return SourceLocalPath
	default:
		return SourceRegistry
	}
}

// pickVersion resolves a selector against a candidate list. Git and local
// selectors aren't version ranges, so the first candidate (the ref, or the
// manifest version the local Fetcher returned) is accepted outright.
func pickVersion(sel semver.Selector, candidates []string) (string, bool) {
	switch sel.(type) {
	case *semver.GitSelector, *semver.PathSelector:
		if len(candidates) == 0 {
			return "", false
		}
		return candidates[0], true
	default:
		return semver.Best(sel, candidates)
	}
}

func requirementKey(req Requirement) string {
	if req.Alias != "" {
		return req.Name + "#" + req.Alias
	}
	return req.Name
}

// loadFetchedManifest validates a fetched artifact's manifest and extracts
// its runtime dependency list for transitive resolution.
func loadFetchedManifest(cachePath vpath.OSPath) (*manifest.Manifest, []Requirement, error) {
	m, err := manifest.LoadDir(cachePath.String())
	if err != nil {
		if errors.Is(err, manifest.ErrManifestNotFound) {
			// Artifacts without a manifest carry no transitive deps.
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var reqs []Requirement
	if m.Dependencies != nil {
		m.Dependencies.Each(func(name, sel string) bool {
			reqs = append(reqs, Requirement{Name: name, Selector: sel})
			return true
		})
	}
	return m, reqs, nil
}

// resolveIdentifier resolves a user-supplied identifier to lock file keys,
// trying an exact key match first, then a package-name match.
func resolveIdentifier(identifier string, modules map[string]LockedModule) ([]string, error) {
	if _, ok := modules[identifier]; ok {
		return []string{identifier}, nil
	}

	var matches []string
	for key, entry := range modules {
		if entry.Name == identifier || strings.HasPrefix(entry.Selector, identifier) {
			matches = append(matches, key)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("install: no module found matching %q", identifier)
	}
	return matches, nil
}
