// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loom-run/loom/pkg/config"
	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/install"
	"github.com/loom-run/loom/pkg/require"
	"github.com/loom-run/loom/pkg/rtcontext"
	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/vpath"
)

// nativeTargetPrefix marks an install target handled by the host
// language's own package installer.
const nativeTargetPrefix = "py/"

var (
	flagDev             bool
	flagProduction      bool
	flagDevelop         bool
	flagGlobal          bool
	flagRoot            bool
	flagSave            bool
	flagSaveDev         bool
	flagSaveExt         bool
	flagIgnoreInstalled bool
	flagRecursive       bool

	installCmd = &cobra.Command{
		Use:   "install [targets...]",
		Short: "Install packages into the modules directory",
		Long: `Install resolves each target, fetches the winning version, places it
into the modules directory, runs its lifecycle hooks, and writes the
lock file. Without targets, the workspace manifest's dependencies are
installed.`,
		RunE: runInstall,
	}

	uninstallCmd = &cobra.Command{
		Use:   "uninstall <package>",
		Short: "Remove an installed package",
		Args:  cobra.ExactArgs(1),
		RunE:  runUninstall,
	}
)

func init() {
	flags := installCmd.Flags()
	flags.BoolVar(&flagDev, "dev", false, "expand the root target's dev-dependencies")
	flags.BoolVar(&flagProduction, "production", false, "never expand dev-dependencies")
	flags.BoolVarP(&flagDevelop, "develop", "e", false, "install local paths as link files instead of copies")
	flags.BoolVarP(&flagGlobal, "global", "g", false, "install into the user-global modules directory")
	flags.BoolVar(&flagRoot, "root", false, "install into the system prefix")
	flags.BoolVar(&flagSave, "save", false, "record targets under dependencies")
	flags.BoolVar(&flagSaveDev, "save-dev", false, "record targets under dev-dependencies")
	flags.BoolVar(&flagSaveExt, "save-ext", false, "record targets under extensions")
	flags.BoolVar(&flagIgnoreInstalled, "ignore-installed", false, "re-place packages that are already satisfied")
	flags.BoolVar(&flagRecursive, "recursive", false, "re-evaluate satisfied dependencies' sub-trees")

	uninstallCmd.Flags().BoolVarP(&flagGlobal, "global", "g", false, "uninstall from the user-global modules directory")
	uninstallCmd.Flags().BoolVar(&flagRoot, "root", false, "uninstall from the system prefix")
}

func planOptions() install.PlanOptions {
	save := install.SaveNone
	switch {
	case flagSaveExt:
		save = install.SaveExtension
	case flagSaveDev:
		save = install.SaveDev
	case flagSave:
		save = install.SaveRuntime
	}
	return install.PlanOptions{
		Dev:             flagDev,
		Production:      flagProduction,
		Develop:         flagDevelop,
		Global:          flagGlobal,
		Root:            flagRoot,
		IgnoreInstalled: flagIgnoreInstalled,
		Recursive:       flagRecursive,
		Save:            save,
	}
}

// newInstaller builds the installer for the working directory with the
// resolved registry and an in-process module runner for lifecycle hooks.
func newInstaller(ctx context.Context, cfg *config.Config) (*install.Installer, func(), error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	regURL, err := registryURL(cfg)
	if err != nil {
		return nil, nil, err
	}

	runner, cleanup, err := newModuleRunner(wd)
	if err != nil {
		return nil, nil, err
	}

	opts := []install.InstallerOption{
		install.WithLogger(newLogger(cfg)),
		install.WithHookRunner(&hooks.Runner{Modules: runner}),
	}
	if regURL != "" {
		opts = append(opts, install.WithRegistryURL(regURL))
	}
	if reg, ok := cfg.DefaultRegistry(); ok {
		opts = append(opts, install.WithRegistryCredentials(reg.Username, reg.Password))
	}

	ins, err := install.NewInstaller(wd, "", opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return ins, cleanup, nil
}

// newModuleRunner brings up a minimal runtime session so module-request
// lifecycle hooks can execute in-process.
func newModuleRunner(workspace string) (*require.Require, func(), error) {
	globalModules, err := install.DefaultModulesDir()
	if err != nil {
		return nil, nil, err
	}

	rt := rtcontext.New(
		rtcontext.WithWorkspaceDir(vpath.OSPath(workspace)),
		rtcontext.WithGlobalModulesDir(globalModules),
	)
	if err := rt.Enter(); err != nil {
		return nil, nil, err
	}
	return require.Install(rt), func() { _ = rt.Leave() }, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	ins, cleanup, err := newInstaller(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	requirements, nativeSpecs, err := collectTargets(ins, args)
	if err != nil {
		return err
	}

	opts := planOptions()
	if len(requirements) > 0 {
		result, err := ins.Install(ctx, requirements, opts)
		if err != nil {
			return err
		}
		for _, decision := range result.Decisions {
			fmt.Fprintf(os.Stderr, "%s selector conflict on %s resolved to %s\n",
				WarningStyle.Render("Warning:"), decision.Package, decision.Chosen)
		}
	}

	if len(nativeSpecs) > 0 {
		native := install.NewExecNativeInstaller()
		target := ins.Placer().TargetDir(opts).Join(install.NativeSubdirName)
		if err := native.Install(ctx, nativeSpecs, target); err != nil {
			return err
		}
	}
	return nil
}

// collectTargets parses install targets; with none given, the workspace
// manifest's dependencies are the targets.
func collectTargets(ins *install.Installer, args []string) ([]install.Requirement, []string, error) {
	if len(args) == 0 {
		reqs, err := workspaceRequirements(ins)
		return reqs, nil, err
	}

	var requirements []install.Requirement
	var nativeSpecs []string
	for _, arg := range args {
		if spec, ok := strings.CutPrefix(arg, nativeTargetPrefix); ok {
			nativeSpecs = append(nativeSpecs, spec)
			continue
		}
		req, err := parseTarget(arg)
		if err != nil {
			return nil, nil, err
		}
		requirements = append(requirements, req)
	}
	return requirements, nativeSpecs, nil
}

// parseTarget maps one CLI target onto a Requirement.
func parseTarget(arg string) (install.Requirement, error) {
	switch {
	case strings.HasPrefix(arg, "git+"):
		return install.Requirement{Name: gitTargetName(arg), Selector: arg}, nil

	case strings.HasPrefix(arg, "./"), strings.HasPrefix(arg, "../"), filepath.IsAbs(arg):
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(arg), ".tar.gz"), ".tgz")
		if idx := strings.LastIndex(name, "-"); idx > 0 && install.IsArchivePath(arg) {
			// dist archives are named <name>-<version>.tar.gz
			name = name[:idx]
		}
		return install.Requirement{Name: name, Selector: arg}, nil

	case install.IsArchivePath(arg):
		// A bare archive file name is taken relative to the working directory.
		return parseTarget("./" + arg)
	}

	name, selector := arg, "*"
	// A scoped name keeps its leading "@"; the version separator is the
	// last "@" beyond position zero.
	if idx := strings.LastIndex(arg, "@"); idx > 0 {
		name, selector = arg[:idx], arg[idx+1:]
	}
	if name == "" || selector == "" {
		return install.Requirement{}, fmt.Errorf("%w: invalid target %q", errUsage, arg)
	}
	return install.Requirement{Name: name, Selector: selector}, nil
}

// gitTargetName derives a package name from a Git URL's final path
// segment.
func gitTargetName(arg string) string {
	body, _ := semver.SplitGitRef(strings.TrimPrefix(arg, "git+"))
	body = strings.TrimSuffix(body, ".git")
	if idx := strings.LastIndexAny(body, "/:"); idx != -1 {
		body = body[idx+1:]
	}
	return body
}

// workspaceRequirements reads the workspace manifest's dependency map.
func workspaceRequirements(ins *install.Installer) ([]install.Requirement, error) {
	m, err := workspaceManifest(ins.WorkingDir().String())
	if err != nil {
		return nil, err
	}

	var reqs []install.Requirement
	if m.Dependencies != nil {
		m.Dependencies.Each(func(name, sel string) bool {
			reqs = append(reqs, install.Requirement{Name: name, Selector: sel})
			return true
		})
	}
	if flagDev && !flagProduction && m.DevDependencies != nil {
		m.DevDependencies.Each(func(name, sel string) bool {
			reqs = append(reqs, install.Requirement{Name: name, Selector: sel, Dev: true})
			return true
		})
	}
	return reqs, nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	ins, cleanup, err := newInstaller(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return ins.Uninstall(ctx, args[0], planOptions())
}
