// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loom-run/loom/pkg/config"
	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/install"
	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/platform"
	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/types"
	"github.com/loom-run/loom/pkg/vpath"
)

var (
	flagWriteEnv    bool
	flagInitName    string
	flagInitPrivate bool

	binCmd = &cobra.Command{
		Use:   "bin",
		Short: "Print the shim directory",
		RunE:  runBin,
	}

	dirsCmd = &cobra.Command{
		Use:   "dirs",
		Short: "Print the directories loom uses",
		RunE:  runDirs,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create a loom.json in the working directory",
		RunE:  runInit,
	}

	runCmd = &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script from the workspace manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  runScript,
	}

	versionCmd = &cobra.Command{
		Use:   "version [new-version]",
		Short: "Print or set the workspace package version",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVersion,
	}
)

func init() {
	binCmd.Flags().BoolVar(&flagWriteEnv, "write-env", false, "also write the .bin/env marker file")
	initCmd.Flags().StringVar(&flagInitName, "name", "", "package name (default is the directory name)")
	initCmd.Flags().BoolVar(&flagInitPrivate, "private", false, "mark the package private")
}

// workspaceManifest loads the manifest in dir.
func workspaceManifest(dir string) (*manifest.Manifest, error) {
	return manifest.LoadDir(dir)
}

func runBin(cmd *cobra.Command, _ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	shims := install.NewShimWriter(vpath.OSPath(wd).Join(pkgreg.ModulesDirName))
	if flagWriteEnv {
		if err := shims.WriteEnvMarker(); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), shims.BinDir())
	return nil
}

func runDirs(cmd *cobra.Command, _ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	globalModules, err := install.DefaultModulesDir()
	if err != nil {
		return err
	}
	cfgDir, err := config.ConfigDir()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workspace modules:  %s\n", filepath.Join(wd, pkgreg.ModulesDirName))
	fmt.Fprintf(out, "global modules:     %s\n", globalModules)
	fmt.Fprintf(out, "config:             %s\n", cfgDir)
	if sandbox := platform.DetectSandbox(); sandbox != platform.SandboxNone {
		fmt.Fprintf(out, "sandbox:            %s\n", sandbox)
	}
	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	path := filepath.Join(wd, manifest.FileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", errUsage, manifest.FileName)
	}

	name := flagInitName
	if name == "" {
		name = filepath.Base(wd)
	}

	m := &manifest.Manifest{
		Name:    types.PackageName(name),
		Version: "0.1.0",
		License: cfg.License,
		Private: flagInitPrivate,
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := m.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %s for %s@%s\n", manifest.FileName, m.Name, m.Version)
	return nil
}

// runScript dispatches an arbitrary manifest script through the hook
// runner, so "loompm run lint" behaves exactly like a lifecycle hook.
func runScript(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	m, err := workspaceManifest(wd)
	if err != nil {
		return err
	}
	if _, ok := m.Scripts.Get(args[0]); !ok {
		return fmt.Errorf("%w: manifest has no script %q", errUsage, args[0])
	}

	moduleRunner, cleanup, err := newModuleRunner(wd)
	if err != nil {
		return err
	}
	defer cleanup()

	runner := &hooks.Runner{Modules: moduleRunner}
	pkg := &pkgreg.Package{Manifest: m, Root: vpath.OSPath(wd)}
	return runner.Run(ctx, args[0], pkg)
}

func runVersion(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	m, err := workspaceManifest(wd)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), m.Version)
		return nil
	}

	if !semver.IsValidVersion(args[0]) {
		return fmt.Errorf("%w: %q is not a valid version", errUsage, args[0])
	}
	m.Version = args[0]
	if err := m.Save(filepath.Join(wd, manifest.FileName)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", m.Name, m.Version)
	return nil
}
