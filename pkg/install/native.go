// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/loom-run/loom/pkg/manifest"
	"github.com/loom-run/loom/pkg/platform"
	"github.com/loom-run/loom/pkg/vpath"
)

const (
	// NativeSubdirName is the directory below the modules directory the
	// host language's own installer targets.
	NativeSubdirName = ".native"

	// nativeConfigName is the host installer's per-user config file whose
	// prefix setting must be blanked while installing into a target
	// directory on platforms where prefix-based installs misfire.
	nativeConfigName = ".pydistutils.cfg"
)

type (
	// NativeInstaller hands a dependency list to the host language's own
	// package installer. The installer itself is an external collaborator;
	// this interface is the whole surface the core consumes.
	NativeInstaller interface {
		Install(ctx context.Context, specs []string, targetDir vpath.OSPath) error
	}

	// ExecNativeInstaller shells out to the host installer command.
	ExecNativeInstaller struct {
		// Command is the installer executable, "pip" by default.
		Command string

		// EnvPassthroughPrefixes selects which environment variables are
		// forwarded verbatim to the installer process.
		EnvPassthroughPrefixes []string
	}
)

// NewExecNativeInstaller creates the default host-installer adapter.
func NewExecNativeInstaller() *ExecNativeInstaller {
	return &ExecNativeInstaller{
		Command:                "pip",
		EnvPassthroughPrefixes: []string{"PIP_", "LOOM_NATIVE_"},
	}
}

// Install implements NativeInstaller: <command> install --target <dir>
// <specs...>, with the prefix override in effect for the duration.
func (e *ExecNativeInstaller) Install(ctx context.Context, specs []string, targetDir vpath.OSPath) error {
	if len(specs) == 0 {
		return nil
	}
	if err := os.MkdirAll(targetDir.String(), 0o755); err != nil {
		return fmt.Errorf("install: creating native target: %w", err)
	}

	return WithPrefixOverride(func() error {
		args := append([]string{"install", "--target", targetDir.String()}, specs...)

		// Inside a Flatpak/Snap sandbox the host installer must be spawned
		// through the sandbox escape command.
		command := e.Command
		if spawn := platform.GetSpawnCommand(); spawn != "" {
			args = append(append(platform.GetSpawnArgs(), command), args...)
			command = spawn
		}
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = e.environ()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("install: native installer failed: %w", err)
		}
		return nil
	})
}

// environ builds the installer's environment: a minimal base plus the
// passthrough-prefixed variables.
func (e *ExecNativeInstaller) environ() []string {
	env := []string{}
	for _, kv := range os.Environ() {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx != -1 {
			key = kv[:idx]
		}
		switch key {
		case "PATH", "HOME", "TMPDIR", "LANG", "USERPROFILE", "SYSTEMROOT":
			env = append(env, kv)
			continue
		}
		for _, prefix := range e.EnvPassthroughPrefixes {
			if strings.HasPrefix(key, prefix) {
				env = append(env, kv)
				break
			}
		}
	}
	return env
}

// WithPrefixOverride runs fn with the host installer's per-user config
// replaced by one that blanks the install prefix, restoring the previous
// content afterwards. The config file is a process-global resource, so an
// advisory file lock is held for the duration.
func WithPrefixOverride(fn func() error) (err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("install: resolving home directory: %w", err)
	}
	cfgPath := filepath.Join(home, nativeConfigName)

	lock := flock.New(cfgPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("install: locking %s: %w", cfgPath, err)
	}
	defer func() { _ = lock.Unlock() }()

	previous, readErr := os.ReadFile(cfgPath)
	hadConfig := readErr == nil

	override := "[install]\nprefix=\n"
	if err := os.WriteFile(cfgPath, []byte(override), 0o644); err != nil {
		return fmt.Errorf("install: writing %s: %w", cfgPath, err)
	}
	defer func() {
		var restoreErr error
		if hadConfig {
			restoreErr = os.WriteFile(cfgPath, previous, 0o644)
		} else {
			restoreErr = os.Remove(cfgPath)
		}
		if restoreErr != nil && err == nil {
			err = fmt.Errorf("install: restoring %s: %w", cfgPath, restoreErr)
		}
	}()

	return fn()
}

// InstallNative routes a manifest's native dependencies through the
// configured native installer, targeting the modules directory's native
// subdirectory, and wraps any shims the native installer produced.
func (ins *Installer) InstallNative(ctx context.Context, native NativeInstaller, mod *ResolvedModule, opts PlanOptions) error {
	if mod.Manifest == nil {
		return nil
	}

	var specs []string
	collect := func(deps *manifest.OrderedMap) {
		deps.Each(func(name, version string) bool {
			if version == "" || version == "*" {
				specs = append(specs, name)
			} else {
				specs = append(specs, name+"=="+version)
			}
			return true
		})
	}
	collect(mod.Manifest.NativeDependencies)
	if opts.Dev && !opts.Production {
		collect(mod.Manifest.DevNativeDependencies)
	}
	if len(specs) == 0 {
		return nil
	}

	target := ins.placer.TargetDir(opts).Join(NativeSubdirName)
	if err := native.Install(ctx, specs, target); err != nil {
		return err
	}
	return ins.wrapNativeShims(target)
}

// wrapNativeShims wraps executables the native installer dropped into its
// own bin directory with proxies that prepend the loom module search path.
func (ins *Installer) wrapNativeShims(nativeDir vpath.OSPath) error {
	binDir := nativeDir.Join("bin")
	entries, err := os.ReadDir(binDir.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("install: scanning native bin dir: %w", err)
	}

	shims := NewShimWriter(ins.placer.ModulesDir())
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := shims.WriteProxy(entry.Name(), binDir.Join(entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
