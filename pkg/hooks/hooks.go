// SPDX-License-Identifier: MPL-2.0

// Package hooks invokes a package's lifecycle scripts. A manifest's scripts
// map binds an event name either to a module request (run as a fresh main
// module) or to a "!"-prefixed shell command (run through the embedded
// POSIX shell, unprocessed). A failing hook aborts the surrounding action.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/loom-run/loom/pkg/pkgreg"
	"github.com/loom-run/loom/pkg/vpath"
)

// Lifecycle event names recognized in a manifest's scripts map.
const (
	PreInstall    = "pre-install"
	PostInstall   = "post-install"
	PreUninstall  = "pre-uninstall"
	PostUninstall = "post-uninstall"
	PrePublish    = "pre-publish"
	PostPublish   = "post-publish"
)

// ErrHookFailed is the sentinel error wrapped by HookFailedError.
var ErrHookFailed = errors.New("lifecycle hook failed")

type (
	// HookFailedError reports a failing lifecycle hook with the hook name
	// and the originating package.
	HookFailedError struct {
		Hook    string
		Package string
		Err     error
	}

	// ModuleRunner executes a module request as a fresh main module. The
	// require facility implements it.
	ModuleRunner interface {
		RunModule(ctx context.Context, request string, dir vpath.OSPath) error
	}

	// Runner dispatches lifecycle events for packages.
	Runner struct {
		// Modules runs module-request hooks. When nil, such hooks fail.
		Modules ModuleRunner

		// Env is extra environment for shell hooks, as KEY=VALUE pairs.
		Env []string

		// Stdin, Stdout, Stderr are the hook's standard streams. Nil
		// fields default to the process streams.
		Stdin          io.Reader
		Stdout, Stderr io.Writer
	}
)

// Error implements the error interface for HookFailedError.
func (e *HookFailedError) Error() string {
	return fmt.Sprintf("%v: %q of package %s: %v", ErrHookFailed, e.Hook, e.Package, e.Err)
}

// Unwrap returns the sentinel error for errors.Is checks.
func (e *HookFailedError) Unwrap() error { return ErrHookFailed }

// Run invokes the hook bound to event in pkg's manifest, if any. A missing
// binding is not an error.
func (r *Runner) Run(ctx context.Context, event string, pkg *pkgreg.Package) error {
	script, ok := pkg.Manifest.Scripts.Get(event)
	if !ok {
		return nil
	}
	if err := r.dispatch(ctx, script, pkg); err != nil {
		return &HookFailedError{Hook: event, Package: pkg.Name(), Err: err}
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, script string, pkg *pkgreg.Package) error {
	if command, ok := strings.CutPrefix(script, "!"); ok {
		return r.runShell(ctx, command, pkg.Root)
	}
	if r.Modules == nil {
		return fmt.Errorf("module-request hooks are not available here")
	}
	return r.Modules.RunModule(ctx, script, pkg.Root)
}

// runShell executes command through the embedded shell with the package
// root as working directory.
func (r *Runner) runShell(ctx context.Context, command string, dir vpath.OSPath) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "hook")
	if err != nil {
		return fmt.Errorf("parsing hook command: %w", err)
	}

	stdin := r.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := r.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(dir.String()),
		interp.Env(expand.ListEnviron(append(os.Environ(), r.Env...)...)),
		interp.StdIO(stdin, stdout, stderr),
	)
	if err != nil {
		return fmt.Errorf("creating hook interpreter: %w", err)
	}
	return runner.Run(ctx, file)
}
