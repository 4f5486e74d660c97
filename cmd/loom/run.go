// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/interp"

	"github.com/loom-run/loom/pkg/config"
	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/install"
	"github.com/loom-run/loom/pkg/load"
	"github.com/loom-run/loom/pkg/resolve"
	"github.com/loom-run/loom/pkg/require"
	"github.com/loom-run/loom/pkg/rtcontext"
	"github.com/loom-run/loom/pkg/vpath"
)

type (
	// DebugHook is entered on an uncaught error when post-mortem mode is
	// active. The interactive debugger itself is pluggable; the default
	// hook only reports that no debugger is installed.
	DebugHook interface {
		PostMortem(err error)
	}

	noopDebugHook struct {
		logger *log.Logger
	}

	// logTracer forwards session events to the logger; it is installed
	// whenever LOOM_TRACING is set to any non-empty value.
	logTracer struct {
		logger *log.Logger
	}
)

func (h *noopDebugHook) PostMortem(err error) {
	h.logger.Error("post-mortem requested but no debugger is installed", "err", err)
}

func (t *logTracer) Trace(event rtcontext.Event) {
	t.logger.Debug("trace", "event", event.Kind.String(), "request", requestString(event))
}

func requestString(event rtcontext.Event) string {
	if event.Request != nil {
		return event.Request.Raw
	}
	if event.Module != nil {
		return event.Module.Filename.String()
	}
	return ""
}

func runRoot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	currentDir := flagCurrentDir
	if currentDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return &exitError{code: exitUnknown, err: err}
		}
		currentDir = wd
	}
	absDir, err := filepath.Abs(currentDir)
	if err != nil {
		return &exitError{code: exitUnknown, err: err}
	}

	cfg, err := config.Load(ctx, config.LoadOptions{
		ConfigFilePath: flagConfigFile,
		WorkspaceDir:   absDir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+err.Error())
		cfg = config.DefaultConfig()
	}
	logger := newLogger(cfg)

	if flagProfile != "" {
		f, err := os.Create(flagProfile)
		if err != nil {
			return &exitError{code: exitUnknown, err: fmt.Errorf("creating profile file: %w", err)}
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return &exitError{code: exitUnknown, err: err}
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	globalModules, err := install.DefaultModulesDir()
	if err != nil {
		return &exitError{code: exitUnknown, err: err}
	}

	opts := []rtcontext.Option{
		rtcontext.WithWorkspaceDir(vpath.OSPath(absDir)),
		rtcontext.WithGlobalModulesDir(globalModules),
		rtcontext.WithIsolated(flagIsolated),
	}
	if config.TracingSelector(os.Getenv) != "" {
		opts = append(opts, rtcontext.WithTracer(&logTracer{logger: logger}))
	}

	rt := rtcontext.New(opts...)
	rt.SourceLoader().NoBytecacheWrite = cfg.NoBytecache
	if err := rt.Enter(); err != nil {
		return &exitError{code: exitUnknown, err: err}
	}
	defer func() { _ = rt.Leave() }()

	req := require.Install(rt)

	postMortem := flagPostMortem ||
		config.PostMortemFromEnv(os.Getenv, os.Setenv, os.Unsetenv)
	if _, enabled := config.BreakpointSelector(os.Getenv); !enabled {
		// A breakpoint selector of "0" turns the debugger off entirely.
		postMortem = false
	}
	var hook DebugHook = &noopDebugHook{logger: logger}

	if flagHostMain {
		_ = os.Setenv("LOOM_MAIN", "1")
	}

	for _, preload := range flagPreload {
		if _, err := req.Call(ctx, preload, require.WithCurrentDir(vpath.OSPath(absDir))); err != nil {
			return uncaught(logger, hook, postMortem, fmt.Errorf("preloading %q: %w", preload, err))
		}
	}

	if flagExpr != "" {
		_, err := load.RunSnippet(ctx, flagExpr, vpath.OSPath(absDir), req, os.Stdin, os.Stdout, os.Stderr)
		if err != nil {
			return uncaught(logger, hook, postMortem, err)
		}
		return nil
	}

	if len(args) == 0 {
		return cmd.Help()
	}
	request, moduleArgs := args[0], args[1:]

	if !flagKeepArg0 {
		// The executed module observes itself as argv[0], like a program.
		os.Args = append([]string{request}, moduleArgs...)
	}

	callOpts := []require.Option{
		require.WithCurrentDir(vpath.OSPath(absDir)),
		require.WithIsMain(true),
	}
	if flagLoader != "" {
		callOpts = append(callOpts, require.WithLoader(flagLoader))
	}

	if _, err := req.Call(ctx, request, callOpts...); err != nil {
		return uncaught(logger, hook, postMortem, err)
	}
	return nil
}

// uncaught maps an error escaping the main module onto the runtime's exit
// codes: error kinds the runtime knows yield 1, anything else 127.
func uncaught(logger *log.Logger, hook DebugHook, postMortem bool, err error) error {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("error: ")+err.Error())
	} else {
		logger.Error(err.Error())
	}
	if postMortem {
		hook.PostMortem(err)
	}

	if isKnownErrorKind(err) {
		return &exitError{code: exitUncaught, err: err}
	}
	return &exitError{code: exitUnknown, err: err}
}

// isKnownErrorKind reports whether the runtime can classify err as one of
// its own failure kinds (including a module script's nonzero exit).
func isKnownErrorKind(err error) bool {
	for _, sentinel := range []error{
		resolve.ErrResolve,
		resolve.ErrNoSuchBinding,
		load.ErrLoad,
		hooks.ErrHookFailed,
		rtcontext.ErrMainAlreadySet,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	// A module script that ran and exited nonzero carries the
	// interpreter's exit status.
	var status interp.ExitStatus
	return errors.As(err, &status)
}
