// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/loom-run/loom/pkg/config"
)

// Exit codes of the runtime.
const (
	exitOK = 0
	// exitUncaught reports an error that escaped the main module.
	exitUncaught = 1
	// exitUnknown reports an error kind the runtime itself cannot
	// classify.
	exitUnknown = 127
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	flagPostMortem bool
	flagExpr       string
	flagCurrentDir string
	flagKeepArg0   bool
	flagPreload    []string
	flagLoader     string
	flagHostMain   bool
	flagProfile    string
	flagIsolated   bool
	flagConfigFile string

	rootCmd = &cobra.Command{
		Use:   "loom [flags] [REQUEST] [args...]",
		Short: "Run a module through the loom resolver",
		Long: TitleStyle.Render("loom") + SubtitleStyle.Render(" - a module-resolution runtime") + `

loom resolves a request the way a module's own require would - relative
paths against the current directory, bare names along the module search
path - and executes the result as the session's main module.

` + SubtitleStyle.Render("Examples:") + `
  loom ./scripts/build        Run a relative module
  loom tool-name              Run a module from loom_modules/
  loom -c 'require "./x"'     Evaluate an expression
  loom -P trace-hooks app     Preload a module before the main`,
		Args: cobra.ArbitraryArgs,
		RunE: runRoot,
	}
)

func init() {
	rootCmd.Flags().BoolVarP(&flagPostMortem, "debug", "d", false, "enter the post-mortem debug hook on an uncaught error")
	rootCmd.Flags().StringVarP(&flagExpr, "eval", "c", "", "evaluate an expression instead of running a module")
	rootCmd.Flags().StringVar(&flagCurrentDir, "current-dir", "", "override the directory requests resolve against")
	rootCmd.Flags().BoolVar(&flagKeepArg0, "keep-arg0", false, "do not overwrite argv[0] for the executed module")
	rootCmd.Flags().StringArrayVarP(&flagPreload, "preload", "P", nil, "module(s) to require before the main module")
	rootCmd.Flags().StringVarP(&flagLoader, "loader", "L", "", "force a loader instead of suffix detection")
	rootCmd.Flags().BoolVar(&flagHostMain, "host-main", false, "make the host shell's main detection succeed")
	rootCmd.Flags().StringVar(&flagProfile, "profile", "", "write CPU profiling data to FILE")
	rootCmd.Flags().BoolVar(&flagIsolated, "isolated", false, "isolate the session's binding table")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "config file (default is the platform config dir)")
}

// Execute runs the root command and maps failures onto the runtime's exit
// codes.
func Execute() {
	err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	)
	if err == nil {
		os.Exit(exitOK)
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	os.Exit(exitUnknown)
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// exitError carries an explicit process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// newLogger builds the CLI logger honoring verbose configuration.
func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New(os.Stderr)
	if cfg != nil && cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}
