// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/loom-run/loom/pkg/config"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"

	// TitleStyle is for primary headers.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	// SubtitleStyle is for secondary text.
	SubtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	// WarningStyle is for warnings.
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))

	flagConfigFile string
	flagRegistry   string
	flagVerbose    bool

	rootCmd = &cobra.Command{
		Use:   "loompm",
		Short: "The loom package manager",
		Long: TitleStyle.Render("loompm") + SubtitleStyle.Render(" - the loom package manager") + `

loompm installs packages into the workspace's loom_modules/ directory,
maintains the loom.json manifest and the lock file, packs dist archives,
and publishes them to a registry.

` + SubtitleStyle.Render("Install target forms:") + `
  pkg[@selector]          from the configured registry
  ./path  ../path         a local directory (add -e for a develop link)
  file.tar.gz             a dist archive
  git+URL[@ref]           a Git repository
  py/pkg[==ver]           a host-language dependency`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&flagRegistry, "registry", "", "registry name or URL (default is the first configured)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(binCmd)
	rootCmd.AddCommand(distCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dirsCmd)
}

// Execute runs the root command.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration for a subcommand rooted at the
// working directory.
func loadConfig(ctx context.Context) *config.Config {
	wd, _ := os.Getwd()
	cfg, err := config.Load(ctx, config.LoadOptions{
		ConfigFilePath: flagConfigFile,
		WorkspaceDir:   wd,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+err.Error())
		return config.DefaultConfig()
	}
	return cfg
}

// newLogger builds the subcommand logger.
func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New(os.Stderr)
	if flagVerbose || (cfg != nil && cfg.Verbose) {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// registryURL resolves the --registry flag against the configured
// registries: a bare name selects a [registry:<name>] section, anything
// with "://" is used verbatim, and the default is the first configured
// registry.
func registryURL(cfg *config.Config) (string, error) {
	if flagRegistry != "" {
		if reg, ok := cfg.Registry(flagRegistry); ok {
			return reg.URL, nil
		}
		if containsScheme(flagRegistry) {
			return flagRegistry, nil
		}
		return "", fmt.Errorf("no registry named %q is configured", flagRegistry)
	}
	if reg, ok := cfg.DefaultRegistry(); ok {
		return reg.URL, nil
	}
	return "", nil // installer falls back to its built-in default
}

func containsScheme(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}

// errUsage wraps a user mistake so handlers can distinguish it from
// infrastructure failures.
var errUsage = errors.New("usage error")
