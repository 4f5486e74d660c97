// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-run/loom/pkg/config"
	"github.com/loom-run/loom/pkg/distpkg"
	"github.com/loom-run/loom/pkg/hooks"
	"github.com/loom-run/loom/pkg/install"
	"github.com/loom-run/loom/pkg/vpath"
)

var (
	flagRegUsername string
	flagRegPassword string
	flagRegEmail    string

	distCmd = &cobra.Command{
		Use:   "dist",
		Short: "Pack the workspace into a dist archive",
		RunE:  runDist,
	}

	publishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Pack and upload the workspace package",
		RunE:  runPublish,
	}

	uploadCmd = &cobra.Command{
		Use:   "upload <archive>",
		Short: "Upload an already-packed dist archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}

	registerCmd = &cobra.Command{
		Use:   "register",
		Short: "Create an account on the registry",
		RunE:  runRegister,
	}
)

func init() {
	registerCmd.Flags().StringVar(&flagRegUsername, "username", "", "account name")
	registerCmd.Flags().StringVar(&flagRegPassword, "password", "", "account password")
	registerCmd.Flags().StringVar(&flagRegEmail, "email", "", "account email")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("password")
}

// registryClient builds the authenticated registry client for uploads.
func registryClient(cfg *config.Config) (*install.RegistryFetcher, error) {
	url, err := registryURL(cfg)
	if err != nil {
		return nil, err
	}

	client := install.NewRegistryFetcher(vpath.OSPath(os.TempDir()), url)
	if reg, ok := cfg.DefaultRegistry(); ok {
		client.Username, client.Password = reg.Username, reg.Password
	}
	if flagRegistry != "" {
		if reg, ok := cfg.Registry(flagRegistry); ok {
			client.Username, client.Password = reg.Username, reg.Password
		}
	}
	return client, nil
}

func runDist(cmd *cobra.Command, _ []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	archive, err := distpkg.Pack(wd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), archive)
	return nil
}

func runPublish(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	client, err := registryClient(cfg)
	if err != nil {
		return err
	}

	moduleRunner, cleanup, err := newModuleRunner(wd)
	if err != nil {
		return err
	}
	defer cleanup()

	archive, err := distpkg.Publish(ctx, wd, client, &hooks.Runner{Modules: moduleRunner})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", archive)
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	m, err := workspaceManifest(wd)
	if err != nil {
		return err
	}
	if err := m.ValidateForPublish(); err != nil {
		return err
	}

	client, err := registryClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Upload(ctx, m.Name.String(), m.Version, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s@%s\n", m.Name, m.Version)
	return nil
}

func runRegister(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loadConfig(ctx)

	client, err := registryClient(cfg)
	if err != nil {
		return err
	}
	if err := client.Register(ctx, flagRegUsername, flagRegPassword, flagRegEmail); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", flagRegUsername)
	return nil
}
