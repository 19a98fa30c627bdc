// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/minivault/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(
		newConfigInitCommand(root),
		newConfigShowCommand(root),
		newConfigPathCommand(root),
	)
	return cmd
}

func newConfigInitCommand(root *rootOptions) *cobra.Command {
	var (
		force bool
		local bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := initTarget(root.configPath, local)
			if err != nil {
				return err
			}
			return outputJSON(cmd.OutOrStdout(), root.jsonMode, "config init", func() (any, error) {
				if err := writeDefaultConfig(path, force); err != nil {
					return nil, err
				}
				if !root.jsonMode {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
				}
				return map[string]string{"path": path}, nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&local, "local", false, "write ./"+config.LocalFileName+" instead of the user config")
	return cmd
}

// initTarget picks where config init writes.
func initTarget(explicit string, local bool) (string, error) {
	switch {
	case explicit != "":
		return explicit, nil
	case local:
		return config.LocalFileName, nil
	}
	path, err := config.UserConfigPath()
	if err != nil {
		return "", newCommandError("config", "init", "no home directory", err)
	}
	return path, nil
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return newCommandError("config", "init", path+" already exists (use --force to overwrite)", nil)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newCommandError("config", "init", "could not check "+path, err)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return newCommandError("config", "init", "could not write "+path, err)
	}
	return nil
}

// configView is the JSON shape of config show.
type configView struct {
	Path   string         `json:"path"`
	Config *config.Config `json:"config"`
}

func newConfigShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after files, env and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputJSON(cmd.OutOrStdout(), root.jsonMode, "config show", func() (any, error) {
				cfg, err := loadConfig(root)
				if err != nil {
					return nil, err
				}
				if !root.jsonMode {
					fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", sourceLabel(cfg.Path), cfg.String())
				}
				return configView{Path: cfg.Path, Config: cfg}, nil
			})
		},
	}
}

func newConfigPathCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print which config file would be loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if path == "" {
				path = config.FindConfigFile()
			}
			return outputJSON(cmd.OutOrStdout(), root.jsonMode, "config path", func() (any, error) {
				if !root.jsonMode {
					fmt.Fprintln(cmd.OutOrStdout(), sourceLabel(path))
				}
				return map[string]string{"path": path}, nil
			})
		},
	}
}

func sourceLabel(path string) string {
	if path == "" {
		return "(built-in defaults)"
	}
	return path
}
