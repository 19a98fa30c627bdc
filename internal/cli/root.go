// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/minivault/internal/config"
)

// Build information, overridden with -ldflags at release time.
var (
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	jsonMode   bool
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the command tree. Running it without a subcommand
// starts the server.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := &serveOptions{}

	root := &cobra.Command{
		Use:           "minivault",
		Short:         "Local prompt/response gateway in front of Ollama",
		Long:          "MiniVault accepts prompts over HTTP, forwards them to a local Ollama model,\nand records every exchange to an append-only interaction log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(cmd, opts, serve)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./minivault.toml or ~/.minivault/config.toml)")
	pf.BoolVar(&opts.jsonMode, "json", false, "machine readable output")
	pf.StringVar(&opts.logLevel, "log-level", "", "operator log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "operator log format: auto, json, console")

	bindServeFlags(root, serve)

	root.AddCommand(
		newServeCommand(opts),
		newConfigCommand(opts),
		newLogsCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// Execute runs the command line with args and returns the exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return ExitSuccess
	}

	jsonMode, _ := cmd.Flags().GetBool("json")
	if jsonMode {
		displayError(stdout, cmd.Name(), err, true)
	} else {
		displayError(stderr, cmd.Name(), err, false)
	}
	return GetExitCode(err)
}

// loadConfig loads the effective configuration and applies the shared
// log flags.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, newCommandError("config", "load", "could not load configuration", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, newCommandError("config", "load", "invalid flag value", err)
	}
	return cfg, nil
}
