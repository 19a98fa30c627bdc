// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jeranaias/minivault/internal/server"
)

// VersionInfo is the version command's JSON payload.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentVersion() VersionInfo {
	return VersionInfo{
		Version:   server.Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputJSON(cmd.OutOrStdout(), root.jsonMode, "version", func() (any, error) {
				v := currentVersion()
				if !root.jsonMode {
					fmt.Fprintf(cmd.OutOrStdout(), "minivault %s\n  commit: %s\n  built:  %s\n  go:     %s (%s)\n",
						v.Version, v.GitCommit, v.BuildDate, v.GoVersion, v.Platform)
				}
				return v, nil
			})
		},
	}
}
