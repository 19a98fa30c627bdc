// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/minivault/internal/storage"
	"github.com/jeranaias/minivault/internal/util"
)

// tailPreviewRunes caps prompt and response text in text output.
const tailPreviewRunes = 80

func newLogsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Read the interaction log",
	}
	cmd.AddCommand(newLogsTailCommand(root))
	return cmd
}

func newLogsTailCommand(root *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent interactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 1 {
				return &UsageError{Flag: "lines", Reason: "must be at least 1"}
			}
			return outputJSON(cmd.OutOrStdout(), root.jsonMode, "logs tail", func() (any, error) {
				cfg, err := loadConfig(root)
				if err != nil {
					return nil, err
				}
				if _, err := os.Stat(cfg.Log.Path); errors.Is(err, fs.ErrNotExist) {
					return nil, &NotFoundError{Resource: "interaction log", ID: cfg.Log.Path}
				}

				rec, err := storage.Open(cfg.Log.Backend, cfg.Log.Path)
				if err != nil {
					return nil, newCommandError("logs", "tail", "could not open interaction log", err)
				}
				defer rec.Close()

				records, err := rec.Recent(cmd.Context(), n)
				if err != nil {
					return nil, newCommandError("logs", "tail", "could not read interaction log", err)
				}
				if !root.jsonMode {
					printRecords(cmd.OutOrStdout(), records)
				}
				if records == nil {
					records = []storage.InteractionRecord{}
				}
				return records, nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 10, "number of interactions to show")
	return cmd
}

func printRecords(w io.Writer, records []storage.InteractionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No interactions recorded yet.")
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s\n  prompt:   %s\n  response: %s\n",
			r.Timestamp,
			oneLine(util.TruncateRunes(r.Prompt, tailPreviewRunes)),
			oneLine(util.TruncateRunes(r.Response, tailPreviewRunes)),
		)
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
