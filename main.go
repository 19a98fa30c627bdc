// MiniVault - a local prompt/response gateway in front of Ollama.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/jeranaias/minivault/internal/cli"
)

// Set at build time with -ldflags "-X main.GitCommit=... -X main.BuildDate=...".
var (
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
