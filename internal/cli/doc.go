// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the minivault command line.
//
// Commands:
//
//	minivault [serve]          run the gateway (default)
//	minivault config init      write a config file with the defaults
//	minivault config show      print the effective configuration
//	minivault config path      print which config file is in use
//	minivault logs tail        print the most recent interactions
//	minivault version          print build information
//
// Every command accepts --config to pick a file and --json for machine
// readable output.
package cli
