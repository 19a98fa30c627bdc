// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the MiniVault packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync, used for config files
//   - EnsureDir: creates the parent directory of a file path
//   - TruncateRunes: UTF-8 safe truncation for operator log previews
//
// # Usage
//
//	if err := util.EnsureDir("logs/log.jsonl"); err != nil {
//	    return err
//	}
//	preview := util.TruncateRunes(prompt, 80)
package util
