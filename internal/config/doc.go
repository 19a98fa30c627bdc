// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for MiniVault.
//
// Configuration is layered. Each layer overrides the one before it:
//   - Built-in defaults (Default)
//   - TOML file: ./minivault.toml, else ~/.minivault/config.toml
//   - .env file in the working directory (never overrides real env vars)
//   - Environment variables (PORT, MINIVAULT_*)
//   - Command-line flags (applied by the cli package)
//
// # Key Types
//
//   - Config: top-level configuration
//   - ServerConfig: listen address and HTTP timeouts
//   - BackendConfig: Ollama URL, model and request timeout
//   - LogConfig: interaction log location and operator log format
//   - CORSConfig, RateLimitConfig: middleware settings
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Server.Addr())
//
// Watch reloads the file when it changes on disk:
//
//	err := config.Watch(ctx, cfg.Path, logger, func(next *config.Config) {
//	    srv.ApplyBackend(next.Backend)
//	})
package config
