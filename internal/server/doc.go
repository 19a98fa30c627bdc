// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the MiniVault HTTP API.
//
// Endpoints:
//   - POST /generate        - generate a response; ?stream=true streams it
//   - GET  /health          - liveness check
//   - GET  /                - service description
//
// Every exchange on /generate is recorded through a storage.Recorder. Backend
// failures never surface as HTTP errors: the caller receives a fixed
// fallback text instead.
//
// # Usage
//
//	srv := server.NewServer(cfg.Server).
//	    WithOllamaClient(client).
//	    WithRecorder(rec).
//	    WithLogger(logger)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
