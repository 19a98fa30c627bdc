// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama /api/generate
// endpoint.
//
// Two modes are supported. Generate returns the whole response text at once.
// GenerateStream returns a Stream whose Fragments channel yields text
// increments as the backend produces them.
//
// # Key Types
//
//   - Client: one attempt per call, no retries
//   - Stream: a live streaming reply; Fragments starts the decoder goroutine
//   - Fragment: one decoded line (text increment, completion flag, or error)
//   - StreamReader: newline-delimited JSON decoder that drops bad lines
//   - ClientError: typed failure, matched with errors.Is against ErrNotRunning,
//     ErrTimeout and ErrModelNotFound
//
// # Usage
//
//	client := ollama.NewClient(ollama.ClientConfig{Model: "phi3"})
//	text, err := client.Generate(ctx, "Why is the sky blue?")
//
// For streaming responses:
//
//	stream, err := client.GenerateStream(ctx, prompt)
//	if err != nil {
//	    return err
//	}
//	for frag := range stream.Fragments(ctx) {
//	    if frag.Err != nil {
//	        return frag.Err
//	    }
//	    fmt.Print(frag.Text)
//	}
package ollama
