// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest is the request body for the /api/generate endpoint.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// GenerateResponse is a buffered /api/generate reply. In streaming mode each
// line of the body has the same shape with Response holding one increment.
type GenerateResponse struct {
	Model              string `json:"model"`
	CreatedAt          string `json:"created_at"`
	Response           string `json:"response"`
	Done               bool   `json:"done"`
	DoneReason         string `json:"done_reason,omitempty"`
	TotalDuration      int64  `json:"total_duration,omitempty"` // nanoseconds
	LoadDuration       int64  `json:"load_duration,omitempty"`  // nanoseconds
	PromptEvalCount    int    `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64  `json:"prompt_eval_duration,omitempty"`
	EvalCount          int    `json:"eval_count,omitempty"`
	EvalDuration       int64  `json:"eval_duration,omitempty"`
}

// VersionResponse is returned by /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// Fragment is one decoded line of a streaming reply.
//
// A fragment with Err set is terminal: the backend stream failed in
// transport and no further fragments follow.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// fragmentLine is the subset of a stream line the relay needs. Decoding into
// it rather than GenerateResponse keeps unrelated fields from rejecting a
// line.
type fragmentLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// OllamaError represents an error body from the Ollama API.
type OllamaError struct {
	Error string `json:"error"`
}
