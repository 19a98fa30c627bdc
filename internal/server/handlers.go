// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/minivault/internal/ollama"
	"github.com/jeranaias/minivault/internal/relay"
	"github.com/jeranaias/minivault/internal/storage"
	"github.com/jeranaias/minivault/internal/util"
)

// ============================================================================
// WIRE TYPES
// ============================================================================

// GenerateRequest is the POST /generate body. Prompt is a pointer so a
// missing field can be told apart from a non-string one during decoding.
type GenerateRequest struct {
	Prompt *string `json:"prompt"`
}

// GenerateResponse is the buffered reply.
type GenerateResponse struct {
	Response string `json:"response"`
}

// HealthResponse is the GET /health reply.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RootResponse is the GET / reply.
type RootResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errInvalidPrompt marks a body that does not carry a usable prompt.
var errInvalidPrompt = errors.New("invalid prompt")

// decodePrompt reads and validates the request body.
func decodePrompt(w http.ResponseWriter, r *http.Request) (string, error) {
	body := http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	var req GenerateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", errInvalidPrompt
	}
	if req.Prompt == nil || *req.Prompt == "" {
		return "", errInvalidPrompt
	}
	return *req.Prompt, nil
}

// ============================================================================
// POST /generate
// ============================================================================

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	_, _, base := s.deps()
	logger := requestLogger(r, base)

	prompt, err := decodePrompt(w, r)
	if err != nil {
		s.stats.rejected.Add(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn().Int64("limit", tooLarge.Limit).Msg("REQUEST_TOO_LARGE")
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logger.Debug().Err(err).Msg("INVALID_INPUT")
		writeError(w, http.StatusBadRequest, InvalidPromptMessage)
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.handleStream(w, r, prompt)
		return
	}
	s.handleBuffered(w, r, prompt)
}

// handleBuffered waits for the full backend reply. Backend failures are
// answered with FallbackText, which is also what gets recorded. The backend
// call does not follow the caller's context: only the backend timeout bounds
// it, and the exchange is recorded even if the caller has hung up.
func (s *Server) handleBuffered(w http.ResponseWriter, r *http.Request, prompt string) {
	client, rec, base := s.deps()
	logger := requestLogger(r, base)
	s.stats.buffered.Add(1)
	start := time.Now()
	bctx := context.WithoutCancel(r.Context())

	text, err := client.Generate(bctx, prompt)
	if err != nil {
		s.stats.backendFailures.Add(1)
		logger.Warn().
			Err(err).
			Str("error_type", ollama.ErrorTypeOf(err).String()).
			Str("model", client.Model()).
			Msg("BACKEND_UNAVAILABLE")
		text = FallbackText
	}

	if r.Context().Err() != nil {
		logger.Warn().Msg("CALLER_DISCONNECTED")
	}

	if err := rec.Append(bctx, storage.NewRecord(prompt, text)); err != nil {
		logger.Error().Err(err).Msg("RECORD_FAILED")
		writeError(w, http.StatusInternalServerError, InternalErrorMessage)
		return
	}

	logger.Info().
		Str("mode", "buffered").
		Str("prompt", util.TruncateRunes(prompt, 60)).
		Int("response_len", len(text)).
		Dur("duration", time.Since(start)).
		Msg("REQUEST_COMPLETE")

	writeJSON(w, http.StatusOK, GenerateResponse{Response: text})
}

// flushWriter adapts a ResponseWriter to relay.Sink.
type flushWriter struct {
	http.ResponseWriter
	flusher http.Flusher
}

func (f flushWriter) Flush() { f.flusher.Flush() }

// handleStream relays backend fragments to the caller as they arrive. A
// failure before the first fragment writes FallbackText and records
// nothing; a completed stream is recorded by the relay. As in buffered mode
// the backend stream runs detached from the caller, so a hang-up stops the
// writes but not the recording.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, prompt string) {
	client, rec, base := s.deps()
	logger := requestLogger(r, base)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error().Msg("STREAM_UNSUPPORTED")
		writeError(w, http.StatusInternalServerError, InternalErrorMessage)
		return
	}
	s.stats.streamed.Add(1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	bctx := context.WithoutCancel(r.Context())

	stream, err := client.GenerateStream(bctx, prompt)
	if err != nil {
		s.stats.backendFailures.Add(1)
		logger.Warn().
			Err(err).
			Str("error_type", ollama.ErrorTypeOf(err).String()).
			Str("model", client.Model()).
			Msg("BACKEND_UNAVAILABLE")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, FallbackText)
		flusher.Flush()
		return
	}
	defer stream.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := flushWriter{ResponseWriter: w, flusher: flusher}
	res := relay.New(rec, logger).Run(r.Context(), sink, stream.Fragments(bctx), prompt)
	if res.Outcome != relay.Completed {
		s.stats.streamErrors.Add(1)
	}

	logger.Info().
		Str("mode", "stream").
		Str("outcome", res.Outcome.String()).
		Str("prompt", util.TruncateRunes(prompt, 60)).
		Int("fragments", res.Fragments).
		Int("bytes", res.Bytes).
		Int("dropped_lines", stream.Dropped()).
		Bool("detached", res.Detached).
		Bool("logged", res.Logged).
		Dur("duration", res.Duration).
		Msg("REQUEST_COMPLETE")
}

// ============================================================================
// INFORMATIONAL ENDPOINTS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(storage.TimestampFormat),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{
		Message: "MiniVault API",
		Version: Version,
		Endpoints: map[string]string{
			"POST /generate": "Generate response from prompt",
			"GET /health":    "Health check",
		},
	})
}
