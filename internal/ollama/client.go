// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NoResponseText replaces an empty response field in a buffered reply.
const NoResponseText = "[No response from LLM]"

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches any ClientError of the same type, so errors.Is(err,
// ErrTimeout) holds for every timeout regardless of message.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// String returns a short name used in log fields.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeNotRunning:
		return "not_running"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeModelNotFound:
		return "model_not_found"
	case ErrTypeConnection:
		return "connection"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// IsNotRunning reports whether err means the backend could not be reached.
func IsNotRunning(err error) bool { return errors.Is(err, ErrNotRunning) }

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsModelNotFound reports whether the backend rejected the model name.
func IsModelNotFound(err error) bool { return errors.Is(err, ErrModelNotFound) }

// ErrorTypeOf extracts the ErrorType of err, or ErrTypeUnknown.
func ErrorTypeOf(err error) ErrorType {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrTypeUnknown
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Defaults used when a ClientConfig field is left zero.
const (
	DefaultBaseURL      = "http://localhost:11434"
	DefaultModel        = "phi3"
	DefaultStreamBuffer = 16
)

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL. A trailing /api/generate is
	// accepted and stripped.
	BaseURL string

	// Model sent with every request.
	Model string

	// Timeout bounds a whole exchange, including reading a streamed body.
	// Zero means no timeout.
	Timeout time.Duration

	// StreamBuffer is the capacity of the fragment channel.
	StreamBuffer int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		BaseURL:      DefaultBaseURL,
		Model:        DefaultModel,
		StreamBuffer: DefaultStreamBuffer,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the Ollama /api/generate endpoint. It makes exactly one
// attempt per call and never retries.
//
// The Client is safe for concurrent use.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a client, filling zero fields of cfg from DefaultConfig.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/api/generate")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}

	return &Client{
		config: cfg,
		// No client-level timeout: it would cut streamed bodies short.
		// Deadlines come from the request context instead.
		// SECURITY: TLS not required - Ollama runs locally over HTTP.
		httpClient: &http.Client{},
	}
}

// Config returns the effective configuration.
func (c *Client) Config() ClientConfig {
	return c.config
}

// Model returns the model name sent with each request.
func (c *Client) Model() string {
	return c.config.Model
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Ping asks the backend for its version. It is used at startup to warn the
// operator early; request handling never depends on it.
func (c *Client) Ping(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/version", nil)
	if err != nil {
		return "", &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyDoError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from Ollama: " + resp.Status}
	}

	var v VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return v.Version, nil
}

// =============================================================================
// GENERATE OPERATIONS
// =============================================================================

// Generate sends a buffered request and returns the response text. An
// absent or empty response field yields NoResponseText.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, GenerateRequest{Model: c.config.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
		}
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	if result.Response == "" {
		return NoResponseText, nil
	}
	return result.Response, nil
}

// GenerateStream sends a streaming request. Any failure before the body is
// available is returned immediately; on success the caller owns the
// returned Stream.
func (c *Client) GenerateStream(ctx context.Context, prompt string) (*Stream, error) {
	cancel := context.CancelFunc(func() {})
	if c.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
	}

	resp, err := c.post(ctx, GenerateRequest{Model: c.config.Model, Prompt: prompt, Stream: true})
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream response has no body"}
	}

	return newStream(ctx, resp.Body, cancel, c.config.StreamBuffer), nil
}

// post sends body to /api/generate and returns the response when the status
// is 200. Non-success statuses are mapped to ClientError and the body is
// closed.
func (c *Client) post(ctx context.Context, body GenerateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyDoError(err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var ollamaErr OllamaError
	msg := ""
	if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); readErr == nil {
		if json.Unmarshal(data, &ollamaErr) == nil {
			msg = ollamaErr.Error
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		if msg == "" {
			msg = fmt.Sprintf("model %q not found", body.Model)
		}
		return nil, &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	}
	if msg == "" {
		msg = "generate request failed: " + resp.Status
	}
	return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: msg}
}

func classifyDoError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &ClientError{Type: ErrTypeConnection, Message: "request cancelled", Cause: err}
	default:
		return &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running", Cause: err}
	}
}
