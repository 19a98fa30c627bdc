// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/minivault/internal/config"
	"github.com/jeranaias/minivault/internal/ollama"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a failed command step with context.
type CommandError struct {
	Command string // e.g. "config", "logs"
	Action  string // e.g. "init", "tail"
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NotFoundError is a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// UsageError is a bad flag or argument value.
type UsageError struct {
	Flag   string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("invalid --%s: %s", e.Flag, e.Reason)
}

func newCommandError(command, action, reason string, err error) error {
	return &CommandError{Command: command, Action: action, Reason: reason, Err: err}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode picks the process exit code for err.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return ExitUsageError
	}

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return ExitNotFoundError
	}

	var invalid config.ValidateErrors
	if errors.As(err, &invalid) {
		return ExitConfigError
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Command == "config" {
		return ExitConfigError
	}

	var clientErr *ollama.ClientError
	if errors.As(err, &clientErr) {
		return ExitNetworkError
	}

	return ExitGeneralError
}

// displayError writes err for a human or, in JSON mode, as a JSONResponse.
func displayError(w io.Writer, command string, err error, jsonMode bool) {
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(NewJSONErrorResponse(command, err))
		return
	}
	fmt.Fprintf(w, "[ERROR] %s\n", err)
}
