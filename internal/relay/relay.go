// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards a streaming backend reply to the caller.
//
// The relay is the consumer half of a two-stage pipeline. The producer (see
// ollama.Stream.Fragments) decodes backend lines onto a bounded channel; the
// relay drains that channel, writes each text increment to the caller as
// soon as it arrives, and accumulates the full text. When the backend
// reaches end-of-data the accumulated text is recorded exactly once, even if
// the caller has already hung up.
package relay

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/minivault/internal/ollama"
	"github.com/jeranaias/minivault/internal/storage"
	"github.com/jeranaias/minivault/internal/util"
)

// Sink is the caller's open connection.
type Sink interface {
	io.Writer
	Flush()
}

// Appender records a finished exchange.
type Appender interface {
	Append(ctx context.Context, rec storage.InteractionRecord) error
}

// Outcome describes how a relay run ended.
type Outcome int

const (
	// Completed means the backend reached end-of-data and the text was
	// handed to the recorder.
	Completed Outcome = iota
	// BackendFailed means the backend stream broke mid-way.
	BackendFailed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case BackendFailed:
		return "backend_failed"
	default:
		return "unknown"
	}
}

// Result summarizes one relay run.
type Result struct {
	Outcome   Outcome
	Text      string
	Fragments int
	Bytes     int
	Duration  time.Duration
	// Detached is true when the caller went away before end-of-data. The
	// backend reply was still drained and, on completion, recorded.
	Detached bool
	// Logged is true when the record was written successfully.
	Logged bool
	// Err is the backend error that ended the run early, or the recorder
	// error when Outcome is Completed but Logged is false.
	Err error
}

// Relay forwards fragments and records completed exchanges.
type Relay struct {
	recorder Appender
	logger   zerolog.Logger
}

// New creates a relay that records through rec and reports stream failures
// to logger.
func New(rec Appender, logger zerolog.Logger) *Relay {
	return &Relay{recorder: rec, logger: logger}
}

// Run drains frags into sink until end-of-data or a backend error.
//
//   - Each non-empty increment is appended to the accumulator and, while the
//     caller is still there, written and flushed immediately.
//   - A fragment with Done set, or the channel closing, is end-of-data: the
//     accumulated text is recorded once and Run returns.
//   - A fragment carrying Err is reported to the operator log only. Nothing
//     is written to the caller and nothing is recorded.
//
// ctx is the caller's context. When it ends, or a write to sink fails, Run
// stops writing but keeps draining frags, so the exchange is still recorded
// once the backend finishes. The producer must therefore run on a context
// that does not follow the caller.
func (r *Relay) Run(ctx context.Context, sink Sink, frags <-chan ollama.Fragment, prompt string) Result {
	start := time.Now()
	var (
		text strings.Builder
		res  Result
	)

	finish := func(outcome Outcome, err error) Result {
		res.Outcome = outcome
		res.Text = text.String()
		res.Duration = time.Since(start)
		if res.Err == nil {
			res.Err = err
		}
		return res
	}

	detach := func(msg string, err error) {
		res.Detached = true
		r.logger.Warn().
			Err(err).
			Int("fragments", res.Fragments).
			Str("prompt", util.TruncateRunes(prompt, 60)).
			Msg(msg)
	}

	callerDone := ctx.Done()
	for {
		if !res.Detached && ctx.Err() != nil {
			detach("CALLER_DISCONNECTED", ctx.Err())
		}

		select {
		case <-callerDone:
			callerDone = nil

		case frag, ok := <-frags:
			if !ok {
				r.record(ctx, prompt, text.String(), &res)
				return finish(Completed, nil)
			}

			if frag.Err != nil {
				r.logger.Error().
					Err(frag.Err).
					Str("error_type", ollama.ErrorTypeOf(frag.Err).String()).
					Int("fragments", res.Fragments).
					Int("bytes", res.Bytes).
					Bool("detached", res.Detached).
					Msg("STREAM_ERROR")
				return finish(BackendFailed, frag.Err)
			}

			if frag.Text != "" {
				text.WriteString(frag.Text)
				res.Fragments++
				if !res.Detached {
					n, err := io.WriteString(sink, frag.Text)
					res.Bytes += n
					if err != nil {
						detach("STREAM_WRITE_FAILED", err)
					} else {
						sink.Flush()
					}
				}
			}

			if frag.Done {
				// The producer closes right after Done; waiting for it makes
				// its final counters visible to the caller of Run.
				for range frags {
				}
				r.record(ctx, prompt, text.String(), &res)
				return finish(Completed, nil)
			}
		}
	}
}

// record writes the interaction. The write is detached from ctx, which may
// already be cancelled by a departed caller.
func (r *Relay) record(ctx context.Context, prompt, text string, res *Result) {
	err := r.recorder.Append(context.WithoutCancel(ctx), storage.NewRecord(prompt, text))
	if err != nil {
		r.logger.Error().Err(err).Msg("RECORD_FAILED")
		res.Err = err
		return
	}
	res.Logged = true
}
