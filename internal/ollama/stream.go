// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader decodes a newline-delimited JSON body into fragments.
//
// Lines are read through a buffered reader, so a line split across network
// reads is reassembled before it is decoded. A line that still fails to
// decode is dropped.
type StreamReader struct {
	reader  *bufio.Reader
	dropped int
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReader(r)}
}

// Process reads the stream and calls callback for each fragment in arrival
// order. It returns nil at end-of-data (EOF or a fragment with Done set),
// ctx.Err() when the context ends first, and the transport error otherwise.
func (s *StreamReader) Process(ctx context.Context, callback func(Fragment)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frag, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if frag == nil {
			continue
		}

		callback(*frag)
		if frag.Done {
			return nil
		}
	}
}

// Dropped returns how many non-empty lines failed to decode.
func (s *StreamReader) Dropped() int {
	return s.dropped
}

// next reads one line. It returns (nil, nil) for blank or malformed lines.
func (s *StreamReader) next() (*Fragment, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if len(line) == 0 {
			return nil, io.EOF
		}
		// Final line without a trailing newline.
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var decoded fragmentLine
	if err := json.Unmarshal(line, &decoded); err != nil {
		s.dropped++
		return nil, nil
	}
	return &Fragment{Text: decoded.Response, Done: decoded.Done}, nil
}

// =============================================================================
// STREAM HANDLE
// =============================================================================

// Stream is a live streaming reply from the backend. It must be closed, or
// drained through Fragments, to release the connection.
type Stream struct {
	body      io.ReadCloser
	reqCtx    context.Context
	cancel    context.CancelFunc
	bufSize   int
	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
}

// newStream wraps body. reqCtx is the context the backend request was made
// with; cancel releases it.
func newStream(reqCtx context.Context, body io.ReadCloser, cancel context.CancelFunc, bufSize int) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	if bufSize <= 0 {
		bufSize = DefaultStreamBuffer
	}
	return &Stream{body: body, reqCtx: reqCtx, cancel: cancel, bufSize: bufSize}
}

// Fragments starts a producer goroutine that decodes the body onto a
// bounded channel. The channel is closed after end-of-data, after a
// transport error (sent as a final Fragment with Err set), or once ctx is
// done. The stream is closed when the producer exits.
func (s *Stream) Fragments(ctx context.Context) <-chan Fragment {
	ch := make(chan Fragment, s.bufSize)

	go func() {
		defer close(ch)
		defer s.Close()

		// Closing the body is the only way to unblock a pending read.
		stop := context.AfterFunc(ctx, func() { s.Close() })
		defer stop()

		reader := NewStreamReader(s.body)
		err := reader.Process(ctx, func(f Fragment) {
			select {
			case ch <- f:
			case <-ctx.Done():
			}
		})
		s.dropped.Store(int64(reader.Dropped()))

		if err != nil && ctx.Err() == nil {
			select {
			case ch <- Fragment{Err: s.classify(err), Done: true}:
			case <-ctx.Done():
			}
		}
	}()

	return ch
}

// Dropped returns how many malformed lines the producer skipped. The count is
// final once the Fragments channel has been closed.
func (s *Stream) Dropped() int {
	return int(s.dropped.Load())
}

// Close releases the backend connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		s.cancel()
	})
	return s.closeErr
}

// classify maps a read failure onto a ClientError. The request context is
// consulted too because the transport does not always surface the deadline
// in the read error.
func (s *Stream) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(s.reqCtx.Err(), context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "stream timed out", Cause: err}
	}
	return &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
}
