// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

// streamLines returns a handler that writes each line followed by a flush.
func streamLines(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, ch <-chan Fragment) []Fragment {
	t.Helper()
	var out []Fragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("fragment channel was not closed")
			return nil
		}
	}
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// =============================================================================
// CLIENT CONFIG TESTS
// =============================================================================

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{})
	cfg := c.Config()

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, "phi3", cfg.Model)
	assert.Equal(t, DefaultStreamBuffer, cfg.StreamBuffer)
	assert.Zero(t, cfg.Timeout)
}

func TestNewClient_StripsEndpointPath(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://localhost:11434/api/generate"})
	assert.Equal(t, "http://localhost:11434", c.Config().BaseURL)

	c = NewClient(ClientConfig{BaseURL: "http://ollama:11434/"})
	assert.Equal(t, "http://ollama:11434", c.Config().BaseURL)
}

func TestClientError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ClientError{Type: ErrTypeTimeout, Message: "stream timed out"})
	assert.True(t, IsTimeout(err))
	assert.False(t, IsNotRunning(err))
	assert.Equal(t, ErrTypeTimeout, ErrorTypeOf(err))
	assert.Equal(t, ErrTypeUnknown, ErrorTypeOf(errors.New("plain")))
	assert.Equal(t, "timeout", ErrTypeTimeout.String())
}

// =============================================================================
// BUFFERED GENERATE TESTS
// =============================================================================

func TestGenerate_Success(t *testing.T) {
	gotCh := make(chan GenerateRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got
		io.WriteString(w, `{"model":"phi3","created_at":"2024-01-01T00:00:00Z","response":"world","done":true}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Model: "phi3"})
	text, err := c.Generate(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "world", text)
	assert.Equal(t, GenerateRequest{Model: "phi3", Prompt: "hello", Stream: false}, <-gotCh)
}

func TestGenerate_MissingResponseField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"done":true}`)
	}))
	defer srv.Close()

	text, err := NewClient(ClientConfig{BaseURL: srv.URL}).Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, NoResponseText, text)
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"out of memory"}`)
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL}).Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, ErrTypeInvalidResponse, ErrorTypeOf(err))
	assert.Contains(t, err.Error(), "out of memory")
}

func TestGenerate_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model \"nope\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL, Model: "nope"}).Generate(context.Background(), "hello")
	assert.True(t, IsModelNotFound(err))
}

func TestGenerate_NotRunning(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: deadURL(t)}).Generate(context.Background(), "hello")
	assert.True(t, IsNotRunning(err), "got %v", err)
}

func TestGenerate_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":`)
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL}).Generate(context.Background(), "hello")
	assert.Equal(t, ErrTypeInvalidResponse, ErrorTypeOf(err))
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Generate(context.Background(), "hello")

	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		io.WriteString(w, `{"version":"0.3.12"}`)
	}))
	defer srv.Close()

	version, err := NewClient(ClientConfig{BaseURL: srv.URL}).Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.3.12", version)

	_, err = NewClient(ClientConfig{BaseURL: deadURL(t)}).Ping(context.Background())
	assert.True(t, IsNotRunning(err))
}

// =============================================================================
// STREAM READER TESTS
// =============================================================================

func TestStreamReader_SkipsBlankAndMalformedLines(t *testing.T) {
	body := "{\"response\":\"a\"}\n\n{not json}\n{\"response\":\"b\"}\n{\"response\":\"c\",\"done\":true}\n"
	r := NewStreamReader(strings.NewReader(body))

	var got []Fragment
	require.NoError(t, r.Process(context.Background(), func(f Fragment) { got = append(got, f) }))

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "b", got[1].Text)
	assert.Equal(t, Fragment{Text: "c", Done: true}, got[2])
	assert.Equal(t, 1, r.Dropped())
}

func TestStreamReader_ReassemblesSplitLines(t *testing.T) {
	body := "{\"response\":\"hel\"}\n{\"response\":\"lo\",\"done\":true}\n"
	// One byte per Read: every line arrives split across many reads.
	r := NewStreamReader(iotest.OneByteReader(strings.NewReader(body)))

	var text strings.Builder
	require.NoError(t, r.Process(context.Background(), func(f Fragment) { text.WriteString(f.Text) }))
	assert.Equal(t, "hello", text.String())
	assert.Zero(t, r.Dropped())
}

func TestStreamReader_FinalLineWithoutNewline(t *testing.T) {
	r := NewStreamReader(strings.NewReader(`{"response":"x"}` + "\n" + `{"response":"y"}`))

	var got []string
	require.NoError(t, r.Process(context.Background(), func(f Fragment) { got = append(got, f.Text) }))
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestStreamReader_TruncatedFinalLineIsDropped(t *testing.T) {
	r := NewStreamReader(strings.NewReader(`{"response":"x"}` + "\n" + `{"respo`))

	var got []string
	require.NoError(t, r.Process(context.Background(), func(f Fragment) { got = append(got, f.Text) }))
	assert.Equal(t, []string{"x"}, got)
	assert.Equal(t, 1, r.Dropped())
}

func TestStreamReader_StopsAtDone(t *testing.T) {
	body := "{\"response\":\"a\",\"done\":true}\n{\"response\":\"ignored\"}\n"
	var got []string
	require.NoError(t, NewStreamReader(strings.NewReader(body)).Process(context.Background(), func(f Fragment) {
		got = append(got, f.Text)
	}))
	assert.Equal(t, []string{"a"}, got)
}

func TestStreamReader_TransportError(t *testing.T) {
	broken := io.MultiReader(
		strings.NewReader("{\"response\":\"a\"}\n"),
		iotest.ErrReader(io.ErrUnexpectedEOF),
	)
	var got []string
	err := NewStreamReader(broken).Process(context.Background(), func(f Fragment) { got = append(got, f.Text) })

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"a"}, got)
}

func TestStreamReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewStreamReader(strings.NewReader("{\"response\":\"a\"}\n")).Process(ctx, func(Fragment) {
		t.Error("callback called after cancel")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// STREAMING GENERATE TESTS
// =============================================================================

func TestGenerateStream_Fragments(t *testing.T) {
	gotCh := make(chan GenerateRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got
		streamLines(
			`{"response":"a","done":false}`+"\n",
			`{"respon`, // split across two writes
			`se":"b","done":false}`+"\n",
			`{"response":"","done":true}`+"\n",
		)(w, r)
	}))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	frags := collect(t, stream.Fragments(context.Background()))
	require.Len(t, frags, 3)
	assert.Equal(t, "a", frags[0].Text)
	assert.Equal(t, "b", frags[1].Text)
	assert.True(t, frags[2].Done)
	for _, f := range frags {
		assert.NoError(t, f.Err)
	}
	got := <-gotCh
	assert.True(t, got.Stream)
	assert.Equal(t, "hi", got.Prompt)
}

func TestGenerateStream_NaturalEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"a"}`+"\n", `{"response":"b"}`+"\n"))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	frags := collect(t, stream.Fragments(context.Background()))
	require.Len(t, frags, 2)
	assert.False(t, frags[1].Done)
	assert.NoError(t, frags[1].Err)
}

func TestGenerateStream_CountsDroppedLines(t *testing.T) {
	srv := httptest.NewServer(streamLines(
		`{"response":"a"}`+"\n",
		`not json`+"\n",
		`{"response":"b","done":true}`+"\n",
	))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	frags := collect(t, stream.Fragments(context.Background()))
	require.Len(t, frags, 2)
	assert.Equal(t, 1, stream.Dropped())
}

func TestGenerateStream_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamLines(`{"response":"partial"}` + "\n")(w, r)
		// Drop the connection without finishing the chunked body.
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	frags := collect(t, stream.Fragments(context.Background()))
	require.Len(t, frags, 2)
	assert.Equal(t, "partial", frags[0].Text)
	require.Error(t, frags[1].Err)
	assert.Equal(t, ErrTypeConnection, ErrorTypeOf(frags[1].Err))
}

func TestGenerateStream_PreStreamFailures(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: deadURL(t)}).GenerateStream(context.Background(), "hi")
	assert.True(t, IsNotRunning(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err = NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, ErrTypeInvalidResponse, ErrorTypeOf(err))
}

func TestGenerateStream_CancelStopsProducer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				io.WriteString(w, `{"response":"tick"}`+"\n")
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL, StreamBuffer: 1}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := stream.Fragments(ctx)

	first := <-ch
	assert.Equal(t, "tick", first.Text)
	cancel()

	// The channel must close without a terminal error fragment.
	for f := range ch {
		assert.NoError(t, f.Err)
	}
}

func TestGenerateStream_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamLines(`{"response":"slow"}` + "\n")(w, r)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
	stream, err := c.GenerateStream(context.Background(), "hi")
	require.NoError(t, err)

	frags := collect(t, stream.Fragments(context.Background()))
	require.NotEmpty(t, frags)
	last := frags[len(frags)-1]
	assert.True(t, IsTimeout(last.Err), "got %v", last.Err)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(streamLines(`{"response":"a"}` + "\n"))
	defer srv.Close()

	stream, err := NewClient(ClientConfig{BaseURL: srv.URL}).GenerateStream(context.Background(), "hi")
	require.NoError(t, err)
	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}
