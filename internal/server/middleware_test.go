// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

// =============================================================================
// CORS
// =============================================================================

func TestCORS_Wildcard(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig())(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Preflight(t *testing.T) {
	h := CORSMiddleware(DefaultCORSConfig())(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
	assert.Empty(t, rr.Body.String())
}

func TestCORS_Allowlist(t *testing.T) {
	cfg := NewCORSConfig([]string{"https://app.local", "*.example.com"})
	h := CORSMiddleware(cfg)(okHandler)

	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.local", "https://app.local"},
		{"https://api.example.com", "https://api.example.com"},
		{"https://evil.test", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, tt.want, rr.Header().Get("Access-Control-Allow-Origin"), tt.origin)
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("1.2.3.4"), "token refills after a second")
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("1.1.1.1")
	rl.Allow("2.2.2.2")
	require.Equal(t, 2, rl.Clients())

	now = now.Add(2 * limiterIdleTTL)
	rl.Allow("3.3.3.3")
	assert.Equal(t, 1, rl.Clients())
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter(0.001, 1))(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send().Code)

	rr := send()
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body.Error)
}

// =============================================================================
// REQUEST ID AND LOGGING
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var seen string
	h := Chain(RequestIDMiddleware(logger), LoggingMiddleware())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(RequestIDHeader)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	id := rr.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, seen)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "HTTP_REQUEST", entry["message"])
	assert.Equal(t, id, entry["request_id"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "/x", entry["path"])
}

func TestRequestIDMiddleware_KeepsValidID(t *testing.T) {
	h := RequestIDMiddleware(zerolog.Nop())(okHandler)

	supplied := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, supplied)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, supplied, rr.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid\r\n")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.NotEqual(t, "not-a-uuid\r\n", rr.Header().Get(RequestIDHeader))
}

func TestResponseWriter_ForwardsFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := newResponseWriter(rr)

	var w http.ResponseWriter = rw
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	flusher.Flush()
	assert.True(t, rr.Flushed)
	assert.Same(t, rr, rw.Unwrap())
}

// =============================================================================
// RECOVERY AND HEADERS
// =============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, InternalErrorMessage, body.Error)
}

func TestRecoveryMiddleware_RepanicsOnAbort(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRecoveryMiddleware_PanicAfterWriteKeepsResponse(t *testing.T) {
	var logs bytes.Buffer
	h := Chain(RequestIDMiddleware(zerolog.New(&logs)), LoggingMiddleware(), RecoveryMiddleware())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("partial"))
			panic("boom")
		}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "partial", rr.Body.String())
	assert.Contains(t, logs.String(), `"headers_sent":true`)
}

func TestLoggingMiddleware_LogsRecoveredPanic(t *testing.T) {
	var logs bytes.Buffer
	h := Chain(RequestIDMiddleware(zerolog.New(&logs)), LoggingMiddleware(), RecoveryMiddleware())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	out := logs.String()
	assert.Contains(t, out, "PANIC_RECOVERED")
	assert.Contains(t, out, "HTTP_REQUEST")
	assert.Contains(t, out, `"status":500`)
	assert.Contains(t, out, `"path":"/boom"`)
}

func TestLoggingMiddleware_LogsAbortedRequest(t *testing.T) {
	var logs bytes.Buffer
	h := Chain(RequestIDMiddleware(zerolog.New(&logs)), LoggingMiddleware(), RecoveryMiddleware())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Contains(t, logs.String(), "HTTP_REQUEST")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware()(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(mw("a"), mw("b"), mw("c"))(okHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// =============================================================================
// CLIENT IP
// =============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted forwarder ignored", "203.0.113.5:1234", "1.2.3.4", "", "203.0.113.5"},
		{"trusted proxy xff", "127.0.0.1:1234", "198.51.100.7, 10.0.0.1", "", "198.51.100.7"},
		{"trusted proxy real ip", "10.1.2.3:80", "", "198.51.100.8", "198.51.100.8"},
		{"trusted proxy bad header", "10.1.2.3:80", "garbage", "", "10.1.2.3"},
		{"no port", "203.0.113.5", "", "", "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
