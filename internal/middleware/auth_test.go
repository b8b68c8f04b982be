package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"open", "", "", "", http.StatusNoContent},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "Bearer nope", "", http.StatusUnauthorized},
		{"header", "s3cret", "Bearer s3cret", "", http.StatusNoContent},
		{"query", "s3cret", "", "?token=s3cret", http.StatusNoContent},
		{"basic scheme", "s3cret", "Basic s3cret", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/peers"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth(tc.token)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { seen = GetRequestID(r) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRecovererWritesProblem(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "problem+json")
}

func TestRequestIDRejectsUntrusted(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) { seen = GetRequestID(r) }))

	for _, bad := range []string{strings.Repeat("x", maxRequestID+1), "a b", "id\x00"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, bad)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, bad, seen)
		assert.Len(t, seen, 36)
	}
}

func TestRecovererRepanicsOnAbort(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLoggerKeepsFirstStatus(t *testing.T) {
	h := LoggerMW(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/peers", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "tea", rec.Body.String())

	assert.True(t, isQuiet("/healthz"))
	assert.True(t, isQuiet("/metrics"))
	assert.False(t, isQuiet("/api/v1/peers"))
	assert.False(t, isQuiet("/healthzz"))
}
