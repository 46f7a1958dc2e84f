package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/runbox/internal/files"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/runbox/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*gateway.Service, *sandboxtest.Fake) {
	t.Helper()
	fake := sandboxtest.New()
	mgr := session.NewManager(fake, session.Options{}, testLogger())
	return gateway.NewService(mgr, fake, nil, testLogger()), fake
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body protocol.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestDownloadHandler(t *testing.T) {
	svc, fake := newTestService(t)
	if err := svc.UpdateFile(context.Background(), "s1", "report.pdf", ""); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	fake.SetFile(sandboxtest.DefaultWorkDir+"/report.pdf", []byte("%PDF-1.4"))
	fake.SetFile(sandboxtest.DefaultWorkDir+"/my file.txt", []byte("hello"))

	h := DownloadHandler(svc, testLogger())

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantType string
		wantBody string
	}{
		{"pdf", "/v1/download/s1/report.pdf", http.StatusOK, "application/pdf", "%PDF-1.4"},
		{"escaped name", "/v1/download/s1/my%20file.txt", http.StatusOK, "text/plain; charset=utf-8", "hello"},
		{"missing file", "/v1/download/s1/nope.png", http.StatusNotFound, "", ""},
		{"unknown session", "/v1/download/s9/report.pdf", http.StatusNotFound, "", ""},
		{"no filename", "/v1/download/s1/", http.StatusNotFound, "", ""},
		{"nested path", "/v1/download/s1/a/b", http.StatusNotFound, "", ""},
		{"encoded traversal", "/v1/download/s1/..%2Fetc", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("content type = %q, want %q", got, tt.wantType)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestDownloadHandler_NotFoundMessages(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.UpdateFile(context.Background(), "s1", "", ""); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	h := DownloadHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download/nope/x.png", nil))
	if msg := decodeError(t, rec); msg != "Session not found" {
		t.Errorf("unknown session message = %q", msg)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/download/s1/x.png", nil))
	if msg := decodeError(t, rec); msg != "File not found" {
		t.Errorf("missing file message = %q", msg)
	}
}

func TestRequireAPIKey(t *testing.T) {
	keys := map[string]string{"secret": "alice"}
	h := RequireAPIKey(keys, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer secret", "", http.StatusNoContent},
		{"query token", "", "?token=secret", http.StatusNoContent},
		{"wrong key", "Bearer nope", "", http.StatusUnauthorized},
		{"no scheme", "secret", "", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/s1"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLookupKey(t *testing.T) {
	keys := map[string]string{"k1": "alice", "k2": "bob"}
	if id, ok := lookupKey(keys, "k2"); !ok || id != "bob" {
		t.Errorf("lookupKey(k2) = %q, %v", id, ok)
	}
	if _, ok := lookupKey(keys, ""); ok {
		t.Error("empty token must not match")
	}
	if _, ok := lookupKey(map[string]string{"": "anon"}, ""); ok {
		t.Error("empty token must not match an empty key")
	}
}

func TestLimitBody(t *testing.T) {
	h := LimitBody(4, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcd")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdef")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("create: %w", sandbox.ErrUnavailable), http.StatusServiceUnavailable},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{gateway.ErrUnknownSession, http.StatusNotFound},
		{fmt.Errorf("x: %w", sandbox.ErrNotFound), http.StatusNotFound},
		{files.ErrNotFound, http.StatusNotFound},
		{gateway.ErrHistoryDisabled, http.StatusNotFound},
		{fmt.Errorf("%w: %q", gateway.ErrInvalidFilename, "../x"), http.StatusBadRequest},
		{session.ErrInvalidID, http.StatusBadRequest},
		{sandbox.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := clientIP(req); got != "10.1.2.3" {
		t.Errorf("clientIP = %q", got)
	}
	req.RemoteAddr = "unix"
	if got := clientIP(req); got != "unix" {
		t.Errorf("clientIP = %q", got)
	}
}
