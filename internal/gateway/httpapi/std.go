package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jkaninda/runbox/internal/files"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/session"
)

// DownloadPrefix is the path prefix of the file download endpoint.
const DownloadPrefix = "/v1/download/"

// DownloadHandler serves GET /v1/download/{session_id}/{filename} with the
// file's raw bytes.
func DownloadHandler(svc *gateway.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, filename, ok := splitDownloadPath(r.URL.EscapedPath())
		if !ok {
			writeError(w, http.StatusNotFound, "expected /v1/download/{session_id}/{filename}")
			return
		}

		data, mediaType, err := svc.Download(r.Context(), sessionID, filename)
		if err != nil {
			code, msg := StatusFor(err)
			if code >= http.StatusInternalServerError {
				logger.Error("download failed",
					slog.String("session_id", sessionID),
					slog.String("filename", filename),
					slog.String("error", err.Error()),
				)
			}
			writeError(w, code, msg)
			return
		}

		w.Header().Set("Content-Type", mediaType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(filename, `"`, "")+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}

// splitDownloadPath extracts the unescaped session id and filename.
func splitDownloadPath(escaped string) (sessionID, filename string, ok bool) {
	rest, found := strings.CutPrefix(escaped, DownloadPrefix)
	if !found {
		return "", "", false
	}
	rawID, rawName, found := strings.Cut(rest, "/")
	if !found || rawID == "" || rawName == "" || strings.Contains(rawName, "/") {
		return "", "", false
	}
	var err error
	if sessionID, err = url.PathUnescape(rawID); err != nil {
		return "", "", false
	}
	if filename, err = url.PathUnescape(rawName); err != nil {
		return "", "", false
	}
	return sessionID, filename, true
}

// RequireAPIKey rejects requests without a known bearer key. Browsers cannot
// set headers on a WebSocket upgrade, so a "token" query parameter is
// accepted as well.
func RequireAPIKey(keys map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if _, ok := lookupKey(keys, token); !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBody caps request bodies at limit bytes.
func LimitBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// StatusFor maps a service error to an HTTP status and client message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrUnavailable), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "Sandbox not available"
	case errors.Is(err, gateway.ErrUnknownSession):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, gateway.ErrHistoryDisabled):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, gateway.ErrInvalidFilename), errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusGatewayTimeout, "Sandbox operation timed out"
	default:
		return http.StatusInternalServerError, "Execution error: " + err.Error()
	}
}

// lookupKey compares token against every key in constant time.
func lookupKey(keys map[string]string, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	userID, found := "", false
	for key, id := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			userID, found = id, true
		}
	}
	return userID, found
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: msg})
}
