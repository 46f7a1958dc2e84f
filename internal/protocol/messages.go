// Package protocol defines the wire types shared by the gateways and the
// CLI clients: terminal input frames and the HTTP API payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jkaninda/runbox/internal/artifact"
)

// --- Terminal (WebSocket) ---

// Input is one client → server terminal frame. Clients may send either this
// JSON object or raw keystrokes; see ParseInput.
type Input struct {
	Identity string `json:"identity,omitempty"`
	Email    string `json:"email,omitempty"` // Legacy alias for Identity.
	Command  string `json:"command"`
}

// Who returns the caller identity, preferring Identity over Email.
func (in Input) Who() string {
	if in.Identity != "" {
		return in.Identity
	}
	return in.Email
}

// ParseInput decodes a terminal frame. Anything that is not a JSON object
// with string fields is treated as raw keystrokes with no identity.
func ParseInput(raw []byte) Input {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var in Input
		if err := json.Unmarshal(trimmed, &in); err == nil {
			return in
		}
	}
	return Input{Command: string(raw)}
}

// --- HTTP API ---

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	SourceCode string `json:"sourceCode" validate:"required,max=1048576"`
	Email      string `json:"email,omitempty" validate:"omitempty,max=320"`
	Identity   string `json:"identity,omitempty" validate:"omitempty,max=320"`
}

// Who returns the caller identity, preferring Identity over Email.
func (r ExecuteRequest) Who() string {
	if r.Identity != "" {
		return r.Identity
	}
	return r.Email
}

// RunResult is the process outcome inside an ExecuteResponse.
type RunResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   int    `json:"code"`
}

// ExecuteResponse is the body returned by POST /v1/execute.
type ExecuteResponse struct {
	Run   RunResult           `json:"run"`
	Files []artifact.Artifact `json:"files"`
}

// UpdateFileRequest is the body of POST /v1/update-file/{session_id}.
type UpdateFileRequest struct {
	Filename string `json:"filename,omitempty" validate:"omitempty,max=255,excludesall=/\\"`
	Content  string `json:"content" validate:"max=10485760"`
}

// StatusResponse is a minimal acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// FileInfo describes one file in a session working directory.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	DownloadURL string    `json:"download_url"`
}

// FilesResponse is the body returned by GET /v1/files/{session_id}.
type FilesResponse struct {
	SessionID string     `json:"session_id"`
	Files     []FileInfo `json:"files"`
	Count     int        `json:"count"`
}

// SessionsResponse is the body returned by GET /v1/sessions.
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Banner is the body of GET /.
type Banner struct {
	Message          string `json:"message"`
	Version          string `json:"version"`
	Docs             string `json:"docs"`
	ExecuteEndpoint  string `json:"execute_endpoint"`
	SandboxAvailable bool   `json:"sandbox_available"`
}
