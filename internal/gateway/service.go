package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/artifact"
	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var (
	// ErrUnknownSession is returned for operations on a session that is not live.
	ErrUnknownSession = errors.New("session not found")

	// ErrInvalidFilename is returned for names that are not a plain file name.
	ErrInvalidFilename = errors.New("invalid filename")

	// ErrHistoryDisabled is returned by History when no store is configured.
	ErrHistoryDisabled = errors.New("execution history is disabled")
)

// Service implements the session operations exposed by the HTTP API and
// the MCP tools.
type Service struct {
	sessions *session.Manager
	client   sandbox.Client
	history  storage.ExecutionStore // nil = history disabled
	logger   *slog.Logger

	newID func() string
}

// NewService creates a Service. history may be nil.
func NewService(sessions *session.Manager, client sandbox.Client, history storage.ExecutionStore, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		client:   client,
		history:  history,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// SandboxAvailable reports whether the sandbox backend answers.
func (s *Service) SandboxAvailable(ctx context.Context) bool {
	return s.client.Ping(ctx) == nil
}

// HistoryEnabled reports whether execution records are kept.
func (s *Service) HistoryEnabled() bool {
	return s.history != nil
}

// Execute runs code in a throwaway session and returns its output and
// artifacts. The session is destroyed before returning.
func (s *Service) Execute(ctx context.Context, code, identity string) (*protocol.ExecuteResponse, error) {
	id := s.newID()
	sess, err := s.sessions.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.sessions.Destroy(context.WithoutCancel(ctx), id)

	res, err := sess.Commands.ExecuteScript(ctx, code, identity)
	if err != nil {
		return nil, err
	}
	return &protocol.ExecuteResponse{
		Run: protocol.RunResult{
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Code:   res.ExitCode,
		},
		Files: res.Files,
	}, nil
}

// RunCommand dispatches one terminal command in a persistent session,
// creating the session if needed.
func (s *Service) RunCommand(ctx context.Context, sessionID, cmd, identity string) (command.Result, error) {
	sess, err := s.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return command.Result{}, err
	}
	res := sess.Commands.Dispatch(ctx, cmd, identity)
	if errors.Is(res.Err, sandbox.ErrUnavailable) {
		return res, res.Err
	}
	return res, nil
}

// UpdateFile writes content to a file in a session, creating the session if
// needed. An empty filename selects the session's script.
func (s *Service) UpdateFile(ctx context.Context, sessionID, filename, content string) error {
	if filename != "" && !validFilename(filename) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	sess, err := s.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return err
	}
	if filename == "" {
		filename = sess.Commands.ScriptName()
	}
	sess.Files.Write(ctx, filename, content)
	return nil
}

// Files lists the working directory of a live session. When the sandbox
// listing fails, the files known to the cache are listed instead.
func (s *Service) Files(ctx context.Context, sessionID string) (*protocol.FilesResponse, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.Touch()

	entries, err := sess.Files.Entries(ctx)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnavailable) {
			return nil, err
		}
		s.logger.WarnContext(ctx, "file listing failed, using cached files",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		entries = sess.Files.Cached()
	}
	out := make([]protocol.FileInfo, len(entries))
	for i, e := range entries {
		out[i] = protocol.FileInfo{
			Name:        e.Name,
			Size:        e.Size,
			Modified:    e.Modified,
			DownloadURL: DownloadURL(sessionID, e.Name),
		}
	}
	return &protocol.FilesResponse{SessionID: sessionID, Files: out, Count: len(out)}, nil
}

// Download returns the content of a file in a live session and its media
// type. Cached content is served before the sandbox is read. A missing file
// is reported as files.ErrNotFound.
func (s *Service) Download(ctx context.Context, sessionID, filename string) ([]byte, string, error) {
	sess, err := s.fileSession(sessionID, filename)
	if err != nil {
		return nil, "", err
	}
	content, err := sess.Files.Lookup(ctx, filename)
	if err != nil {
		return nil, "", err
	}
	data := []byte(content)
	return data, MediaType(filename, data), nil
}

// ReadFile returns the content of a file in a live session, or "" when it
// cannot be read.
func (s *Service) ReadFile(ctx context.Context, sessionID, filename string) (string, error) {
	sess, err := s.fileSession(sessionID, filename)
	if err != nil {
		return "", err
	}
	return sess.Files.Read(ctx, filename), nil
}

// ListFiles returns the filenames in the working directory of a live session.
func (s *Service) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.Touch()
	return sess.Files.List(ctx), nil
}

// DeleteFile removes a file from a live session.
func (s *Service) DeleteFile(ctx context.Context, sessionID, filename string) error {
	sess, err := s.fileSession(sessionID, filename)
	if err != nil {
		return err
	}
	sess.Files.Delete(ctx, filename)
	return nil
}

func (s *Service) fileSession(sessionID, filename string) (*session.Session, error) {
	if !validFilename(filename) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.Touch()
	return sess, nil
}

// Sessions returns the ids of every live session.
func (s *Service) Sessions() protocol.SessionsResponse {
	ids := s.sessions.IDs()
	return protocol.SessionsResponse{Sessions: ids, Count: len(ids)}
}

// History returns the most recent execution records of a session, newest
// first. limit <= 0 selects the default.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]storage.Execution, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	records, err := s.history.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history for %s: %w", sessionID, err)
	}
	if records == nil {
		records = []storage.Execution{}
	}
	return records, nil
}

// DownloadURL is the API path serving a session file.
func DownloadURL(sessionID, filename string) string {
	return "/v1/download/" + url.PathEscape(sessionID) + "/" + url.PathEscape(filename)
}

// MediaType picks the content type of a download: known artifact
// extensions first, then content sniffing.
func MediaType(filename string, data []byte) string {
	if t := artifact.MediaType(filename); t != "" {
		return t
	}
	return mimetype.Detect(data).String()
}

// validFilename accepts a single path element.
func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && path.Base(name) == name && !strings.ContainsRune(name, 0)
}
