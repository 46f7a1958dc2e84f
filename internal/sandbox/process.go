package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps combined output to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	// maxFileBytes caps single file reads.
	maxFileBytes = 32 << 20 // 32 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based sandbox client.
type ProcessConfig struct {
	RootDir        string // Parent of per-session directories. Default: $TMPDIR/runbox.
	DirPrefix      string // Session directory = prefix + session ID.
	DefaultTimeout time.Duration
	MaxCPUSeconds  int // ulimit -t
	MaxMemoryMB    int // ulimit -v
	RemoveData     bool
}

// ProcessClient runs session commands as host processes inside a dedicated
// directory. Intended for development and tests where Docker is unavailable.
//
// Security guarantees:
//   - Each session gets its own directory
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - Output capped to prevent OOM
//
// It provides no filesystem or network isolation.
type ProcessClient struct {
	config ProcessConfig
	logger *slog.Logger
}

// NewProcessClient creates a process-based sandbox client.
func NewProcessClient(cfg ProcessConfig, logger *slog.Logger) *ProcessClient {
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(os.TempDir(), "runbox")
	}
	if cfg.DirPrefix == "" {
		cfg.DirPrefix = defaultVolumePrefix
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxCPUSeconds == 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessClient{config: cfg, logger: logger}
}

// Create makes the session directory.
func (s *ProcessClient) Create(_ context.Context, sessionID string) (*Handle, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := filepath.Join(s.config.RootDir, s.config.DirPrefix+sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating session dir %s: %w", dir, err)
	}

	s.logger.Info("process sandbox created",
		slog.String("session_id", sessionID),
		slog.String("dir", dir),
	)

	return &Handle{
		ID:        dir,
		Name:      filepath.Base(dir),
		SessionID: sessionID,
		WorkDir:   dir,
		Volume:    dir,
		Limits:    Limits{MemoryMB: s.config.MaxMemoryMB},
		CreatedAt: time.Now(),
	}, nil
}

// Exec runs a command with ulimit enforcement inside the session directory.
func (s *ProcessClient) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	if h == nil {
		return nil, fmt.Errorf("nil sandbox handle")
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if _, err := os.Stat(h.WorkDir); err != nil {
		return nil, fmt.Errorf("session dir: %w", ErrNotFound)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// sh -c 'ulimit ...; exec "$@"' _ cmd args...
	// The user's argv is passed positionally, never interpolated.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		s.config.MaxMemoryMB*1024, s.config.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = h.WorkDir
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = s.buildEnv(h.WorkDir)

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			err := interrupted(ctx, timeout)
			s.logger.Warn("process sandbox exec interrupted",
				slog.String("session_id", h.SessionID),
				slog.Duration("timeout", timeout),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecResult{
		Output:   out.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// PutFile writes content under the session directory.
func (s *ProcessClient) PutFile(_ context.Context, h *Handle, destPath string, content []byte) error {
	if h == nil {
		return fmt.Errorf("nil sandbox handle")
	}
	p, err := s.hostPath(h, destPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}
	return os.WriteFile(p, content, 0666)
}

// GetFile reads a regular file under the session directory.
func (s *ProcessClient) GetFile(_ context.Context, h *Handle, filePath string) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("nil sandbox handle")
	}
	p, err := s.hostPath(h, filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", filePath, ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", filePath, ErrNotFound)
	}
	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("file %s is %d bytes, limit is %d", filePath, info.Size(), maxFileBytes)
	}
	return io.ReadAll(f)
}

// Destroy removes the session directory when RemoveData is set.
func (s *ProcessClient) Destroy(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if s.config.RemoveData {
		if err := os.RemoveAll(h.WorkDir); err != nil {
			return fmt.Errorf("removing session dir: %w", err)
		}
	}
	s.logger.Info("process sandbox destroyed", slog.String("session_id", h.SessionID))
	return nil
}

// Ping checks that a shell is available.
func (s *ProcessClient) Ping(_ context.Context) error {
	if _, err := os.Stat("/bin/sh"); err != nil {
		return fmt.Errorf("%w: /bin/sh: %v", ErrUnavailable, err)
	}
	return nil
}

// hostPath maps a sandbox path onto the session directory. Absolute paths
// must already live under the session directory.
func (s *ProcessClient) hostPath(h *Handle, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(h.WorkDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(h.WorkDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes session dir", p)
	}
	return p, nil
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is never inherited.
func (s *ProcessClient) buildEnv(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"MPLBACKEND=Agg",
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
