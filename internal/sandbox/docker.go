package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerImage     = "python-executor:latest"
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 0.5
	defaultNamePrefix      = "runbox_session_"
	defaultVolumePrefix    = "runbox_session_"
	defaultWorkDir         = "/app/user_files"
	defaultExecUser        = "codeuser"
)

// DockerConfig configures the Docker-based sandbox client.
type DockerConfig struct {
	Image          string        // Container image (e.g. "python-executor:latest").
	NamePrefix     string        // Container name = prefix + session ID.
	VolumePrefix   string        // Volume name = prefix + session ID.
	WorkDir        string        // Mount point of the session volume.
	User           string        // Default exec user.
	DefaultTimeout time.Duration // Per-exec wall-clock timeout.
	Limits         Limits
	RemoveVolumes  bool // Remove the session volume on Destroy.
}

// DockerClient runs one long-lived container per session and drives it with
// the docker CLI.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Commands exec as an unprivileged user
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - Exec output capped to prevent OOM on the host
type DockerClient struct {
	config    DockerConfig
	dockerBin string
	logger    *slog.Logger
}

// NewDockerClient creates a Docker-based sandbox client.
func NewDockerClient(cfg DockerConfig, logger *slog.Logger) *DockerClient {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = defaultNamePrefix
	}
	if cfg.VolumePrefix == "" {
		cfg.VolumePrefix = defaultVolumePrefix
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if cfg.User == "" {
		cfg.User = defaultExecUser
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Limits.MemoryMB == 0 {
		cfg.Limits.MemoryMB = defaultMemoryMB
	}
	if cfg.Limits.CPUCores <= 0 {
		cfg.Limits.CPUCores = defaultDockerCPUCores
	}
	if cfg.Limits.PIDsLimit <= 0 {
		cfg.Limits.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerClient{
		config:    cfg,
		dockerBin: findDocker(),
		logger:    logger,
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations.
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/usr/local/bin/docker",
		"/usr/bin/docker",
		"/opt/homebrew/bin/docker",
		"/Applications/Docker.app/Contents/Resources/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (s *DockerClient) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, s.dockerBin, args...)
}

// Create starts a detached container with the session volume mounted.
func (s *DockerClient) Create(ctx context.Context, sessionID string) (*Handle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	name := s.config.NamePrefix + sessionID
	volume := s.config.VolumePrefix + sessionID

	// A container left behind by a crashed process would make `run` fail
	// with a name conflict.
	s.forceRemoveContainer(name)

	args := s.buildRunArgs(name, volume)

	s.logger.Info("docker sandbox creating",
		slog.String("session_id", sessionID),
		slog.String("container", name),
		slog.String("image", s.config.Image),
		slog.Int("memory_mb", s.config.Limits.MemoryMB),
		slog.Float64("cpu_cores", s.config.Limits.CPUCores),
	)

	var stdout, stderr bytes.Buffer
	cmd := s.docker(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classifyDockerError("docker run", err, stderr.String())
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return nil, fmt.Errorf("docker run returned no container id")
	}

	s.logger.Info("docker sandbox created",
		slog.String("session_id", sessionID),
		slog.String("container_id", id[:min(12, len(id))]),
	)

	return &Handle{
		ID:        id,
		Name:      name,
		SessionID: sessionID,
		WorkDir:   s.config.WorkDir,
		Volume:    volume,
		Limits:    s.config.Limits,
		CreatedAt: time.Now(),
	}, nil
}

// buildRunArgs constructs the docker run argument list for a session container.
func (s *DockerClient) buildRunArgs(name, volume string) []string {
	memoryFlag := strconv.Itoa(s.config.Limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.config.Limits.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(s.config.Limits.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=64m",
		"--volume", volume + ":" + s.config.WorkDir,
		"--workdir", s.config.WorkDir,

		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=xterm",
		"--env", "MPLBACKEND=Agg",
	}

	if s.config.Limits.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	args = append(args, s.config.Image, "tail", "-f", "/dev/null")
	return args
}

// Exec runs a command inside the session container.
func (s *DockerClient) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	if h == nil {
		return nil, fmt.Errorf("nil sandbox handle")
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	user := req.User
	if user == "" {
		user = s.config.User
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = h.WorkDir
	}

	args := []string{"exec", "-u", user, "-w", workDir, h.ID}
	args = append(args, req.Command...)

	cmd := s.docker(ctx, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	s.logger.Debug("docker sandbox exec",
		slog.String("session_id", h.SessionID),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			err := interrupted(ctx, timeout)
			s.logger.Warn("docker sandbox exec interrupted",
				slog.String("session_id", h.SessionID),
				slog.Duration("timeout", timeout),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, classifyDockerError("docker exec", runErr, "")
		}
		exitCode = exitErr.ExitCode()

		// Daemon-side failures surface as a nonzero exit with the daemon's
		// message in the output rather than the command's.
		if msg := out.String(); strings.HasPrefix(msg, "Error response from daemon:") {
			return nil, classifyDockerError("docker exec", runErr, msg)
		}
	}

	return &ExecResult{
		Output:   out.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// PutFile streams a single-entry tar into the destination directory.
func (s *DockerClient) PutFile(ctx context.Context, h *Handle, destPath string, content []byte) error {
	if h == nil {
		return fmt.Errorf("nil sandbox handle")
	}
	archive, err := singleFileTar(path.Base(destPath), content)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := s.docker(ctx, "cp", "-", h.ID+":"+path.Dir(destPath))
	cmd.Stdin = bytes.NewReader(archive)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classifyDockerError("docker cp", err, stderr.String())
	}
	return nil
}

// GetFile copies a single file out of the container as a tar stream.
func (s *DockerClient) GetFile(ctx context.Context, h *Handle, filePath string) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("nil sandbox handle")
	}

	var stdout, stderr bytes.Buffer
	cmd := s.docker(ctx, "cp", h.ID+":"+filePath, "-")
	// Leave room for tar headers and padding around the largest allowed file.
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxFileBytes + 64<<10}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classifyDockerError("docker cp", err, stderr.String())
	}
	return firstRegularFile(&stdout)
}

// Destroy force-removes the container and, when configured, its volume.
func (s *DockerClient) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	var stderr bytes.Buffer
	cmd := s.docker(ctx, "rm", "-f", h.ID)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if !strings.Contains(stderr.String(), "No such container") {
			return classifyDockerError("docker rm", err, stderr.String())
		}
	}

	if s.config.RemoveVolumes && h.Volume != "" {
		out, err := s.docker(ctx, "volume", "rm", "-f", h.Volume).CombinedOutput()
		if err != nil {
			s.logger.Warn("docker volume rm failed",
				slog.String("volume", h.Volume),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}

	s.logger.Info("docker sandbox destroyed",
		slog.String("session_id", h.SessionID),
		slog.String("container_id", h.ShortID()),
	)
	return nil
}

// Ping checks that the docker daemon answers.
func (s *DockerClient) Ping(ctx context.Context) error {
	var stderr bytes.Buffer
	cmd := s.docker(ctx, "info", "--format", "{{.ServerVersion}}")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, firstLine(stderr.String(), err))
	}
	return nil
}

// forceRemoveContainer removes a container by name, ignoring "No such container".
// Errors are logged but not returned (best-effort cleanup).
func (s *DockerClient) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := s.docker(ctx, "rm", "-f", name).CombinedOutput()
	if err != nil {
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// classifyDockerError maps docker CLI failures onto the package sentinels.
func classifyDockerError(op string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w: docker binary not found", op, ErrUnavailable)
	}
	switch {
	case strings.Contains(stderr, "Cannot connect to the Docker daemon"),
		strings.Contains(stderr, "Is the docker daemon running"),
		strings.Contains(stderr, "error during connect"):
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, firstLine(stderr, err))
	case strings.Contains(stderr, "No such container"),
		strings.Contains(stderr, "Could not find the file"),
		strings.Contains(stderr, "No such file or directory"):
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, firstLine(stderr, err))
	}
	return fmt.Errorf("%s: %s", op, firstLine(stderr, err))
}

func firstLine(s string, fallback error) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.Error()
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
