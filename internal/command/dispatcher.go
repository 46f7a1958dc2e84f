// Package command maps the terminal's small shell-like vocabulary onto
// sandbox primitives and runs whole scripts for the one-shot path.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/artifact"
	"github.com/jkaninda/runbox/internal/files"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/storage"
)

const (
	// DefaultInterpreter runs scripts and "python <file>" commands.
	DefaultInterpreter = "python3"

	// DefaultScriptName is the session's current script file.
	DefaultScriptName = "script.py"

	// DefaultTimeout bounds every sandbox exec issued by a dispatcher.
	DefaultTimeout = 30 * time.Second

	// ClearScreen is the ANSI sequence returned for "clear".
	ClearScreen = "\x1b[2J\x1b[H"

	// ExitTimeout is reported when an exec exceeds its deadline.
	ExitTimeout = 124

	unauthorizedCommand = "Error: Unauthorized. Only authorized users can execute commands."
	unauthorizedCode    = "Error: Unauthorized. Only authorized users can execute code."
)

// Result is the outcome of one terminal command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err is the sandbox failure behind an error result, if any.
	Err error
}

// Text renders the result for a terminal.
func (r Result) Text() string {
	return r.Stdout + r.Stderr
}

// ExecutionResult is the outcome of a script run.
type ExecutionResult struct {
	Stdout   string              `json:"stdout"`
	Stderr   string              `json:"stderr"`
	ExitCode int                 `json:"code"`
	Files    []artifact.Artifact `json:"files"`
}

// Recorder persists execution history. storage.ExecutionStore satisfies it.
type Recorder interface {
	Save(ctx context.Context, e *storage.Execution) error
}

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	Authorizer  Authorizer // nil authorizes everyone
	Recorder    Recorder   // nil disables history
	Harvester   *artifact.Harvester
	Interpreter string
	ScriptName  string
	Timeout     time.Duration
}

// Dispatcher runs commands for one session.
type Dispatcher struct {
	client    sandbox.Client
	handle    *sandbox.Handle
	files     *files.Cache
	harvester *artifact.Harvester
	auth      Authorizer
	recorder  Recorder
	logger    *slog.Logger

	interpreter string
	script      string
	timeout     time.Duration
	routes      []route
}

// New creates a dispatcher bound to a session's sandbox and file cache.
func New(client sandbox.Client, handle *sandbox.Handle, cache *files.Cache, opts Options, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:      client,
		handle:      handle,
		files:       cache,
		harvester:   opts.Harvester,
		auth:        opts.Authorizer,
		recorder:    opts.Recorder,
		logger:      logger,
		interpreter: opts.Interpreter,
		script:      opts.ScriptName,
		timeout:     opts.Timeout,
		routes:      defaultRoutes(),
	}
	if d.auth == nil {
		d.auth = AllowAll{}
	}
	if d.harvester == nil {
		d.harvester = artifact.NewHarvester(client, logger)
	}
	if d.interpreter == "" {
		d.interpreter = DefaultInterpreter
	}
	if d.script == "" {
		d.script = DefaultScriptName
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// ScriptName returns the session's current script filename.
func (d *Dispatcher) ScriptName() string { return d.script }

// Dispatch authorizes and runs one terminal command line.
func (d *Dispatcher) Dispatch(ctx context.Context, command, identity string) Result {
	if !d.auth.IsAuthorized(identity) {
		d.logger.WarnContext(ctx, "unauthorized command rejected",
			slog.String("session_id", d.handle.SessionID),
			slog.String("identity", identity),
		)
		return Result{Stderr: unauthorizedCommand, ExitCode: 1}
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}
	}

	start := time.Now()
	res := d.route(ctx, command)
	elapsed := time.Since(start)

	d.logger.DebugContext(ctx, "command dispatched",
		slog.String("session_id", d.handle.SessionID),
		slog.String("command", command),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", elapsed),
	)
	d.record(ctx, storage.KindCommand, command, identity, res.ExitCode, elapsed, errors.Is(res.Err, sandbox.ErrTimeout))
	return res
}

func (d *Dispatcher) route(ctx context.Context, command string) Result {
	for _, r := range d.routes {
		if arg, ok := r.match(command); ok {
			return r.handle(d, ctx, command, arg)
		}
	}
	return d.shell(ctx, command, "")
}

// ExecuteScript replaces the current script with code, runs it and collects
// generated artifacts. A nonzero exit moves the output to Stderr. Only an
// unreachable sandbox is returned as an error.
func (d *Dispatcher) ExecuteScript(ctx context.Context, code, identity string) (*ExecutionResult, error) {
	if !d.auth.IsAuthorized(identity) {
		d.logger.WarnContext(ctx, "unauthorized script rejected",
			slog.String("session_id", d.handle.SessionID),
			slog.String("identity", identity),
		)
		return &ExecutionResult{Stderr: unauthorizedCode, ExitCode: 1, Files: []artifact.Artifact{}}, nil
	}

	start := time.Now()
	d.files.Write(ctx, d.script, code)

	res, err := d.client.Exec(ctx, d.handle, sandbox.ExecRequest{
		Command: []string{d.interpreter, d.script},
		WorkDir: d.handle.WorkDir,
		Timeout: d.timeout,
	})

	var result *ExecutionResult
	switch {
	case err == nil:
		out := decode(res.Output)
		result = &ExecutionResult{Stdout: out, ExitCode: res.ExitCode}
		if res.ExitCode != 0 {
			result.Stdout, result.Stderr = "", out
		}
		result.Files = d.harvest(ctx)
	case errors.Is(err, sandbox.ErrUnavailable):
		return nil, fmt.Errorf("executing script: %w", err)
	case errors.Is(err, sandbox.ErrTimeout):
		result = &ExecutionResult{
			Stderr:   d.timeoutMessage(),
			ExitCode: ExitTimeout,
			Files:    d.harvest(ctx),
		}
	default:
		result = &ExecutionResult{
			Stderr:   fmt.Sprintf("Execution error: %v", err),
			ExitCode: 1,
			Files:    []artifact.Artifact{},
		}
	}

	elapsed := time.Since(start)
	d.logger.InfoContext(ctx, "script executed",
		slog.String("session_id", d.handle.SessionID),
		slog.Int("exit_code", result.ExitCode),
		slog.Int("artifacts", len(result.Files)),
		slog.Duration("duration", elapsed),
	)
	d.record(ctx, storage.KindScript, code, identity, result.ExitCode, elapsed, errors.Is(err, sandbox.ErrTimeout))
	return result, nil
}

func (d *Dispatcher) harvest(ctx context.Context) []artifact.Artifact {
	found := d.harvester.Harvest(ctx, d.handle)
	if found == nil {
		return []artifact.Artifact{}
	}
	return found
}

// exec runs argv in the sandbox and converts the outcome to a Result.
func (d *Dispatcher) exec(ctx context.Context, argv []string, workDir string) Result {
	res, err := d.client.Exec(ctx, d.handle, sandbox.ExecRequest{
		Command: argv,
		WorkDir: workDir,
		Timeout: d.timeout,
	})
	if err != nil {
		return d.failure(err)
	}
	return Result{Stdout: decode(res.Output), ExitCode: res.ExitCode}
}

func (d *Dispatcher) failure(err error) Result {
	if errors.Is(err, sandbox.ErrTimeout) {
		return Result{Stderr: d.timeoutMessage(), ExitCode: ExitTimeout, Err: err}
	}
	return Result{Stderr: fmt.Sprintf("Error executing command: %v\n", err), ExitCode: 1, Err: err}
}

func (d *Dispatcher) timeoutMessage() string {
	return fmt.Sprintf("Execution timed out after %s\n", d.timeout)
}

func (d *Dispatcher) record(ctx context.Context, kind, command, identity string, exitCode int, elapsed time.Duration, timedOut bool) {
	if d.recorder == nil {
		return
	}

	// The caller's context may already be canceled by a disconnect.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := d.recorder.Save(saveCtx, &storage.Execution{
		SessionID:  d.handle.SessionID,
		Kind:       kind,
		Command:    command,
		Identity:   identity,
		ExitCode:   exitCode,
		DurationMs: elapsed.Milliseconds(),
		TimedOut:   timedOut,
	})
	if err != nil {
		d.logger.Warn("recording execution failed",
			slog.String("session_id", d.handle.SessionID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// decode drops invalid UTF-8 from sandbox output.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
