package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/runbox/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Manager, *sandboxtest.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := sandboxtest.New()
	mgr := session.NewManager(fake, session.Options{}, logger)
	svc := gateway.NewService(mgr, fake, nil, logger)
	return NewServer(svc, "test", logger), mgr, fake
}

func call(name string, args map[string]any) mcpgo.CallToolRequest {
	var req mcpgo.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcpgo.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestExecuteCode(t *testing.T) {
	s, mgr, fake := newTestServer(t)
	fake.ExecFunc = func(h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		if req.Command[0] != "python3" {
			return nil, nil
		}
		return &sandbox.ExecResult{Output: []byte("42\n")}, nil
	}

	res, err := s.executeCode(context.Background(), call(ToolExecuteCode, map[string]any{"code": "print(42)"}))
	if err != nil {
		t.Fatalf("executeCode: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var out protocol.ExecuteResponse
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.Run.Stdout != "42\n" || out.Run.Code != 0 {
		t.Errorf("run = %+v", out.Run)
	}
	if mgr.Len() != 0 {
		t.Error("execute_code should not leave a session behind")
	}
}

func TestExecuteCode_MissingCode(t *testing.T) {
	s, _, _ := newTestServer(t)
	res, err := s.executeCode(context.Background(), call(ToolExecuteCode, map[string]any{}))
	if err != nil {
		t.Fatalf("executeCode: %v", err)
	}
	if !res.IsError {
		t.Error("missing code should be a tool error")
	}
}

func TestExecuteCode_SandboxUnavailable(t *testing.T) {
	s, _, fake := newTestServer(t)
	fake.CreateErr = fmt.Errorf("docker: %w", sandbox.ErrUnavailable)

	res, err := s.executeCode(context.Background(), call(ToolExecuteCode, map[string]any{"code": "1"}))
	if err != nil {
		t.Fatalf("executeCode: %v", err)
	}
	if !res.IsError || resultText(t, res) != "Sandbox not available" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCommand(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.runCommand(ctx, call(ToolRunCommand, map[string]any{
		"session_id": "s1",
		"command":    "touch notes.txt",
	}))
	if err != nil || res.IsError {
		t.Fatalf("touch: %v %+v", err, res)
	}

	res, err = s.runCommand(ctx, call(ToolRunCommand, map[string]any{
		"session_id": "s1",
		"command":    "ls",
	}))
	if err != nil || res.IsError {
		t.Fatalf("ls: %v %+v", err, res)
	}
	if _, ok := mgr.Get("s1"); !ok {
		t.Error("run_command should keep its session")
	}

	res, err = s.runCommand(ctx, call(ToolRunCommand, map[string]any{
		"session_id": "s1",
		"command":    "cat missing.txt",
	}))
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if text := resultText(t, res); !strings.HasSuffix(text, "[exit code 1]") {
		t.Errorf("cat result = %q, want exit code suffix", text)
	}
}

func TestRunCommand_MissingArgs(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, args := range []map[string]any{
		{"command": "ls"},
		{"session_id": "s1"},
	} {
		res, err := s.runCommand(context.Background(), call(ToolRunCommand, args))
		if err != nil {
			t.Fatalf("runCommand: %v", err)
		}
		if !res.IsError {
			t.Errorf("args %v: want tool error", args)
		}
	}
}

func TestHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	if s.Handler() == nil {
		t.Fatal("nil handler")
	}
}

func TestFileTools(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	ctx := context.Background()

	res, _ := s.readFile(ctx, call(ToolReadFile, map[string]any{"session_id": "s1", "filename": "a.txt"}))
	if !res.IsError {
		t.Fatal("read_file on an unknown session should fail")
	}

	res, _ = s.writeFile(ctx, call(ToolWriteFile, map[string]any{"session_id": "s1", "filename": "a.txt", "content": "hello"}))
	if res.IsError {
		t.Fatalf("write_file: %s", resultText(t, res))
	}
	if _, ok := mgr.Get("s1"); !ok {
		t.Fatal("write_file should create the session")
	}

	res, _ = s.readFile(ctx, call(ToolReadFile, map[string]any{"session_id": "s1", "filename": "a.txt"}))
	if got := resultText(t, res); got != "hello" {
		t.Errorf("read_file = %q, want hello", got)
	}

	res, _ = s.listFiles(ctx, call(ToolListFiles, map[string]any{"session_id": "s1"}))
	if got := resultText(t, res); got != "a.txt\nscript.py" {
		t.Errorf("list_files = %q", got)
	}

	res, _ = s.deleteFile(ctx, call(ToolDeleteFile, map[string]any{"session_id": "s1", "filename": "a.txt"}))
	if res.IsError {
		t.Fatalf("delete_file: %s", resultText(t, res))
	}
	res, _ = s.listFiles(ctx, call(ToolListFiles, map[string]any{"session_id": "s1"}))
	if got := resultText(t, res); got != "script.py" {
		t.Errorf("list_files after delete = %q", got)
	}

	res, _ = s.deleteFile(ctx, call(ToolDeleteFile, map[string]any{"session_id": "s1"}))
	if !res.IsError {
		t.Error("delete_file without filename should fail")
	}
}
