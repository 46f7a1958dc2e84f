// Package mcp exposes sandbox execution as Model Context Protocol tools over
// streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/sandbox"
)

const serverName = "runbox"

// Tool names.
const (
	ToolExecuteCode = "execute_code"
	ToolRunCommand  = "run_command"
	ToolWriteFile   = "write_file"
	ToolReadFile    = "read_file"
	ToolListFiles   = "list_files"
	ToolDeleteFile  = "delete_file"
)

// Server serves the runbox tools.
type Server struct {
	service *gateway.Service
	logger  *slog.Logger
	mcp     *mcpserver.MCPServer
}

// NewServer registers the tools on a new MCP server.
func NewServer(svc *gateway.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		service: svc,
		logger:  logger,
		mcp:     mcpserver.NewMCPServer(serverName, version, mcpserver.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcpgo.NewTool(ToolExecuteCode,
		mcpgo.WithDescription("Run a Python script in a fresh sandbox. Returns stdout, stderr, exit code and generated images or PDFs (base64)."),
		mcpgo.WithString("code", mcpgo.Required(), mcpgo.Description("Python source code")),
		mcpgo.WithString("identity", mcpgo.Description("Caller identity checked against the allow list")),
	), s.executeCode)

	s.mcp.AddTool(mcpgo.NewTool(ToolRunCommand,
		mcpgo.WithDescription("Run a terminal command (ls, cat, echo, touch, rm, python <file>, pwd, clear) in a persistent session."),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Session to run in; created if absent")),
		mcpgo.WithString("command", mcpgo.Required(), mcpgo.Description("Command line")),
		mcpgo.WithString("identity", mcpgo.Description("Caller identity checked against the allow list")),
	), s.runCommand)

	s.mcp.AddTool(mcpgo.NewTool(ToolWriteFile,
		mcpgo.WithDescription("Write a file into a session's working directory. An empty filename selects the session script."),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Session to write to; created if absent")),
		mcpgo.WithString("filename", mcpgo.Description("Plain file name, no directories")),
		mcpgo.WithString("content", mcpgo.Required(), mcpgo.Description("File content")),
	), s.writeFile)

	s.mcp.AddTool(mcpgo.NewTool(ToolReadFile,
		mcpgo.WithDescription("Read a file from a session's working directory. Missing files read as empty."),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Live session")),
		mcpgo.WithString("filename", mcpgo.Required(), mcpgo.Description("Plain file name")),
	), s.readFile)

	s.mcp.AddTool(mcpgo.NewTool(ToolListFiles,
		mcpgo.WithDescription("List the files in a session's working directory, one per line."),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Live session")),
	), s.listFiles)

	s.mcp.AddTool(mcpgo.NewTool(ToolDeleteFile,
		mcpgo.WithDescription("Delete a file from a session's working directory."),
		mcpgo.WithString("session_id", mcpgo.Required(), mcpgo.Description("Live session")),
		mcpgo.WithString("filename", mcpgo.Required(), mcpgo.Description("Plain file name")),
	), s.deleteFile)

	return s
}

// Handler returns the streamable HTTP transport. It accepts GET, POST and
// DELETE on the path it is mounted at.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) executeCode(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	resp, err := s.service.Execute(ctx, code, req.GetString("identity", ""))
	if err != nil {
		return s.toolError(ctx, ToolExecuteCode, err), nil
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcpgo.NewToolResultText(string(out)), nil
}

func (s *Server) runCommand(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	res, err := s.service.RunCommand(ctx, sessionID, command, req.GetString("identity", ""))
	if err != nil {
		return s.toolError(ctx, ToolRunCommand, err), nil
	}

	text := res.Text()
	if res.ExitCode != 0 {
		text += fmt.Sprintf("\n[exit code %d]", res.ExitCode)
	}
	return mcpgo.NewToolResultText(text), nil
}

func (s *Server) writeFile(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err := s.service.UpdateFile(ctx, sessionID, req.GetString("filename", ""), content); err != nil {
		return s.toolError(ctx, ToolWriteFile, err), nil
	}
	return mcpgo.NewToolResultText("ok"), nil
}

func (s *Server) readFile(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, filename, errResult := sessionFile(req)
	if errResult != nil {
		return errResult, nil
	}
	content, err := s.service.ReadFile(ctx, sessionID, filename)
	if err != nil {
		return s.toolError(ctx, ToolReadFile, err), nil
	}
	return mcpgo.NewToolResultText(content), nil
}

func (s *Server) listFiles(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	names, err := s.service.ListFiles(ctx, sessionID)
	if err != nil {
		return s.toolError(ctx, ToolListFiles, err), nil
	}
	return mcpgo.NewToolResultText(strings.Join(names, "\n")), nil
}

func (s *Server) deleteFile(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sessionID, filename, errResult := sessionFile(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.service.DeleteFile(ctx, sessionID, filename); err != nil {
		return s.toolError(ctx, ToolDeleteFile, err), nil
	}
	return mcpgo.NewToolResultText("ok"), nil
}

func sessionFile(req mcpgo.CallToolRequest) (string, string, *mcpgo.CallToolResult) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return "", "", mcpgo.NewToolResultError(err.Error())
	}
	filename, err := req.RequireString("filename")
	if err != nil {
		return "", "", mcpgo.NewToolResultError(err.Error())
	}
	return sessionID, filename, nil
}

func (s *Server) toolError(ctx context.Context, tool string, err error) *mcpgo.CallToolResult {
	s.logger.WarnContext(ctx, "mcp tool failed",
		slog.String("tool", tool),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, sandbox.ErrUnavailable) {
		return mcpgo.NewToolResultError("Sandbox not available")
	}
	return mcpgo.NewToolResultError(err.Error())
}
