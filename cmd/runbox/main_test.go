package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/artifact"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.py")
	if err := os.WriteFile(script, []byte("print(1)"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		file    string
		code    string
		stdin   string
		want    string
		wantErr bool
	}{
		{"inline", "", "print(2)", "", "print(2)", false},
		{"file", script, "", "", "print(1)", false},
		{"stdin", "-", "", "print(3)", "print(3)", false},
		{"both", script, "x", "", "", true},
		{"neither", "", "", "", "", true},
		{"missing file", filepath.Join(dir, "nope.py"), "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSource(tt.file, tt.code, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("source = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecuteRemote(t *testing.T) {
	var gotAuth string
	var gotBody protocol.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(protocol.ExecuteResponse{
			Run: protocol.RunResult{Stdout: "42\n"},
		})
	}))
	defer srv.Close()

	resp, status, err := executeRemote(context.Background(), srv.Client(), srv.URL, "k1",
		protocol.ExecuteRequest{SourceCode: "print(42)", Identity: "dev@example.com"})
	if err != nil {
		t.Fatalf("executeRemote: %v", err)
	}
	if status != http.StatusOK || resp.Run.Stdout != "42\n" {
		t.Errorf("status %d, run %+v", status, resp.Run)
	}
	if gotAuth != "Bearer k1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.SourceCode != "print(42)" || gotBody.Identity != "dev@example.com" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestExecuteRemote_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "Sandbox not available"})
	}))

	_, status, err := executeRemote(context.Background(), srv.Client(), srv.URL, "", protocol.ExecuteRequest{SourceCode: "1"})
	if err == nil || !strings.Contains(err.Error(), "Sandbox not available") {
		t.Errorf("err = %v", err)
	}
	if exitCodeFor(status) != ExitUnavailable {
		t.Errorf("exit code for %d = %d", status, exitCodeFor(status))
	}

	url := srv.URL
	srv.Close()
	_, status, err = executeRemote(context.Background(), http.DefaultClient, url, "", protocol.ExecuteRequest{SourceCode: "1"})
	if err == nil || status != 0 {
		t.Errorf("unreachable: status %d err %v", status, err)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{0, ExitUnavailable},
		{http.StatusServiceUnavailable, ExitUnavailable},
		{http.StatusGatewayTimeout, ExitUnavailable},
		{http.StatusUnauthorized, ExitDenied},
		{http.StatusForbidden, ExitDenied},
		{http.StatusTooManyRequests, ExitDenied},
		{http.StatusBadRequest, ExitFailure},
		{http.StatusInternalServerError, ExitFailure},
	}
	for _, tt := range tests {
		if got := exitCodeFor(tt.status); got != tt.want {
			t.Errorf("exitCodeFor(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestSaveArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	png := []byte{0x89, 'P', 'N', 'G'}
	saved, err := saveArtifacts(dir, []artifact.Artifact{
		{Name: "plot.png", Type: "image/png", Content: base64.StdEncoding.EncodeToString(png)},
		{Name: "../../escape.pdf", Type: "application/pdf", Content: base64.StdEncoding.EncodeToString([]byte("%PDF"))},
	})
	if err != nil {
		t.Fatalf("saveArtifacts: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved = %v", saved)
	}
	got, err := os.ReadFile(filepath.Join(dir, "plot.png"))
	if err != nil || !bytes.Equal(got, png) {
		t.Errorf("plot.png = %v, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.pdf")); err != nil {
		t.Errorf("traversal name should be written inside dir: %v", err)
	}

	if _, err := saveArtifacts(dir, []artifact.Artifact{{Name: "bad.png", Content: "!!"}}); err == nil {
		t.Error("invalid base64 should fail")
	}
	if saved, err := saveArtifacts(filepath.Join(dir, "unused"), nil); err != nil || saved != nil {
		t.Errorf("no files: %v %v", saved, err)
	}
}

func TestTerminalURL(t *testing.T) {
	tests := []struct {
		base, prefix, id, key string
		want                  string
		wantErr               bool
	}{
		{"http://localhost:8000", "/ws/", "s1", "", "ws://localhost:8000/ws/s1", false},
		{"https://box.example.com/", "term", "a b", "", "wss://box.example.com/term/a%20b", false},
		{"http://localhost:8000", "/ws/", "s1", "k1", "ws://localhost:8000/ws/s1?token=k1", false},
		{"ftp://x", "/ws/", "s1", "", "", true},
	}
	for _, tt := range tests {
		got, err := terminalURL(tt.base, tt.prefix, tt.id, tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("terminalURL(%q) err = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("terminalURL(%q, %q, %q) = %q, want %q", tt.base, tt.prefix, tt.id, got, tt.want)
		}
	}
	if got := redactToken("ws://h/ws/s1?token=secret"); strings.Contains(got, "secret") {
		t.Errorf("redactToken leaked: %q", got)
	}
}

func TestInputFrame(t *testing.T) {
	raw, err := inputFrame("", []byte("ls\r"))
	if err != nil || string(raw) != "ls\r" {
		t.Errorf("raw frame = %q, %v", raw, err)
	}

	framed, err := inputFrame("dev@example.com", []byte("ls\r"))
	if err != nil {
		t.Fatal(err)
	}
	in := protocol.ParseInput(framed)
	if in.Who() != "dev@example.com" || in.Command != "ls\r" {
		t.Errorf("parsed = %+v", in)
	}
}

func TestCRLF(t *testing.T) {
	tests := map[string]string{
		"plain":      "plain",
		"a\nb\n":     "a\r\nb\r\n",
		"a\r\nb":     "a\r\nb",
		"\n":         "\r\n",
		"$ ":         "$ ",
		"x\n\ny\r\n": "x\r\n\r\ny\r\n",
	}
	for in, want := range tests {
		if got := string(crlf([]byte(in))); got != want {
			t.Errorf("crlf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPumpInput_StopsAtDetachKey(t *testing.T) {
	frames := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				close(frames)
				return
			}
			frames <- string(data)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	input := strings.NewReader("pwd\r" + string(rune(detachKey)) + "ignored\r")
	if err := pumpInput(ctx, conn, input, ""); err != nil {
		t.Fatalf("pumpInput: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	var got []string
	for f := range frames {
		got = append(got, f)
	}
	if strings.Join(got, "") != "pwd\r" {
		t.Errorf("frames = %q, want only input before the detach key", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("/etc/runbox.yaml"); got != "/etc/runbox.yaml" {
		t.Errorf("explicit path = %q", got)
	}
	t.Setenv("HOME", t.TempDir())
	if got := resolveConfigPath(""); got != "" {
		t.Errorf("no default file: got %q", got)
	}
	def := config.DefaultConfigPath()
	if err := os.MkdirAll(filepath.Dir(def), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(def, []byte("logging:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(""); got != def {
		t.Errorf("default file present: got %q, want %q", got, def)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Sandbox.Backend = "process"
	cfg.Sandbox.ProcessRootDir = t.TempDir()
	return cfg
}

func TestInitShared_Minimal(t *testing.T) {
	cfg := testConfig(t)
	sc, err := initShared(cfg, testLogger())
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store != nil {
		t.Error("store opened with history disabled")
	}
	if sc.Service.HistoryEnabled() {
		t.Error("service reports history enabled")
	}
	if sc.Obs != nil {
		t.Error("observability should be off without a config section")
	}

	if err := registerJobs(sc, nil); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	if n := sc.Scheduler.Len(); n != 1 {
		t.Errorf("jobs = %d, want only the session reaper", n)
	}

	gateways := buildGateways(cfg, sc, nil)
	if len(gateways) != 1 {
		t.Errorf("gateways = %d, want 1", len(gateways))
	}
}

func TestInitShared_HistoryAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.History = &config.HistoryConfig{Enabled: true, RetentionDays: 7}
	cfg.Observability = &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Health:  &config.HealthConfig{IncludeDB: true, IncludeSandbox: true},
	}
	cfg.Gateways.MCP = &config.MCPGatewayConfig{Enabled: true}

	sc, err := initShared(cfg, testLogger())
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store == nil || sc.Store.Driver() != "sqlite" {
		t.Fatalf("store = %v", sc.Store)
	}
	if !sc.Service.HistoryEnabled() {
		t.Error("history should be enabled")
	}
	if sc.Obs.Metrics == nil {
		t.Fatal("metrics should be enabled")
	}
	if status := sc.Obs.Health.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("readiness = %+v", status)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, BurstSize: 10})
	if err := registerJobs(sc, limiter); err != nil {
		t.Fatalf("registerJobs: %v", err)
	}
	if n := sc.Scheduler.Len(); n != 3 {
		t.Errorf("jobs = %d, want reaper, history and limiter pruners", n)
	}
}

func TestBuildGateways_HTTPDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateways.HTTP.Enabled = false
	cfg.Gateways.WebSocket = nil

	sc, err := initShared(cfg, testLogger())
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if got := buildGateways(cfg, sc, nil); len(got) != 0 {
		t.Errorf("gateways = %d, want none", len(got))
	}
}

func TestInitAuthorizer(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	cfg := config.Default()
	cfg.Auth.AllowedIdentities = nil
	if auth := initAuthorizer(cfg, logger); auth != nil {
		t.Fatalf("authorizer = %T, want nil for an open deployment", auth)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "auth.allowed_identities") {
		t.Errorf("missing open-access warning, logs: %s", logs.String())
	}

	logs.Reset()
	cfg.Auth.AllowedIdentities = []string{"dev@example.com"}
	auth := initAuthorizer(cfg, logger)
	if auth == nil || !auth.IsAuthorized("dev@example.com") || auth.IsAuthorized("") {
		t.Errorf("allow list not applied: %v", auth)
	}
	if strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("unexpected warning with an allow list: %s", logs.String())
	}
}
