package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/terminal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv     *Server
	mgr     *session.Manager
	fake    *sandboxtest.Fake
	metrics *observability.MetricsCollector
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, &config.WebSocketGatewayConfig{Enabled: true}, session.Options{}, sandboxtest.New())
}

func newHarnessWith(t *testing.T, cfg *config.WebSocketGatewayConfig, opts session.Options, fake *sandboxtest.Fake) *harness {
	t.Helper()
	mgr := session.NewManager(fake, opts, testLogger())
	metrics := observability.NewMetricsCollector()
	srv := NewServer(mgr, cfg, metrics, testLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		srv:     srv,
		mgr:     mgr,
		fake:    fake,
		metrics: metrics,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

// readUntilPrompt collects frames up to and including the next prompt.
func readUntilPrompt(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	var frames []string
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f == terminal.Prompt {
			return frames
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTerminal_RoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url+"/ws/abcdef123456")
	defer conn.Close(websocket.StatusNormalClosure, "")

	banner := readFrame(t, conn)
	if !strings.Contains(banner, "Session abcdef12") || !strings.HasSuffix(banner, terminal.Prompt) {
		t.Fatalf("banner = %q", banner)
	}
	if _, ok := h.mgr.Get("abcdef123456"); !ok {
		t.Fatal("session should be registered after the banner")
	}

	write(t, conn, "pwd\r")
	frames := readUntilPrompt(t, conn)
	want := []string{"p", "w", "d", "\n", sandboxtest.DefaultWorkDir + "\n", terminal.Prompt}
	if strings.Join(frames, "|") != strings.Join(want, "|") {
		t.Errorf("frames = %q, want %q", frames, want)
	}

	// JSON frames carry the identity with the keystrokes.
	write(t, conn, `{"identity":"dev@example.com","command":"echo hi\r"}`)
	frames = readUntilPrompt(t, conn)
	if got := frames[len(frames)-2]; got != "hi\n" {
		t.Errorf("echo output = %q, want %q", got, "hi\n")
	}
}

func TestTerminal_DisconnectDestroysSession(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url+"/ws/s1")
	_ = readFrame(t, conn)

	waitFor(t, "connection gauge", func() bool { return h.srv.Active() == 1 })

	// Unsubmitted input is dropped with the connection.
	write(t, conn, "ls")
	for range 2 {
		_ = readFrame(t, conn)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "session teardown", func() bool { return h.fake.Live() == 0 })
	waitFor(t, "connection release", func() bool { return h.srv.Active() == 0 })
	if _, ok := h.mgr.Get("s1"); ok {
		t.Error("session still registered after disconnect")
	}
	for _, c := range h.fake.Calls() {
		if c[0] == "ls" {
			t.Error("unsubmitted line was executed")
		}
	}
}

func TestTerminal_SandboxUnavailableOnOpen(t *testing.T) {
	h := newHarness(t)
	h.fake.CreateErr = fmt.Errorf("docker ps: %w", sandbox.ErrUnavailable)

	conn := dial(t, h.url+"/ws/s1")
	if got := readFrame(t, conn); got != "Docker not available\n" {
		t.Errorf("frame = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status = %v (err %v), want internal error", websocket.CloseStatus(err), err)
	}
	if h.mgr.Len() != 0 {
		t.Error("failed open should not register a session")
	}
}

func TestTerminal_SandboxLostMidSession(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url+"/ws/s1")
	_ = readFrame(t, conn)

	h.fake.ExecErr = fmt.Errorf("daemon gone: %w", sandbox.ErrUnavailable)
	write(t, conn, "ls\r")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
				t.Errorf("close status = %v (err %v), want try again later", websocket.CloseStatus(err), err)
			}
			break
		}
		if string(data) == terminal.Prompt {
			t.Fatal("prompt sent after the sandbox was lost")
		}
	}
	waitFor(t, "session teardown", func() bool { return h.mgr.Len() == 0 })
}

func TestTerminal_BadPath(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/ws/", "/ws/a/b", "/other/s1"} {
		resp, err := http.Get(strings.Replace(h.url, "ws", "http", 1) + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestServer_Pattern(t *testing.T) {
	s := NewServer(nil, &config.WebSocketGatewayConfig{Path: "/term"}, nil, testLogger())
	if got := s.Pattern(); got != "/term/{session_id}" {
		t.Errorf("Pattern = %q", got)
	}
	if got := NewServer(nil, nil, nil, testLogger()).Pattern(); got != "/ws/{session_id}" {
		t.Errorf("default Pattern = %q", got)
	}
}

func TestOpenFailureText(t *testing.T) {
	if got := OpenFailureText(fmt.Errorf("x: %w", sandbox.ErrUnavailable)); got != "Docker not available\n" {
		t.Errorf("unavailable text = %q", got)
	}
	if got := OpenFailureText(errors.New("image pull failed")); got != "Failed to create session: image pull failed\n" {
		t.Errorf("failure text = %q", got)
	}
}

func TestTerminal_SlowCommandSurvivesPings(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFunc = func(_ *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		if strings.Join(req.Command, " ") == "/bin/sh -c slow" {
			time.Sleep(3500 * time.Millisecond)
			return &sandbox.ExecResult{Output: []byte("done\n")}, nil
		}
		return nil, nil
	}
	h := newHarnessWith(t,
		&config.WebSocketGatewayConfig{Enabled: true, PingIntervalSeconds: 1},
		session.Options{Dispatch: command.Options{Timeout: 10 * time.Second}},
		fake,
	)
	conn := dial(t, h.url+"/ws/slow-session")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // banner

	write(t, conn, "slow\r")
	frames := readUntilPrompt(t, conn)
	want := []string{"s", "l", "o", "w", "\n", "done\n", terminal.Prompt}
	if strings.Join(frames, "|") != strings.Join(want, "|") {
		t.Fatalf("frames = %q, want %q", frames, want)
	}

	// Keystrokes typed while the command ran are still processed in order.
	write(t, conn, "pwd\r")
	frames = readUntilPrompt(t, conn)
	if got := frames[len(frames)-2]; got != sandboxtest.DefaultWorkDir+"\n" {
		t.Errorf("pwd output = %q", got)
	}
	if _, ok := h.mgr.Get("slow-session"); !ok {
		t.Error("session destroyed by a slow command")
	}
}
