package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/runbox/internal/protocol"
	goutils "github.com/jkaninda/go-utils"
)

// detachKey (Ctrl+]) ends an attach session from the client side.
const detachKey = 0x1d

var (
	attachURL      string
	attachAPIKey   string
	attachIdentity string
	attachPath     string
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Open an interactive terminal on a session",
	Long: `Connect to the terminal WebSocket of a runbox server. The session is
created on connect and destroyed when the terminal closes.

Press Ctrl+] to detach.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachURL, "url", "http://localhost:8000", "runbox server URL (or RUNBOX_URL env)")
	attachCmd.Flags().StringVar(&attachAPIKey, "api-key", "", "API key (or RUNBOX_API_KEY env)")
	attachCmd.Flags().StringVar(&attachIdentity, "identity", "", "caller identity sent with every frame (or RUNBOX_IDENTITY env)")
	attachCmd.Flags().StringVar(&attachPath, "path", "/ws/", "terminal WebSocket path prefix")
}

func runAttach(_ *cobra.Command, args []string) error {
	target, err := terminalURL(goutils.Env("RUNBOX_URL", attachURL), attachPath, args[0], goutils.Env("RUNBOX_API_KEY", attachAPIKey))
	if err != nil {
		return err
	}
	identity := goutils.Env("RUNBOX_IDENTITY", attachIdentity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to %s: %v\n", redactToken(target), err)
		os.Exit(ExitUnavailable)
	}
	defer conn.CloseNow()

	fd := int(os.Stdin.Fd())
	raw := term.IsTerminal(fd)
	restore := func() {}
	if raw {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("setting raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, state) }
	}
	defer restore()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		if err := pumpInput(ctx, conn, os.Stdin, identity); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "\r\ninput: %v\r\n", err)
		}
		conn.Close(websocket.StatusNormalClosure, "detached")
	}()

	err = pumpOutput(ctx, conn, os.Stdout, raw)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		return nil
	case status == websocket.StatusTryAgainLater:
		fmt.Fprint(os.Stderr, "\r\nsandbox unavailable\r\n")
		restore()
		os.Exit(ExitUnavailable)
	case ctx.Err() != nil:
		return nil
	case err != nil && !errors.Is(err, io.EOF):
		return fmt.Errorf("terminal closed: %w", err)
	}
	return nil
}

// terminalURL builds the WebSocket URL of a session. The API key travels as
// the token query parameter since browsers cannot set headers on upgrade.
func terminalURL(base, prefix, sessionID, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	u.Path += prefix + url.PathEscape(sessionID)
	if apiKey != "" {
		q := u.Query()
		q.Set("token", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactToken(s string) string {
	if i := strings.Index(s, "token="); i >= 0 {
		return s[:i] + "token=REDACTED"
	}
	return s
}

// pumpInput forwards keystrokes until the detach key, EOF or ctx ends.
func pumpInput(ctx context.Context, conn *websocket.Conn, r io.Reader, identity string) error {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			detach := false
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				chunk, detach = chunk[:i], true
			}
			if len(chunk) > 0 {
				frame, ferr := inputFrame(identity, chunk)
				if ferr != nil {
					return ferr
				}
				if werr := conn.Write(ctx, websocket.MessageText, frame); werr != nil {
					return werr
				}
			}
			if detach {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// inputFrame encodes keystrokes as a raw frame, or as a JSON frame when an
// identity is set.
func inputFrame(identity string, keys []byte) ([]byte, error) {
	if identity == "" {
		return append([]byte(nil), keys...), nil
	}
	return json.Marshal(protocol.Input{Identity: identity, Command: string(keys)})
}

// pumpOutput copies server frames to w until the connection ends. In raw mode
// bare newlines are expanded so the cursor returns to column zero.
func pumpOutput(ctx context.Context, conn *websocket.Conn, w io.Writer, raw bool) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if raw {
			data = crlf(data)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
}

func crlf(b []byte) []byte {
	if bytes.IndexByte(b, '\n') < 0 {
		return b
	}
	out := make([]byte, 0, len(b)+8)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
