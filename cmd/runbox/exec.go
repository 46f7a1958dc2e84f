package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/artifact"
	"github.com/jkaninda/runbox/internal/protocol"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the exec command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	execFile     string
	execCode     string
	execURL      string
	execAPIKey   string
	execIdentity string
	execOutDir   string
	execTimeout  int
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a Python script once on a runbox server",
	Long: `Send a script to the runbox HTTP API, print its output and save any
generated images or PDFs. The script runs in a fresh sandbox that is
destroyed afterwards.

Examples:
  runbox exec -f plot.py --out ./artifacts
  runbox exec -c 'print(6 * 7)'
  cat job.py | runbox exec -f -

Exit codes:
  0  success
  1  execution failure (nonzero script exit or server error)
  2  unauthorized, forbidden or rate limited
  3  server or sandbox unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "script file to run (- for stdin)")
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "inline source code")
	execCmd.Flags().StringVar(&execURL, "url", "http://localhost:8000", "runbox HTTP API URL (or RUNBOX_URL env)")
	execCmd.Flags().StringVar(&execAPIKey, "api-key", "", "API key (or RUNBOX_API_KEY env)")
	execCmd.Flags().StringVar(&execIdentity, "identity", "", "caller identity checked against the allow list (or RUNBOX_IDENTITY env)")
	execCmd.Flags().StringVarP(&execOutDir, "out", "o", ".", "directory generated files are written to")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 120, "timeout in seconds")
}

func runExec(_ *cobra.Command, _ []string) error {
	source, err := readSource(execFile, execCode, os.Stdin)
	if err != nil {
		return err
	}

	baseURL := strings.TrimRight(goutils.Env("RUNBOX_URL", execURL), "/")
	apiKey := goutils.Env("RUNBOX_API_KEY", execAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(execTimeout)*time.Second)
	defer cancel()

	resp, status, err := executeRemote(ctx, http.DefaultClient, baseURL, apiKey, protocol.ExecuteRequest{
		SourceCode: source,
		Identity:   goutils.Env("RUNBOX_IDENTITY", execIdentity),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(status))
	}

	fmt.Print(resp.Run.Stdout)
	fmt.Fprint(os.Stderr, resp.Run.Stderr)

	saved, err := saveArtifacts(execOutDir, resp.Files)
	for _, name := range saved {
		fmt.Fprintf(os.Stderr, "saved %s\n", name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}

	if resp.Run.Code != 0 {
		fmt.Fprintf(os.Stderr, "\n[exit code %d]\n", resp.Run.Code)
		os.Exit(ExitFailure)
	}
	os.Exit(ExitSuccess)
	return nil
}

// readSource returns the script from --code, --file or stdin ("-").
func readSource(file, code string, stdin io.Reader) (string, error) {
	switch {
	case code != "" && file != "":
		return "", fmt.Errorf("use either --code or --file, not both")
	case code != "":
		return code, nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading script: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("source is required: use -f or -c")
	}
}

// executeRemote posts req to /v1/execute. On failure the returned status is
// the HTTP status, or 0 when the server could not be reached.
func executeRemote(ctx context.Context, client *http.Client, baseURL, apiKey string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot reach runbox at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return nil, resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out protocol.ExecuteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return &out, resp.StatusCode, nil
}

// exitCodeFor maps a failed request's HTTP status to an exit code.
func exitCodeFor(status int) int {
	switch status {
	case 0, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ExitUnavailable
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return ExitDenied
	default:
		return ExitFailure
	}
}

// saveArtifacts decodes and writes each file into dir. Names are reduced to
// their base so a server cannot write outside dir.
func saveArtifacts(dir string, files []artifact.Artifact) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var saved []string
	for _, f := range files {
		name := filepath.Base(filepath.FromSlash(f.Name))
		if name == "." || name == ".." || name == string(filepath.Separator) {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return saved, fmt.Errorf("decoding %s: %w", f.Name, err)
		}
		dest := filepath.Join(dir, name)
		if err := os.WriteFile(dest, data, 0640); err != nil {
			return saved, fmt.Errorf("writing %s: %w", dest, err)
		}
		saved = append(saved, dest)
	}
	return saved, nil
}
