// Package artifact collects generated output files from a sandbox and
// encodes them for transport.
package artifact

import (
	"bufio"
	"context"
	"encoding/base64"
	"log/slog"
	"path"
	"strings"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// Artifact is a harvested file. Content is base64 encoded.
type Artifact struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// kind pairs a file extension with the media type reported for it.
type kind struct {
	ext       string
	mediaType string
}

// kinds is scanned in order; results keep this order.
var kinds = []kind{
	{"png", "image/png"},
	{"jpg", "image/jpeg"},
	{"jpeg", "image/jpeg"},
	{"gif", "image/gif"},
	{"svg", "image/svg+xml"},
	{"pdf", "application/pdf"},
}

// MediaType returns the media type for a harvestable filename, or "" when
// the extension is not one that is harvested.
func MediaType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	for _, k := range kinds {
		if k.ext == ext {
			return k.mediaType
		}
	}
	return ""
}

// Harvester scans a sandbox working directory for generated artifacts.
type Harvester struct {
	client sandbox.Client
	logger *slog.Logger
}

// NewHarvester creates a harvester reading through client.
func NewHarvester(client sandbox.Client, logger *slog.Logger) *Harvester {
	return &Harvester{client: client, logger: logger}
}

// Harvest returns every matching file under the handle's working directory.
// Scan and read failures are logged and skipped; it never fails as a whole.
func (h *Harvester) Harvest(ctx context.Context, handle *sandbox.Handle) []Artifact {
	var out []Artifact
	for _, k := range kinds {
		paths, err := h.scan(ctx, handle, k.ext)
		if err != nil {
			h.logger.Warn("artifact scan failed",
				slog.String("session_id", handle.SessionID),
				slog.String("ext", k.ext),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, p := range paths {
			data, err := h.client.GetFile(ctx, handle, p)
			if err != nil {
				h.logger.Warn("artifact read failed",
					slog.String("session_id", handle.SessionID),
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				continue
			}
			out = append(out, Artifact{
				Name:    path.Base(p),
				Type:    k.mediaType,
				Content: base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	return out
}

// scan lists matching files. find keeps going past unreadable directories
// and exits nonzero, so only lines naming a path under the working
// directory are kept; its diagnostics are dropped.
func (h *Harvester) scan(ctx context.Context, handle *sandbox.Handle, ext string) ([]string, error) {
	res, err := h.client.Exec(ctx, handle, sandbox.ExecRequest{
		Command: []string{"find", handle.WorkDir, "-name", "*." + ext, "-type", "f"},
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		h.logger.Debug("artifact scan incomplete",
			slog.String("session_id", handle.SessionID),
			slog.String("ext", ext),
			slog.Int("exit_code", res.ExitCode),
		)
	}

	prefix := strings.TrimSuffix(handle.WorkDir, "/") + "/"
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(string(res.Output)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasPrefix(line, prefix) {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
