package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
)

func newTestHarvester(t *testing.T) (*Harvester, *sandboxtest.Fake, *sandbox.Handle) {
	t.Helper()
	fake := sandboxtest.New()
	h, err := fake.Create(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewHarvester(fake, slog.New(slog.NewTextHandler(io.Discard, nil))), fake, h
}

func TestHarvest_ImagesOnly(t *testing.T) {
	hv, fake, h := newTestHarvester(t)
	fake.SetFile(h.WorkDir+"/plot.png", []byte("PNGDATA"))
	fake.SetFile(h.WorkDir+"/notes.txt", []byte("ignored"))

	got := hv.Harvest(context.Background(), h)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(got), got)
	}
	if got[0].Name != "plot.png" {
		t.Errorf("name = %q, want plot.png", got[0].Name)
	}
	if got[0].Type != "image/png" {
		t.Errorf("type = %q, want image/png", got[0].Type)
	}
	if got[0].Content != base64.StdEncoding.EncodeToString([]byte("PNGDATA")) {
		t.Errorf("content = %q", got[0].Content)
	}
}

func TestHarvest_ExtensionOrder(t *testing.T) {
	hv, fake, h := newTestHarvester(t)
	fake.SetFile(h.WorkDir+"/report.pdf", []byte("%PDF"))
	fake.SetFile(h.WorkDir+"/a.svg", []byte("<svg/>"))
	fake.SetFile(h.WorkDir+"/photo.jpeg", []byte("J"))
	fake.SetFile(h.WorkDir+"/chart.png", []byte("P"))

	got := hv.Harvest(context.Background(), h)
	want := []struct{ name, typ string }{
		{"chart.png", "image/png"},
		{"photo.jpeg", "image/jpeg"},
		{"a.svg", "image/svg+xml"},
		{"report.pdf", "application/pdf"},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Name != w.name || got[i].Type != w.typ {
			t.Errorf("[%d] = {%s %s}, want {%s %s}", i, got[i].Name, got[i].Type, w.name, w.typ)
		}
	}
}

func TestHarvest_SkipsFailures(t *testing.T) {
	hv, fake, h := newTestHarvester(t)
	fake.SetFile(h.WorkDir+"/plot.png", []byte("P"))
	fake.GetErr = errors.New("read failed")

	if got := hv.Harvest(context.Background(), h); len(got) != 0 {
		t.Errorf("got %d artifacts, want 0 when reads fail", len(got))
	}

	fake.GetErr = nil
	fake.ExecErr = sandbox.ErrUnavailable
	if got := hv.Harvest(context.Background(), h); len(got) != 0 {
		t.Errorf("got %d artifacts, want 0 when scans fail", len(got))
	}
}

func TestMediaType(t *testing.T) {
	tests := map[string]string{
		"a.png":     "image/png",
		"B.JPG":     "image/jpeg",
		"c.jpeg":    "image/jpeg",
		"d.gif":     "image/gif",
		"e.svg":     "image/svg+xml",
		"f.pdf":     "application/pdf",
		"g.txt":     "",
		"noext":     "",
		"script.py": "",
	}
	for name, want := range tests {
		if got := MediaType(name); got != want {
			t.Errorf("MediaType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestHarvest_IgnoresFindDiagnostics(t *testing.T) {
	hv, fake, h := newTestHarvester(t)
	fake.SetFile(h.WorkDir+"/plot.png", []byte("P"))
	fake.ExecFunc = func(_ *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		if req.Command[len(req.Command)-3] != "*.png" {
			return &sandbox.ExecResult{}, nil
		}
		out := "find: '" + h.WorkDir + "/private': Permission denied\n" + h.WorkDir + "/plot.png\n"
		return &sandbox.ExecResult{Output: []byte(out), ExitCode: 1}, nil
	}

	got := hv.Harvest(context.Background(), h)
	if len(got) != 1 || got[0].Name != "plot.png" {
		t.Fatalf("got %+v, want only plot.png", got)
	}
}
