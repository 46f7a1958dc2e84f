package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
)

func newTestCache(t *testing.T) (*Cache, *sandboxtest.Fake) {
	t.Helper()
	fake := sandboxtest.New()
	h, err := fake.Create(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewCache(fake, h, slog.New(slog.NewTextHandler(io.Discard, nil))), fake
}

func TestCache_WriteThenRead(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	c.Write(ctx, "a.py", "print(1)")

	if got := c.Read(ctx, "a.py"); got != "print(1)" {
		t.Errorf("Read = %q, want print(1)", got)
	}
	data, ok := fake.File(c.Path("a.py"))
	if !ok || string(data) != "print(1)" {
		t.Errorf("sandbox content = %q (present %v), want print(1)", data, ok)
	}
}

func TestCache_WriteKeepsCacheOnSandboxFailure(t *testing.T) {
	c, fake := newTestCache(t)
	fake.PutErr = errors.New("disk full")

	c.Write(context.Background(), "a.py", "x = 1")

	if got := c.Read(context.Background(), "a.py"); got != "x = 1" {
		t.Errorf("Read = %q, want cached content", got)
	}
}

func TestCache_ReadFallsBackToSandbox(t *testing.T) {
	c, fake := newTestCache(t)
	fake.SetFile(c.Path("out.txt"), []byte("generated"))

	if got := c.Read(context.Background(), "out.txt"); got != "generated" {
		t.Fatalf("Read = %q, want generated", got)
	}
	if got := c.Keys(); !reflect.DeepEqual(got, []string{"out.txt"}) {
		t.Errorf("Keys = %v, want [out.txt] after sandbox read", got)
	}
}

func TestCache_Lookup(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
	if got := c.Read(ctx, "missing.txt"); got != "" {
		t.Errorf("Read missing = %q, want empty", got)
	}

	fake.GetErr = sandbox.ErrUnavailable
	_, err := c.Lookup(ctx, "other.txt")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("unavailable: err = %v, want non-NotFound error", err)
	}
	if !errors.Is(err, sandbox.ErrUnavailable) {
		t.Errorf("unavailable: err = %v, want wrapped ErrUnavailable", err)
	}
}

func TestCache_Exists(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	c.Set("cached.py", "")
	fake.SetFile(c.Path("disk.txt"), []byte("x"))

	tests := []struct {
		name string
		want bool
	}{
		{"cached.py", true},
		{"disk.txt", true},
		{"nope.txt", false},
	}
	for _, tt := range tests {
		if got := c.Exists(ctx, tt.name); got != tt.want {
			t.Errorf("Exists(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	fake.ExecErr = errors.New("boom")
	if c.Exists(ctx, "disk.txt") {
		t.Error("Exists should report false when the probe fails")
	}
}

func TestCache_Delete(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	c.Write(ctx, "a.py", "x")
	c.Delete(ctx, "a.py")

	if _, ok := fake.File(c.Path("a.py")); ok {
		t.Error("file still present in sandbox after Delete")
	}
	if len(c.Keys()) != 0 {
		t.Errorf("Keys = %v, want empty", c.Keys())
	}

	// Deleting a missing file is a no-op.
	c.Delete(ctx, "never.txt")
}

func TestCache_List(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	fake.SetFile(c.Path("b.txt"), nil)
	fake.SetFile(c.Path("a.py"), nil)

	if got := c.List(ctx); !reflect.DeepEqual(got, []string{"a.py", "b.txt"}) {
		t.Errorf("List = %v, want [a.py b.txt]", got)
	}
}

func TestCache_ListFallsBackToCache(t *testing.T) {
	c, fake := newTestCache(t)
	ctx := context.Background()

	c.Set("z.py", "")
	c.Set("m.py", "")
	fake.ExecErr = sandbox.ErrUnavailable

	if got := c.List(ctx); !reflect.DeepEqual(got, []string{"m.py", "z.py"}) {
		t.Errorf("List = %v, want cached keys", got)
	}
}

func TestCache_Entries(t *testing.T) {
	c, fake := newTestCache(t)
	fake.SetFile(c.Path("plot.png"), []byte("12345"))
	fake.SetFile(c.Path("script.py"), []byte("x"))

	entries, err := c.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Name != "plot.png" || entries[0].Size != 5 {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Name != "script.py" || entries[1].Size != 1 {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestCache_EntriesError(t *testing.T) {
	c, fake := newTestCache(t)
	fake.ExecErr = sandbox.ErrUnavailable

	if _, err := c.Entries(context.Background()); !errors.Is(err, sandbox.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestParseListing(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"b.py\na.py\n", []string{"a.py", "b.py"}},
		{"data/\nscript.py\n.hidden\n", []string{".hidden", "script.py"}},
		{"with space.txt\r\n", []string{"with space.txt"}},
	}
	for _, tt := range tests {
		if got := parseListing(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseListing(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseEntries(t *testing.T) {
	out := "12 1700000000.5000000000 script.py\n" +
		"3 1700000100.0 my file.txt\n" +
		"garbage\n" +
		"x 1700000000.0 bad.txt\n"

	got := parseEntries(out)
	want := []Entry{
		{Name: "my file.txt", Size: 3, Modified: time.Unix(1700000100, 0).UTC()},
		{Name: "script.py", Size: 12, Modified: time.Unix(1700000000, 0).UTC()},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseEntries = %+v, want %+v", got, want)
	}
}
