// Package sandboxtest provides an in-memory sandbox.Client for tests.
//
// The fake keeps a flat map of absolute paths to contents and emulates the
// handful of shell utilities the orchestration layer issues (test, rm,
// touch, cat, ls, find, sh -c echo). Anything else exits 0 with no output
// unless ExecFunc is set.
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// DefaultWorkDir is the working directory of fake handles.
const DefaultWorkDir = "/app/user_files"

// Fake is a concurrency-safe in-memory sandbox.Client.
type Fake struct {
	mu sync.Mutex

	files     map[string][]byte
	calls     [][]string
	live      map[string]*sandbox.Handle
	created   int
	destroyed int

	// Error injection. Checked on every call to the matching method.
	CreateErr  error
	PutErr     error
	GetErr     error
	ExecErr    error
	DestroyErr error
	PingErr    error

	// CreateDelay makes Create block, for concurrency tests.
	CreateDelay time.Duration

	// ExecFunc, when set, replaces the built-in command emulation. Returning
	// a nil result falls through to the emulation.
	ExecFunc func(h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		files: make(map[string][]byte),
		live:  make(map[string]*sandbox.Handle),
	}
}

var _ sandbox.Client = (*Fake)(nil)

func (f *Fake) Create(ctx context.Context, sessionID string) (*sandbox.Handle, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.created++
	h := &sandbox.Handle{
		ID:        fmt.Sprintf("%016x%s", f.created, strings.Repeat("0", 48)),
		Name:      "runbox_session_" + sessionID,
		SessionID: sessionID,
		WorkDir:   DefaultWorkDir,
		Volume:    "runbox_session_" + sessionID,
		CreatedAt: time.Now(),
	}
	f.live[h.ID] = h
	return h, nil
}

func (f *Fake) Exec(_ context.Context, h *sandbox.Handle, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), req.Command...))
	execErr := f.ExecErr
	fn := f.ExecFunc
	f.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if fn != nil {
		res, err := fn(h, req)
		if err != nil || res != nil {
			return res, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h.ID]; !ok {
		return nil, fmt.Errorf("exec: %w: no such container", sandbox.ErrNotFound)
	}
	wd := req.WorkDir
	if wd == "" {
		wd = h.WorkDir
	}
	return f.emulate(wd, req.Command), nil
}

func (f *Fake) PutFile(_ context.Context, h *sandbox.Handle, destPath string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PutErr != nil {
		return f.PutErr
	}
	if _, ok := f.live[h.ID]; !ok {
		return fmt.Errorf("put: %w: no such container", sandbox.ErrNotFound)
	}
	f.files[path.Clean(destPath)] = append([]byte(nil), content...)
	return nil
}

func (f *Fake) GetFile(_ context.Context, h *sandbox.Handle, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	data, ok := f.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) Destroy(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	if _, ok := f.live[h.ID]; ok {
		delete(f.live, h.ID)
		f.destroyed++
	}
	return nil
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// --- Inspection helpers ---

// SetFile seeds a file at an absolute path.
func (f *Fake) SetFile(p string, content []byte) {
	f.mu.Lock()
	f.files[path.Clean(p)] = content
	f.mu.Unlock()
}

// File returns the content at an absolute path.
func (f *Fake) File(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path.Clean(p)]
	return data, ok
}

// Calls returns a copy of every exec argv seen so far.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Created returns the number of successful Create calls.
func (f *Fake) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Destroyed returns the number of handles torn down.
func (f *Fake) Destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Live returns the number of handles not yet destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// --- Command emulation (caller holds f.mu) ---

func (f *Fake) emulate(wd string, argv []string) *sandbox.ExecResult {
	abs := func(p string) string {
		if path.IsAbs(p) {
			return path.Clean(p)
		}
		return path.Join(wd, p)
	}
	ok := func(out string) *sandbox.ExecResult { return &sandbox.ExecResult{Output: []byte(out)} }
	fail := func(code int, out string) *sandbox.ExecResult {
		return &sandbox.ExecResult{Output: []byte(out), ExitCode: code}
	}

	switch argv[0] {
	case "test":
		if len(argv) == 3 && argv[1] == "-f" {
			if _, exists := f.files[abs(argv[2])]; exists {
				return ok("")
			}
		}
		return fail(1, "")

	case "rm":
		force := false
		for _, a := range argv[1:] {
			if strings.HasPrefix(a, "-") {
				force = force || strings.Contains(a, "f")
				continue
			}
			p := abs(a)
			if _, exists := f.files[p]; !exists && !force {
				return fail(1, fmt.Sprintf("rm: cannot remove '%s': No such file or directory\n", a))
			}
			delete(f.files, p)
		}
		return ok("")

	case "touch":
		for _, a := range argv[1:] {
			p := abs(a)
			if _, exists := f.files[p]; !exists {
				f.files[p] = nil
			}
		}
		return ok("")

	case "cat":
		var sb strings.Builder
		for _, a := range argv[1:] {
			data, exists := f.files[abs(a)]
			if !exists {
				return fail(1, sb.String()+fmt.Sprintf("cat: %s: No such file or directory\n", a))
			}
			sb.Write(data)
		}
		return ok(sb.String())

	case "pwd":
		return ok(wd + "\n")

	case "ls":
		dir := wd
		if last := argv[len(argv)-1]; len(argv) > 1 && !strings.HasPrefix(last, "-") {
			dir = abs(last)
		}
		var sb strings.Builder
		for _, name := range f.namesIn(dir) {
			sb.WriteString(name + "\n")
		}
		return ok(sb.String())

	case "find":
		return f.emulateFind(abs, argv)

	case "/bin/sh", "sh":
		if len(argv) == 3 && argv[1] == "-c" && strings.HasPrefix(argv[2], "echo ") {
			return ok(unquoteEcho(strings.TrimPrefix(argv[2], "echo ")) + "\n")
		}
		return ok("")
	}
	return ok("")
}

func (f *Fake) emulateFind(abs func(string) string, argv []string) *sandbox.ExecResult {
	root := abs(argv[1])
	var pattern, printf string
	for i := 2; i < len(argv)-1; i++ {
		switch argv[i] {
		case "-name":
			pattern = argv[i+1]
		case "-printf":
			printf = argv[i+1]
		}
	}

	var sb strings.Builder
	for _, name := range f.namesIn(root) {
		if pattern != "" {
			if matched, _ := path.Match(pattern, name); !matched {
				continue
			}
		}
		if printf != "" {
			fmt.Fprintf(&sb, "%d 1700000000.0000000000 %s\n", len(f.files[path.Join(root, name)]), name)
			continue
		}
		sb.WriteString(path.Join(root, name) + "\n")
	}
	return &sandbox.ExecResult{Output: []byte(sb.String())}
}

// namesIn returns the sorted base names of files directly under dir.
func (f *Fake) namesIn(dir string) []string {
	var names []string
	for p := range f.files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names
}

func unquoteEcho(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	r := strings.NewReplacer(`\"`, `"`, `\\`, `\`, "\\$", "$", "\\`", "`")
	return r.Replace(s)
}
