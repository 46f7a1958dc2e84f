// Package files keeps a per-session, write-through cache of user files and
// reconciles it with the sandbox filesystem.
package files

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// ErrNotFound is returned by Lookup when the file exists neither in the
// cache nor in the sandbox.
var ErrNotFound = errors.New("file not found")

// Entry describes a file in the session working directory.
type Entry struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Cache maps filenames to contents for one session. Safe for concurrent use.
type Cache struct {
	client sandbox.Client
	handle *sandbox.Handle
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]string
}

// NewCache creates an empty cache bound to a sandbox handle.
func NewCache(client sandbox.Client, handle *sandbox.Handle, logger *slog.Logger) *Cache {
	return &Cache{
		client:  client,
		handle:  handle,
		logger:  logger,
		entries: make(map[string]string),
	}
}

// Path returns the absolute sandbox path of a filename.
func (c *Cache) Path(name string) string {
	return path.Join(c.handle.WorkDir, name)
}

// Write stores content in the cache, then writes it to the sandbox.
// Sandbox failures are logged; the cache keeps the new content either way.
func (c *Cache) Write(ctx context.Context, name, content string) {
	c.Set(name, content)

	if err := c.client.PutFile(ctx, c.handle, c.Path(name), []byte(content)); err != nil {
		c.logger.Warn("file write to sandbox failed",
			slog.String("session_id", c.handle.SessionID),
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}

// Read returns the file content, preferring the cache. Any failure,
// including a missing file, yields "".
func (c *Cache) Read(ctx context.Context, name string) string {
	content, err := c.Lookup(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("file read from sandbox failed",
				slog.String("session_id", c.handle.SessionID),
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
		return ""
	}
	return content
}

// Lookup is Read with errors: ErrNotFound when the file is absent, the
// sandbox error otherwise. A successful sandbox read populates the cache.
func (c *Cache) Lookup(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	content, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := c.client.GetFile(ctx, c.handle, c.Path(name))
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("reading %s: %w", name, err)
	}

	content = string(data)
	c.Set(name, content)
	return content, nil
}

// Exists reports whether the file is cached or present in the sandbox.
// Probe errors count as absent.
func (c *Cache) Exists(ctx context.Context, name string) bool {
	c.mu.RLock()
	_, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return true
	}

	res, err := c.client.Exec(ctx, c.handle, sandbox.ExecRequest{
		Command: []string{"test", "-f", c.Path(name)},
	})
	if err != nil {
		return false
	}
	return res.ExitCode == 0
}

// Delete removes the file from the cache and, best-effort, from the sandbox.
func (c *Cache) Delete(ctx context.Context, name string) {
	c.Forget(name)

	res, err := c.client.Exec(ctx, c.handle, sandbox.ExecRequest{
		Command: []string{"rm", "-f", c.Path(name)},
	})
	if err != nil {
		c.logger.Warn("file delete in sandbox failed",
			slog.String("session_id", c.handle.SessionID),
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.ExitCode != 0 {
		c.logger.Warn("file delete in sandbox failed",
			slog.String("session_id", c.handle.SessionID),
			slog.String("file", name),
			slog.Int("exit_code", res.ExitCode),
		)
	}
}

// Set updates the cache only.
func (c *Cache) Set(name, content string) {
	c.mu.Lock()
	c.entries[name] = content
	c.mu.Unlock()
}

// Forget drops a cache entry without touching the sandbox.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Keys returns the cached filenames, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Cached returns an entry per cached file, sized by its cached content.
// Modification times are unknown and left zero.
func (c *Cache) Cached() []Entry {
	c.mu.RLock()
	entries := make([]Entry, 0, len(c.entries))
	for name, content := range c.entries {
		entries = append(entries, Entry{Name: name, Size: int64(len(content))})
	}
	c.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// List returns the filenames in the working directory. When the sandbox
// listing fails, the cached filenames are returned instead.
func (c *Cache) List(ctx context.Context) []string {
	res, err := c.client.Exec(ctx, c.handle, sandbox.ExecRequest{
		Command: []string{"ls", "-1Ap", c.handle.WorkDir},
	})
	if err != nil || res.ExitCode != 0 {
		if err != nil {
			c.logger.Debug("directory listing failed, using cache",
				slog.String("session_id", c.handle.SessionID),
				slog.String("error", err.Error()),
			)
		}
		return c.Keys()
	}
	return parseListing(string(res.Output))
}

// parseListing extracts regular entries from `ls -1Ap` output. Directories
// carry a trailing slash and are skipped.
func parseListing(out string) []string {
	var names []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasSuffix(line, "/") {
			continue
		}
		names = append(names, line)
	}
	sort.Strings(names)
	return names
}

// Entries returns name, size and modification time of every regular file in
// the working directory.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	res, err := c.client.Exec(ctx, c.handle, sandbox.ExecRequest{
		Command: []string{"find", ".", "-maxdepth", "1", "-type", "f", "-printf", `%s %T@ %f\n`},
		WorkDir: c.handle.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing files: find exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return parseEntries(string(res.Output)), nil
}

// parseEntries parses "<size> <epoch.frac> <name>" lines. Names may contain
// spaces. Malformed lines are skipped.
func parseEntries(out string) []Entry {
	var entries []Entry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), " ", 3)
		if len(fields) != 3 || fields[2] == "" {
			continue
		}
		size, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:     fields[2],
			Size:     size,
			Modified: time.Unix(int64(secs), 0).UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
