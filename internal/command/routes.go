package command

import (
	"context"
	"path"
	"slices"
	"strings"
)

// handler runs a matched command. arg is the trimmed text after the
// matched prefix, or "" for an exact match.
type handler func(d *Dispatcher, ctx context.Context, command, arg string) Result

// route is one entry of the command table. The first matching route wins;
// unmatched commands go to the shell.
type route struct {
	name     string
	exact    []string
	prefixes []string
	handle   handler
}

func (r route) match(command string) (string, bool) {
	for _, e := range r.exact {
		if command == e {
			return "", true
		}
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(command, p) {
			return strings.TrimSpace(command[len(p):]), true
		}
	}
	return "", false
}

func defaultRoutes() []route {
	return []route{
		{name: "ls", exact: []string{"ls", "ls -la", "dir"}, handle: (*Dispatcher).list},
		{name: "cat", prefixes: []string{"cat "}, handle: (*Dispatcher).cat},
		{name: "echo", prefixes: []string{"echo "}, handle: (*Dispatcher).echo},
		{name: "pwd", exact: []string{"pwd"}, handle: (*Dispatcher).pwd},
		{name: "python", prefixes: []string{"python ", "python3 "}, handle: (*Dispatcher).runFile},
		{name: "python-current", exact: []string{"python", "python3"}, handle: (*Dispatcher).runCurrent},
		{name: "pip", prefixes: []string{"pip ", "pip3 "}, handle: (*Dispatcher).pip},
		{name: "touch", prefixes: []string{"touch "}, handle: (*Dispatcher).touch},
		{name: "rm", prefixes: []string{"rm "}, handle: (*Dispatcher).remove},
		{name: "clear", exact: []string{"clear"}, handle: (*Dispatcher).clear},
	}
}

func (d *Dispatcher) list(ctx context.Context, _, _ string) Result {
	return d.exec(ctx, []string{"ls", "-la", d.handle.WorkDir}, "")
}

func (d *Dispatcher) cat(ctx context.Context, _, arg string) Result {
	return d.exec(ctx, append([]string{"cat"}, d.paths(arg)...), "")
}

// echo goes through sh so variables still expand; quotes and backslashes
// in the text are escaped.
func (d *Dispatcher) echo(ctx context.Context, command, _ string) Result {
	text := strings.TrimPrefix(command, "echo ")
	return d.exec(ctx, []string{"/bin/sh", "-c", `echo "` + escapeDoubleQuoted(text) + `"`}, "")
}

func (d *Dispatcher) pwd(ctx context.Context, _, _ string) Result {
	return d.exec(ctx, []string{"pwd"}, d.handle.WorkDir)
}

func (d *Dispatcher) runFile(ctx context.Context, _, arg string) Result {
	return d.exec(ctx, append([]string{d.interpreter}, strings.Fields(arg)...), d.handle.WorkDir)
}

func (d *Dispatcher) runCurrent(ctx context.Context, _, _ string) Result {
	return d.exec(ctx, []string{d.interpreter, d.script}, d.handle.WorkDir)
}

func (d *Dispatcher) pip(ctx context.Context, command, _ string) Result {
	return d.exec(ctx, strings.Fields(command), d.handle.WorkDir)
}

func (d *Dispatcher) touch(ctx context.Context, _, arg string) Result {
	res := d.exec(ctx, append([]string{"touch"}, d.paths(arg)...), "")
	if res.Err == nil && res.ExitCode == 0 {
		cached := d.files.Keys()
		for _, name := range operands(arg) {
			if !slices.Contains(cached, name) {
				d.files.Set(name, "")
			}
		}
	}
	return res
}

func (d *Dispatcher) remove(ctx context.Context, _, arg string) Result {
	res := d.exec(ctx, append([]string{"rm"}, d.paths(arg)...), "")
	if res.Err == nil && res.ExitCode == 0 {
		for _, name := range operands(arg) {
			d.files.Forget(name)
		}
	}
	return res
}

func (d *Dispatcher) clear(context.Context, string, string) Result {
	return Result{Stdout: ClearScreen}
}

// shell runs anything unmatched through sh in the working directory.
func (d *Dispatcher) shell(ctx context.Context, command, _ string) Result {
	return d.exec(ctx, []string{"/bin/sh", "-c", command}, d.handle.WorkDir)
}

// paths resolves whitespace-separated filenames under the working
// directory. Flags pass through unchanged.
func (d *Dispatcher) paths(arg string) []string {
	fields := strings.Fields(arg)
	out := make([]string, len(fields))
	for i, f := range fields {
		if strings.HasPrefix(f, "-") {
			out[i] = f
			continue
		}
		out[i] = path.Join(d.handle.WorkDir, f)
	}
	return out
}

// operands returns the non-flag fields of arg.
func operands(arg string) []string {
	var names []string
	for _, f := range strings.Fields(arg) {
		if !strings.HasPrefix(f, "-") {
			names = append(names, f)
		}
	}
	return names
}

func escapeDoubleQuoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(s)
}
