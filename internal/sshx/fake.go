package sshx

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spotnest/spotnest/internal/models"
)

// FakeFile is one entry in a FakeRunner host filesystem.
type FakeFile struct {
	Data  []byte
	Mtime int64
	Mode  uint32
}

// FakeRunner emulates remote hosts for tests: an in-memory filesystem per
// host plus just enough shell to satisfy the commands the engines issue
// (workspace walks, cat, staged scripts). Custom commands go through Handle.
type FakeRunner struct {
	mu    sync.Mutex
	hosts map[string]map[string]*FakeFile

	// Handle, when set, gets first crack at every command. Returning
	// handled=false falls through to the built-in emulation.
	Handle func(ep models.Endpoint, cmd string) (out string, handled bool, err error)

	// Unreachable hosts fail every call.
	Unreachable map[string]bool

	Commands []string
	// Timeouts collects the budgets passed to RunWithTimeout.
	Timeouts []time.Duration
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		hosts:       make(map[string]map[string]*FakeFile),
		Unreachable: make(map[string]bool),
	}
}

// PutFile seeds a file on a host.
func (f *FakeRunner) PutFile(host, filePath string, data []byte, mtime int64, mode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.hosts[host]
	if fs == nil {
		fs = make(map[string]*FakeFile)
		f.hosts[host] = fs
	}
	fs[filePath] = &FakeFile{Data: data, Mtime: mtime, Mode: mode}
}

// File returns a seeded or uploaded file, or nil.
func (f *FakeRunner) File(host, filePath string) *FakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fs := f.hosts[host]; fs != nil {
		return fs[filePath]
	}
	return nil
}

// RemoveFile deletes a file from a host.
func (f *FakeRunner) RemoveFile(host, filePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fs := f.hosts[host]; fs != nil {
		delete(fs, filePath)
	}
}

// Files lists paths under prefix on a host, sorted.
func (f *FakeRunner) Files(host, prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.hosts[host] {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// RunWithTimeout records the explicit budget, then runs the command; fake
// commands never block, so the budget is bookkeeping only.
func (f *FakeRunner) RunWithTimeout(ctx context.Context, ep models.Endpoint, cmd string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.Timeouts = append(f.Timeouts, timeout)
	f.mu.Unlock()
	return f.Run(ctx, ep, cmd)
}

func (f *FakeRunner) Run(ctx context.Context, ep models.Endpoint, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	unreachable := f.Unreachable[ep.Host]
	f.mu.Unlock()

	if unreachable {
		return "", fmt.Errorf("ssh dial %s: connection refused", ep.Host)
	}

	if f.Handle != nil {
		if out, handled, err := f.Handle(ep, cmd); handled {
			return out, err
		}
	}

	switch {
	case strings.HasPrefix(cmd, "cd "):
		return f.runFind(ep.Host, cmd)
	case strings.HasPrefix(cmd, "cat "):
		return f.runCat(ep.Host, cmd)
	case strings.HasPrefix(cmd, "bash "):
		return f.runScript(ep.Host, cmd)
	case strings.HasPrefix(cmd, "true"), strings.HasPrefix(cmd, "echo "):
		return strings.TrimPrefix(cmd, "echo "), nil
	}
	return "", fmt.Errorf("fake runner: unhandled command %q", cmd)
}

func (f *FakeRunner) Upload(ctx context.Context, ep models.Endpoint, filePath string, content []byte, mode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	unreachable := f.Unreachable[ep.Host]
	f.mu.Unlock()
	if unreachable {
		return fmt.Errorf("ssh dial %s: connection refused", ep.Host)
	}

	m, err := strconv.ParseUint(strings.TrimPrefix(mode, "0"), 8, 32)
	if err != nil {
		m = 0644
	}
	f.PutFile(ep.Host, filePath, content, time.Now().Unix(), uint32(m))
	return nil
}

func (f *FakeRunner) ProbeTCP(ep models.Endpoint, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unreachable[ep.Host]
}

var quoted = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

func firstQuoted(s string) (string, bool) {
	m := quoted.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	out, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		return "", false
	}
	return out, true
}

func allQuoted(s string) []string {
	var out []string
	for _, m := range quoted.FindAllStringSubmatch(s, -1) {
		if v, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// runFind emulates the workspace walk: a cd into the workspace followed by
// find with optional name pruning and a size/mtime/mode/path printf.
func (f *FakeRunner) runFind(host, cmd string) (string, error) {
	ws, ok := firstQuoted(cmd)
	if !ok {
		return "", fmt.Errorf("fake runner: no workspace in %q", cmd)
	}

	var excludes []string
	if idx := strings.Index(cmd, "-prune"); idx >= 0 {
		if all := allQuoted(cmd[:idx]); len(all) > 1 {
			excludes = all[1:]
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var lines []string
	prefix := strings.TrimRight(ws, "/") + "/"
	for p, file := range f.hosts[host] {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		skip := false
		for _, part := range strings.Split(path.Dir(rel), "/") {
			for _, ex := range excludes {
				if part == ex {
					skip = true
				}
			}
		}
		if skip {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d\t%d.0000000000\t%#o\t%s", len(file.Data), file.Mtime, file.Mode, rel))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n", nil
}

func (f *FakeRunner) runCat(host, cmd string) (string, error) {
	p, ok := firstQuoted(cmd)
	if !ok {
		return "", fmt.Errorf("fake runner: no path in %q", cmd)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.hosts[host][p]
	if file == nil {
		return "", fmt.Errorf("cat: %s: no such file", p)
	}
	return string(file.Data), nil
}

// runScript executes a previously uploaded script consisting of touch and
// chmod lines, which is all the relay transport stages.
func (f *FakeRunner) runScript(host, cmd string) (string, error) {
	scriptPath, ok := firstQuoted(cmd)
	if !ok {
		return "", fmt.Errorf("fake runner: no script path in %q", cmd)
	}
	f.mu.Lock()
	script := f.hosts[host][scriptPath]
	f.mu.Unlock()
	if script == nil {
		return "", fmt.Errorf("bash: %s: no such file", scriptPath)
	}

	for _, line := range strings.Split(string(script.Data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "touch -m -d @") {
			continue
		}
		rest := strings.TrimPrefix(line, "touch -m -d @")
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			continue
		}
		mtime, err := strconv.ParseInt(rest[:sp], 10, 64)
		if err != nil {
			continue
		}
		target, ok := firstQuoted(rest[sp:])
		if !ok {
			continue
		}
		f.mu.Lock()
		if file := f.hosts[host][target]; file != nil {
			file.Mtime = mtime
		}
		f.mu.Unlock()
	}

	f.RemoveFile(host, scriptPath)
	return "", nil
}
