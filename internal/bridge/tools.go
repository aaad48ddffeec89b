package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// toolRegistryServerName is the MCP server name the registry's embedded
// server is registered under, matching the "mcp__acp__<Name>" addressing
// builtinToolPrefix assumes.
const toolRegistryServerName = "acp"

// ToolRegistry implements the bridge's own built-in tool catalog (Read,
// Write, Edit, Bash in both foreground and backgrounded form, BashOutput,
// KillShell) and wraps them as an in-process MCP server, which Serve exposes
// to the backend over a loopback HTTP listener. It is constructed before the
// backend client connects (the Serve URL must be merged into the client's
// mcpServers before Connect), so it is bound only to the session's cwd
// rather than to the *Session itself, which does not exist yet at that
// point.
type ToolRegistry struct {
	cwd string

	bgMu       sync.Mutex
	background map[string]*backgroundProcess
}

// NewToolRegistry builds a registry rooted at cwd.
func NewToolRegistry(cwd string) *ToolRegistry {
	return &ToolRegistry{
		cwd:        cwd,
		background: make(map[string]*backgroundProcess),
	}
}

// NewMCPServer builds the in-process MCP server exposing the registry's tool
// bodies, registered under toolRegistryServerName so the backend addresses
// them as "mcp__acp__<Name>".
func (r *ToolRegistry) NewMCPServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    toolRegistryServerName,
		Version: "0.1.0",
	}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "Bash",
		Description: "Run a shell command, optionally detached in the background.",
	}, r.handleBash)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "BashOutput",
		Description: "Fetch output captured so far from a backgrounded Bash command.",
	}, r.handleBashOutput)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "KillShell",
		Description: "Terminate a backgrounded Bash command.",
	}, r.handleKillShell)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "Read",
		Description: "Read a text file, confined to the session's working directory.",
	}, r.handleRead)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "Write",
		Description: "Write a text file, confined to the session's working directory.",
	}, r.handleWrite)
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "Edit",
		Description: "Replace a substring within a text file, confined to the session's working directory.",
	}, r.handleEdit)

	return server
}

// Serve starts the registry's MCP server behind a loopback-only HTTP
// listener and returns its URL and a close func to shut it down. The
// claude CLI subprocess the backend SDK spawns is a separate OS process, so
// unlike a test harness (which can hand the server an in-memory transport
// pair) it must reach the registry over a real transport; loopback HTTP
// keeps that traffic off any real network interface.
func (r *ToolRegistry) Serve() (url string, closeFn func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen for tool registry server: %w", err)
	}

	server := r.NewMCPServer()
	handler := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
	httpServer := &http.Server{Handler: handler}

	go func() {
		_ = httpServer.Serve(ln)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return fmt.Sprintf("http://127.0.0.1:%d/", addr.Port), func() { _ = httpServer.Close() }, nil
}

func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}

// KillAll terminates every backgrounded process still running, used when the
// owning session disconnects.
func (r *ToolRegistry) KillAll() {
	r.bgMu.Lock()
	procs := make([]*backgroundProcess, 0, len(r.background))
	for _, p := range r.background {
		procs = append(procs, p)
	}
	r.bgMu.Unlock()
	for _, p := range procs {
		p.mu.Lock()
		running := p.status == BackgroundProcessStarted
		p.mu.Unlock()
		if running {
			p.cancel()
		}
	}
}

type bashInput struct {
	Command    string `json:"command"`
	Background bool   `json:"run_in_background,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
}

func (r *ToolRegistry) handleBash(ctx context.Context, _ *mcpsdk.CallToolRequest, in bashInput) (*mcpsdk.CallToolResult, any, error) {
	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	out, err := r.RunBash(ctx, in.Command, in.Background, timeout)
	if err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult(out, false), nil, nil
}

type bashOutputInput struct {
	ShellID string `json:"bash_id"`
}

func (r *ToolRegistry) handleBashOutput(_ context.Context, _ *mcpsdk.CallToolRequest, in bashOutputInput) (*mcpsdk.CallToolResult, any, error) {
	out, status, err := r.BashOutput(in.ShellID)
	if err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult(fmt.Sprintf("[%s]\n%s", status, out), false), nil, nil
}

type killShellInput struct {
	ShellID string `json:"shell_id"`
}

func (r *ToolRegistry) handleKillShell(_ context.Context, _ *mcpsdk.CallToolRequest, in killShellInput) (*mcpsdk.CallToolResult, any, error) {
	if err := r.KillShell(in.ShellID); err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult("killed", false), nil, nil
}

type readInput struct {
	Path   string `json:"file_path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *ToolRegistry) handleRead(_ context.Context, _ *mcpsdk.CallToolRequest, in readInput) (*mcpsdk.CallToolResult, any, error) {
	content, err := r.ReadFile(in.Path, in.Offset, in.Limit)
	if err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult(content, false), nil, nil
}

type writeInput struct {
	Path    string `json:"file_path"`
	Content string `json:"content"`
}

func (r *ToolRegistry) handleWrite(_ context.Context, _ *mcpsdk.CallToolRequest, in writeInput) (*mcpsdk.CallToolResult, any, error) {
	if err := r.WriteFile(in.Path, in.Content); err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult("written", false), nil, nil
}

type editInput struct {
	Path       string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (r *ToolRegistry) handleEdit(_ context.Context, _ *mcpsdk.CallToolRequest, in editInput) (*mcpsdk.CallToolResult, any, error) {
	if err := r.EditFile(in.Path, in.OldString, in.NewString, in.ReplaceAll); err != nil {
		return textResult(err.Error(), true), nil, nil
	}
	return textResult("edited", false), nil, nil
}

// RunBash executes a shell command. When background is true, the command is
// started detached and a handle id is returned immediately; output is
// polled later via BashOutput and the process may be ended via KillShell.
func (r *ToolRegistry) RunBash(ctx context.Context, command string, background bool, timeout time.Duration) (string, error) {
	if !background {
		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
		cmd.Dir = r.cwd
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("command failed: %w", err)
		}
		return string(out), nil
	}

	id := uuid.NewString()
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, "/bin/sh", "-c", command)
	cmd.Dir = r.cwd

	proc := &backgroundProcess{
		id:        id,
		command:   command,
		startedAt: time.Now(),
		status:    BackgroundProcessStarted,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start: %w", err)
	}

	r.bgMu.Lock()
	r.background[id] = proc
	r.bgMu.Unlock()

	go pumpBackgroundOutput(proc, stdout)
	go awaitBackgroundExit(cmd, proc, timeout)

	return id, nil
}

// pumpBackgroundOutput copies a backgrounded process's combined output into
// its ring-buffer-like string builder as it arrives, so BashOutput always
// sees output produced up to the moment it is called.
func pumpBackgroundOutput(proc *backgroundProcess, stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		proc.mu.Lock()
		proc.output.WriteString(scanner.Text())
		proc.output.WriteByte('\n')
		proc.mu.Unlock()
	}
}

func awaitBackgroundExit(cmd *exec.Cmd, proc *backgroundProcess, timeout time.Duration) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			proc.mu.Lock()
			proc.status = BackgroundProcessTimedOut
			proc.mu.Unlock()
			proc.cancel()
		})
	}
	err := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	proc.mu.Lock()
	if proc.status == BackgroundProcessStarted {
		if err != nil {
			proc.status = BackgroundProcessKilled
		} else {
			proc.status = BackgroundProcessExited
		}
	}
	proc.mu.Unlock()
	close(proc.done)
}

// BashOutput returns the output captured since the last call for a
// backgrounded process, along with its current status.
func (r *ToolRegistry) BashOutput(id string) (output string, status BackgroundProcessStatus, err error) {
	r.bgMu.Lock()
	proc, ok := r.background[id]
	r.bgMu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("unknown background process: %s", id)
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	out := proc.output.String()
	proc.output.Reset()
	proc.fetched = true
	return out, proc.status, nil
}

// KillShell terminates a backgrounded process and waits briefly for it to
// report exit.
func (r *ToolRegistry) KillShell(id string) error {
	r.bgMu.Lock()
	proc, ok := r.background[id]
	r.bgMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown background process: %s", id)
	}

	proc.mu.Lock()
	if proc.status == BackgroundProcessStarted {
		proc.status = BackgroundProcessKilled
	}
	proc.mu.Unlock()
	proc.cancel()

	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// resolvePath confines a tool-provided path to the session's cwd: relative
// paths are joined to it, and a path that resolves outside it is rejected.
func (r *ToolRegistry) resolvePath(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.cwd, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(r.cwd, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes session cwd %q", path, r.cwd)
	}
	return abs, nil
}

// ReadFile reads a text file, bounded to the session cwd.
func (r *ToolRegistry) ReadFile(path string, offset, limit int) (string, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	if offset <= 0 && limit <= 0 {
		return string(data), nil
	}
	if offset < 0 || offset > len(lines) {
		offset = len(lines)
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return strings.Join(lines[offset:end], "\n"), nil
}

// WriteFile writes content to path, bounded to the session cwd, creating
// parent directories as needed.
func (r *ToolRegistry) WriteFile(path, content string) error {
	abs, err := r.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EditFile replaces the single occurrence of oldStr with newStr in path, or
// every occurrence when replaceAll is true. It fails when oldStr is absent,
// or when it occurs more than once and replaceAll is false.
func (r *ToolRegistry) EditFile(path, oldStr, newStr string, replaceAll bool) error {
	abs, err := r.resolvePath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return fmt.Errorf("old_string not found in %s", path)
	}
	if !replaceAll && count > 1 {
		return fmt.Errorf("old_string is not unique in %s (%d matches)", path, count)
	}
	n := 1
	if replaceAll {
		n = -1
	}
	updated := strings.Replace(content, oldStr, newStr, n)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
