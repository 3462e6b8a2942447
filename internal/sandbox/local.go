package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// LocalProvider runs sandboxes as subprocesses under per-sandbox work
// directories. It stands in for a remote execution service; the manager
// is agnostic either way.
type LocalProvider struct {
	baseDir string

	mu   sync.Mutex
	dirs map[string]string
	envs map[string]map[string]string
}

// NewLocalProvider creates a provider rooted at baseDir. An empty
// baseDir uses the system temp dir.
func NewLocalProvider(baseDir string) *LocalProvider {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "conductor-sandboxes")
	}
	return &LocalProvider{
		baseDir: baseDir,
		dirs:    make(map[string]string),
		envs:    make(map[string]map[string]string),
	}
}

// Create provisions the sandbox work directory.
func (p *LocalProvider) Create(ctx context.Context, id string, opts CreateOptions) error {
	dir := opts.WorkDir
	if dir == "" {
		dir = filepath.Join(p.baseDir, id)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("sandbox create: %w", err)
	}
	p.mu.Lock()
	p.dirs[id] = dir
	p.envs[id] = opts.Env
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) dir(id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir, ok := p.dirs[id]
	if !ok {
		return "", fmt.Errorf("sandbox %s: unknown to provider", id)
	}
	return dir, nil
}

func (p *LocalProvider) command(ctx context.Context, id, command string, opts ExecOptions) (*exec.Cmd, context.CancelFunc, error) {
	dir, err := p.dir(id)
	if err != nil {
		return nil, nil, err
	}
	cancel := context.CancelFunc(func() {})
	if opts.TimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMS)*time.Millisecond)
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if opts.Cwd != "" {
		cmd.Dir = filepath.Join(dir, opts.Cwd)
	}
	cmd.Env = os.Environ()
	p.mu.Lock()
	for k, v := range p.envs[id] {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	p.mu.Unlock()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, cancel, nil
}

// Exec runs a shell command in the sandbox and captures output.
func (p *LocalProvider) Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error) {
	cmd, cancel, err := p.command(ctx, id, command, opts)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err = cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("sandbox exec: %w", err)
	}
	return res, nil
}

// ExecStreaming runs a shell command forwarding output chunks through
// the callbacks as they arrive.
func (p *LocalProvider) ExecStreaming(ctx context.Context, id, command string, opts ExecOptions, cb StreamCallbacks) (*ExecResult, error) {
	cmd, cancel, err := p.command(ctx, id, command, opts)
	if err != nil {
		return nil, err
	}
	defer cancel()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox exec: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox exec: %w", err)
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox exec: %w", err)
	}
	if cb.OnStart != nil {
		cb.OnStart()
	}

	var stdout, stderr bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamPipe(stdoutPipe, &stdout, "stdout", cb.OnStdout, cb)
	}()
	go func() {
		defer wg.Done()
		streamPipe(stderrPipe, &stderr, "stderr", cb.OnStderr, cb)
	}()
	wg.Wait()
	err = cmd.Wait()

	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox exec: %w", err)
		}
	}
	if cb.OnComplete != nil {
		cb.OnComplete(*res)
	}
	return res, nil
}

func streamPipe(r io.Reader, buf *bytes.Buffer, kind string, onData func([]byte), cb StreamCallbacks) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			buf.Write(data)
			if onData != nil {
				onData(data)
			}
			if cb.OnOutput != nil {
				cb.OnOutput(OutputChunk{Type: kind, Data: data})
			}
		}
		if err != nil {
			return
		}
	}
}

// FileOperation performs a file operation relative to the sandbox dir.
func (p *LocalProvider) FileOperation(ctx context.Context, id string, op FileOp) (*FileOpResult, error) {
	dir, err := p.dir(id)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, op.Path)
	switch op.Type {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &FileOpResult{Success: true, Content: string(data)}, nil
	case "write":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(op.Content), 0644); err != nil {
			return nil, err
		}
		return &FileOpResult{Success: true}, nil
	case "delete":
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		return &FileOpResult{Success: true}, nil
	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return &FileOpResult{Success: true, Entries: names}, nil
	case "exists":
		// Best-effort read: any error reports not-exists.
		if _, err := os.ReadFile(path); err != nil {
			return &FileOpResult{Success: true, Exists: false}, nil
		}
		return &FileOpResult{Success: true, Exists: true}, nil
	default:
		return nil, fmt.Errorf("unknown file operation %q", op.Type)
	}
}

// Stop tears down the sandbox work directory.
func (p *LocalProvider) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	dir, ok := p.dirs[id]
	delete(p.dirs, id)
	delete(p.envs, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}
