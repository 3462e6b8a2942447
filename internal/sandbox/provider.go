// Package sandbox manages a bounded pool of disposable execution
// environments for agent processes.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// OutputChunk is a tagged piece of streaming output.
type OutputChunk struct {
	Type string // "stdout" or "stderr"
	Data []byte
}

// StreamCallbacks receive streaming execution output. Any callback may
// be nil.
type StreamCallbacks struct {
	OnStart    func()
	OnStdout   func(data []byte)
	OnStderr   func(data []byte)
	OnOutput   func(chunk OutputChunk)
	OnComplete func(result ExecResult)
	OnError    func(err error)
}

// FileOp is a file operation request inside a sandbox.
type FileOp struct {
	Type    string // read, write, delete, list, exists
	Path    string
	Content string // write only; missing content writes an empty file
}

// FileOpResult captures a file operation outcome. Errors are folded
// into the result rather than raised.
type FileOpResult struct {
	Success bool     `json:"success"`
	Content string   `json:"content,omitempty"`
	Entries []string `json:"entries,omitempty"`
	Exists  bool     `json:"exists,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// CreateOptions parameterize sandbox provisioning.
type CreateOptions struct {
	Template string
	Env      map[string]string
	WorkDir  string
}

// ExecOptions parameterize a command run. TimeoutMS of 0 means no
// per-call timeout.
type ExecOptions struct {
	Cwd       string
	TimeoutMS int64
	Env       map[string]string
}

// Provider abstracts the underlying execution service. The manager
// never reaches past this interface.
type Provider interface {
	Create(ctx context.Context, id string, opts CreateOptions) error
	Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error)
	ExecStreaming(ctx context.Context, id, command string, opts ExecOptions, cb StreamCallbacks) (*ExecResult, error)
	FileOperation(ctx context.Context, id string, op FileOp) (*FileOpResult, error)
	Stop(ctx context.Context, id string) error
}
