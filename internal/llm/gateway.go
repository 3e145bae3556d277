// Package llm defines the boundary to the external LLM gateway.
//
// The gateway is a black box: it takes a prompt and, when file edits are part
// of the task, a single directory it may touch. Engines never hand it a path
// outside that root — in particular, the extraction driver passes only its
// sandbox directory, never the global memory file.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable indicates a temporary gateway outage. Callers treat it as
// retriable; any other error is permanent.
var ErrUnavailable = errors.New("llm gateway unavailable")

// Task is one unit of work for the gateway.
type Task struct {
	// Prompt is the full instruction text.
	Prompt string

	// SandboxRoot, when non-empty, is the only directory the gateway may
	// read or write. Tasks that need no file access leave it empty.
	SandboxRoot string
}

// Result is the gateway's terminal answer for a task.
type Result struct {
	// Output is the textual answer. Tasks whose effect is file edits under
	// SandboxRoot may return an empty output.
	Output string
}

// Gateway runs LLM tasks. Implementations own their transport, batching, and
// path scoping; tests inject deterministic stand-ins.
type Gateway interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// Func adapts a function to the Gateway interface.
type Func func(ctx context.Context, task Task) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}
