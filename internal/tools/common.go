package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ToolSpec defines how to invoke an external tool.
type ToolSpec struct {
	Name       string
	BinaryName string
	Args       []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env entries are appended to the process environment.
	Env     []string
	Timeout time.Duration
}

// ToolResult captures the outcome of a tool execution.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error
}

// Exited reports whether the process ran and exited on its own, with any
// status. Start failures, timeouts and signals report false.
func (r *ToolResult) Exited() bool {
	return r.ExitCode >= 0
}

// OutputLine represents a single line of real-time output.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Done      bool      `json:"done,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}

// Runner executes external tools. ExecRunner is the real implementation;
// tests substitute their own.
type Runner interface {
	Run(ctx context.Context, spec ToolSpec, output chan<- OutputLine) *ToolResult
}

// ExecRunner runs tools as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, spec ToolSpec, output chan<- OutputLine) *ToolResult {
	return Run(ctx, spec, output)
}

// CheckInstalled verifies that a tool binary exists on PATH.
func CheckInstalled(binaryName string) (string, error) {
	path, err := exec.LookPath(binaryName)
	if err != nil {
		return "", fmt.Errorf("%s is not installed or not on PATH", binaryName)
	}
	return path, nil
}

// waitDelay bounds how long Run waits for output pipes after the process
// group was killed.
const waitDelay = 2 * time.Second

// Run executes a tool and sends each line of output to the channel, if one
// is given. The channel is closed when the tool exits. On timeout the whole
// process group is killed, including children the tool forked.
func Run(ctx context.Context, spec ToolSpec, output chan<- OutputLine) *ToolResult {
	if output != nil {
		defer close(output)
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()

	stdout := &lineWriter{stream: "stdout", output: output}
	stderr := &lineWriter{stream: "stderr", output: output}
	cmd := exec.CommandContext(ctx, spec.BinaryName, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return &ToolResult{ExitCode: -1, Error: fmt.Errorf("start %s: %w", spec.BinaryName, err), Duration: time.Since(start)}
	}

	exitCode := 0
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exitCode = -1
		waitErr = fmt.Errorf("%s timed out after %s: %w", spec.BinaryName, spec.Timeout, ctx.Err())
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitCode()
	case waitErr != nil:
		exitCode = -1
	}

	return &ToolResult{
		ExitCode: exitCode,
		Stdout:   stdout.all.String(),
		Stderr:   stderr.all.String(),
		Duration: time.Since(start),
		Error:    waitErr,
	}
}

// lineWriter keeps everything written to it and forwards complete lines to
// output. exec.Cmd copies each stream from a single goroutine.
type lineWriter struct {
	stream  string
	output  chan<- OutputLine
	all     strings.Builder
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.all.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.output == nil {
		return
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	w.output <- OutputLine{Timestamp: time.Now(), Stream: w.stream, Line: string(line)}
}
