// Package sandbox executes provisioning commands in an isolated
// environment. Callers get a uniform surface over the docker and local
// drivers and a stable error taxonomy: unavailable sandbox, failed
// command, exceeded deadline.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"time"

	appErr "github.com/launchforge/engine/pkg/errors"
)

// LogSink receives one line of command output at a time, in order.
type LogSink func(line string)

// Request describes one provisioning command execution.
type Request struct {
	OperationType string            // build_image, plan, apply or destroy
	ProjectDir    string            // host directory with Dockerfile and terraform configs
	ImageTag      string            // target tag for build_image
	Env           map[string]string // credential material and tunables
}

// Result is what a successful execution produced.
type Result struct {
	ExitCode int
	ImageRef string         // set by build_image
	Outputs  map[string]any // terraform outputs, set by apply
}

// Timeouts maps an operation type to its execution bound.
type Timeouts func(operationType string) time.Duration

// Executor runs provisioning commands. Implementations must return errors
// carrying exactly one of the sandbox codes so callers can distinguish an
// unusable sandbox from a command that ran and failed.
type Executor interface {
	BuildImage(ctx context.Context, req Request, sink LogSink) (*Result, error)
	Plan(ctx context.Context, req Request, sink LogSink) (*Result, error)
	Apply(ctx context.Context, req Request, sink LogSink) (*Result, error)
	Destroy(ctx context.Context, req Request, sink LogSink) (*Result, error)
}

// Unavailable marks err as a sandbox-environment failure: the command never
// got a chance to run.
func Unavailable(err error, msg string) error {
	return appErr.Wrap(err, appErr.CodeSandboxUnavailable, msg)
}

// CommandFailed marks a command that ran and exited unsuccessfully.
func CommandFailed(operationType string, exitCode int) error {
	return appErr.Newf(appErr.CodeCommandFailed, "%s exited with code %d", operationType, exitCode).
		WithMeta("exit_code", exitCode)
}

// Exceeded marks a command killed at its execution bound.
func Exceeded(operationType string, bound time.Duration) error {
	return appErr.Newf(appErr.CodeDeadline, "%s exceeded %s execution bound", operationType, bound).
		WithMeta("timeout", bound.String())
}

// deadlineHit distinguishes our own bound expiring from a caller cancel.
func deadlineHit(runCtx context.Context, err error) bool {
	return errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// lineWriter splits a byte stream into lines and hands each to the sink.
// Partial trailing output is delivered on Flush.
type lineWriter struct {
	sink LogSink
	buf  bytes.Buffer
}

func newLineWriter(sink LogSink) *lineWriter { return &lineWriter{sink: sink} }

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if line != "" && w.sink != nil {
		w.sink(line)
	}
}
