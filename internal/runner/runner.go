// Package runner runs external tools for the extraction pipeline.
//
// Commands are spawned with os/exec. When stdout capture is requested the
// process exit and the drain of its stdout pipe are awaited independently,
// and both must finish before Run returns. Shell pipelines are executed by
// an in-process POSIX shell interpreter which spawns the pipeline's programs.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/frederic-klein/srcfetch/internal/fetcherr"
	"github.com/frederic-klein/srcfetch/internal/logging"
)

const defaultStderrLimit = 4096

// Command is a single program invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// CaptureStdout collects stdout into Result.Stdout.
	CaptureStdout bool
	// Env is appended to the current environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Script is a shell program run by the embedded interpreter. Params are
// exposed as the positional parameters $1, $2, ...
type Script struct {
	Name   string
	Source string
	Dir    string
	Params []string
}

// Result is the outcome of a successful Run.
type Result struct {
	// Stdout is nil unless capture was requested.
	Stdout []byte
}

// Exec runs commands on the host.
type Exec struct {
	logger      logging.Logger
	output      io.Writer
	stderrLimit int
	waitDelay   time.Duration
}

// Option configures an Exec.
type Option func(*Exec)

// WithLogger sets the logger used for command tracing.
func WithLogger(l logging.Logger) Option {
	return func(e *Exec) {
		e.logger = l
	}
}

// WithOutput sets where uncaptured stdout and all stderr are mirrored.
// By default uncaptured output is discarded.
func WithOutput(w io.Writer) Option {
	return func(e *Exec) {
		e.output = w
	}
}

// WithStderrLimit sets how many trailing stderr bytes are kept for errors.
func WithStderrLimit(n int) Option {
	return func(e *Exec) {
		e.stderrLimit = n
	}
}

// WithWaitDelay bounds how long Run waits for I/O after a canceled process exits.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Exec) {
		e.waitDelay = d
	}
}

// NewExec creates a host command runner.
func NewExec(opts ...Option) *Exec {
	e := &Exec{
		logger:      logging.Discard(),
		output:      io.Discard,
		stderrLimit: defaultStderrLimit,
		waitDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes cmd and blocks until the process has exited and, when
// capture is requested, its stdout has been fully drained.
func (e *Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	e.logger.Debug("running command", "cmd", cmd.String(), "dir", cmd.Dir)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = e.waitDelay
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	stderr := newTailBuffer(e.stderrLimit)
	c.Stderr = io.MultiWriter(stderr, e.output)

	if !cmd.CaptureStdout {
		c.Stdout = e.output
		if err := c.Start(); err != nil {
			return nil, spawnError(cmd, err)
		}
		if err := c.Wait(); err != nil {
			return nil, exitError(ctx, cmd, err, stderr.String())
		}
		return &Result{}, nil
	}

	// An *os.File as Stdout keeps exec from starting its own copy goroutine,
	// so exit and drain are two independent completions.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, spawnError(cmd, err)
	}
	c.Stdout = pw
	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, spawnError(cmd, err)
	}
	pw.Close()

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
		waitErr   error
		spliceErr error
		out       bytes.Buffer
	)
	closeReader := func() { closeOnce.Do(func() { pr.Close() }) }

	wg.Add(2)
	go func() {
		defer wg.Done()
		waitErr = c.Wait()
		if ctx.Err() != nil {
			// Descendants may still hold the write end.
			closeReader()
		}
	}()
	go func() {
		defer wg.Done()
		_, spliceErr = io.Copy(&out, pr)
		closeReader()
	}()
	wg.Wait()

	return captured(ctx, cmd, waitErr, spliceErr, stderr.String(), out.Bytes())
}

// captured combines the two completions of a captured run. A process
// failure is reported in preference to a failed stdout drain.
func captured(ctx context.Context, cmd Command, waitErr, spliceErr error, stderr string, stdout []byte) (*Result, error) {
	if waitErr != nil {
		return nil, exitError(ctx, cmd, waitErr, stderr)
	}
	if spliceErr != nil {
		return nil, fetcherr.New(fetcherr.StreamSpliceFailed, cmd.Name, spliceErr)
	}
	return &Result{Stdout: stdout}, nil
}

// RunScript executes s with the embedded shell interpreter.
func (e *Exec) RunScript(ctx context.Context, s Script) error {
	e.logger.Debug("running script", "script", s.Source, "params", strings.Join(s.Params, " "), "dir", s.Dir)

	prog, err := syntax.NewParser().Parse(strings.NewReader(s.Source), s.Name)
	if err != nil {
		return fetcherr.New(fetcherr.ExternalToolFailed, s.Dir, &fetcherr.ToolError{
			Tool: s.Name, ExitCode: -1, Err: err,
		})
	}

	stderr := newTailBuffer(e.stderrLimit)
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(os.Environ()...)),
		interp.StdIO(nil, e.output, io.MultiWriter(stderr, e.output)),
	}
	if s.Dir != "" {
		opts = append(opts, interp.Dir(s.Dir))
	}
	if len(s.Params) > 0 {
		// "--" keeps params such as "-x" from being read as shell options.
		opts = append(opts, interp.Params(append([]string{"--"}, s.Params...)...))
	}

	r, err := interp.New(opts...)
	if err != nil {
		return fetcherr.New(fetcherr.ExternalToolFailed, s.Dir, &fetcherr.ToolError{
			Tool: s.Name, ExitCode: -1, Err: err,
		})
	}

	if err := r.Run(ctx, prog); err != nil {
		toolErr := &fetcherr.ToolError{Tool: s.Name, Args: s.Params, ExitCode: -1, Stderr: stderr.String(), Err: err}
		var status interp.ExitStatus
		switch {
		case ctx.Err() != nil:
			toolErr.Err = ctx.Err()
		case errors.As(err, &status):
			toolErr.ExitCode = int(status)
		}
		return fetcherr.New(fetcherr.ExternalToolFailed, s.Dir, toolErr)
	}
	return nil
}

func spawnError(cmd Command, err error) error {
	return fetcherr.New(fetcherr.ExternalToolFailed, cmd.Dir, &fetcherr.ToolError{
		Tool: cmd.Name, Args: cmd.Args, ExitCode: -1, Err: err,
	})
}

func exitError(ctx context.Context, cmd Command, err error, stderr string) error {
	toolErr := &fetcherr.ToolError{Tool: cmd.Name, Args: cmd.Args, ExitCode: -1, Stderr: stderr, Err: err}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		toolErr.Err = ctx.Err()
	case errors.As(err, &exitErr):
		toolErr.ExitCode = exitErr.ExitCode()
	}
	return fetcherr.New(fetcherr.ExternalToolFailed, cmd.Dir, toolErr)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit <= 0 {
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
