package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/kura/internal/concurrency"
	kuraErrors "github.com/harunnryd/kura/internal/errors"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultWaitDelay = 2 * time.Second
)

// Request describes one invocation of a backend management tool.
type Request struct {
	Binary  string
	Args    []string
	Stdin   string
	Env     []string
	Dir     string
	Timeout time.Duration
}

func (r Request) String() string {
	if len(r.Args) == 0 {
		return r.Binary
	}
	return r.Binary + " " + strings.Join(r.Args, " ")
}

type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Line is one line read from a streamed process, without its terminator.
type Line struct {
	Stream string
	Text   string
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type Stats struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Timeouts int64 `json:"timeouts"`
	Streams  int64 `json:"streams"`
	Detached int64 `json:"detached"`
	InFlight int64 `json:"detached_in_flight"`
}

// Executor runs backend commands. Run and Stream block until exit or timeout; Spawn
// returns as soon as the process has started.
type Executor interface {
	Run(ctx context.Context, req Request) (Result, error)
	Spawn(ctx context.Context, req Request) error
	Stream(ctx context.Context, req Request, onLine func(Line)) (Result, error)
	Stats() Stats
}

type CommandExecutor struct {
	timeout   time.Duration
	waitDelay time.Duration

	runs     atomic.Int64
	failures atomic.Int64
	timeouts atomic.Int64
	streams  atomic.Int64
	detached atomic.Int64
	inFlight atomic.Int64
}

func NewCommandExecutor(timeout time.Duration) *CommandExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CommandExecutor{
		timeout:   timeout,
		waitDelay: DefaultWaitDelay,
	}
}

func (e *CommandExecutor) Run(ctx context.Context, req Request) (Result, error) {
	var stdout, stderr bytes.Buffer
	return e.run(ctx, req, &stdout, &stderr, func() (string, string) {
		return stdout.String(), stderr.String()
	})
}

func (e *CommandExecutor) Stream(ctx context.Context, req Request, onLine func(Line)) (Result, error) {
	e.streams.Add(1)

	sink := newLineSink(onLine)
	stdout := sink.writer(StreamStdout)
	stderr := sink.writer(StreamStderr)

	return e.run(ctx, req, stdout, stderr, func() (string, string) {
		stdout.flush()
		stderr.flush()
		return stdout.captured(), stderr.captured()
	})
}

func (e *CommandExecutor) run(ctx context.Context, req Request, stdout, stderr io.Writer, collect func() (string, string)) (Result, error) {
	if strings.TrimSpace(req.Binary) == "" {
		return Result{}, kuraErrors.InvalidInput("command binary is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Binary, req.Args...)
	cmd.WaitDelay = e.waitDelay
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Debug("Executing command", "command", req.String(), "timeout", timeout)

	e.runs.Add(1)
	start := time.Now()
	err := cmd.Run()

	outText, errText := collect()
	result := Result{
		Stdout:   outText,
		Stderr:   errText,
		ExitCode: exitCode(cmd, err),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		e.timeouts.Add(1)
		return result, kuraErrors.Timeout("%s timed out after %dms", req.Binary, timeout.Milliseconds())
	}

	if err != nil {
		e.failures.Add(1)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, kuraErrors.BackendExecution("%s exited with code %d: %s", req.Binary, result.ExitCode, failureText(result))
		}
		return result, kuraErrors.BackendExecution("failed to run %s: %v", req.Binary, err)
	}

	return result, nil
}

// Spawn launches the command without waiting for it. The process is reaped in the
// background; its output is discarded and the executor never kills it.
func (e *CommandExecutor) Spawn(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Binary) == "" {
		return kuraErrors.InvalidInput("command binary is required")
	}
	if err := ctx.Err(); err != nil {
		return kuraErrors.Internal("spawn %s cancelled: %v", req.Binary, err)
	}

	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	if err := cmd.Start(); err != nil {
		e.failures.Add(1)
		return kuraErrors.BackendExecution("failed to launch %s: %v", req.Binary, err)
	}

	e.detached.Add(1)
	e.inFlight.Add(1)
	slog.Debug("Launched detached command", "command", req.String(), "pid", cmd.Process.Pid)

	started := time.Now()
	concurrency.SafeGo("reap "+req.Binary, func() {
		defer e.inFlight.Add(-1)
		if err := cmd.Wait(); err != nil {
			slog.Warn("Detached command exited with error", "command", req.String(), "error", err, "elapsed", time.Since(started))
			return
		}
		slog.Debug("Detached command exited", "command", req.String(), "elapsed", time.Since(started))
	}, nil)

	return nil
}

func (e *CommandExecutor) Stats() Stats {
	return Stats{
		Runs:     e.runs.Load(),
		Failures: e.failures.Load(),
		Timeouts: e.timeouts.Load(),
		Streams:  e.streams.Load(),
		Detached: e.detached.Load(),
		InFlight: e.inFlight.Load(),
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func failureText(result Result) string {
	text := strings.TrimSpace(result.Stderr)
	if text == "" {
		text = strings.TrimSpace(result.Stdout)
	}
	if text == "" {
		return "no output"
	}
	return text
}

// Describe formats a finished command for log lines without its captured output.
func Describe(req Request, result Result) string {
	return fmt.Sprintf("%s (exit %d, %s)", req.String(), result.ExitCode, result.Duration.Round(time.Millisecond))
}
