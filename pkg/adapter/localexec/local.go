// Package localexec implements the local adapter (spec §4.3), spawning
// a child process on the host via os/exec. Grounded directly on the
// teacher's LocalSession.Run (core/decorator/local_session.go): same
// process-group kill on cancellation, same buffered+tee'd stdio, same
// exit/signal classification.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// killGrace is how long the adapter waits after sending a termination
// signal before escalating to a hard kill (spec §4.3, §5).
const killGrace = 500 * time.Millisecond

// Adapter runs commands on the local host.
type Adapter struct {
	Log *logrus.Entry
}

// New returns a local adapter. log may be nil; a discard logger is used.
func New(log *logrus.Entry) *Adapter {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Adapter{Log: log}
}

func (a *Adapter) Name() string { return "local" }

// Available always reports true: the local adapter needs no external
// daemon, only a shell or the requested program on PATH.
func (a *Adapter) Available(ctx context.Context) bool { return true }

func (a *Adapter) Dispose() error { return nil }

func (a *Adapter) Execute(ctx context.Context, cmd command.Command) (*command.Result, error) {
	argv, commandLine, err := resolveArgv(cmd)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, cmd.Timeout)
		defer cancelTimeout()
	}

	ec := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if cmd.WorkingDirectory != "" {
		ec.Dir = cmd.WorkingDirectory
	}
	ec.Env = mergedEnviron(cmd.Environment)
	if runtime.GOOS != "windows" {
		ec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	if cmd.Stdin != nil {
		ec.Stdin = cmd.Stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	ec.Stdout = teeOrBuf(&stdoutBuf, cmd.StdoutSink)
	ec.Stderr = teeOrBuf(&stderrBuf, cmd.StderrSink)

	started := time.Now()
	a.Log.WithField("command", commandLine).Debug("local: starting")

	if err := ec.Start(); err != nil {
		return nil, xecerr.New(xecerr.CommandFailed, a.Name(), commandLine, err)
	}

	done := make(chan error, 1)
	go func() { done <- ec.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = ctx.Err() == nil // parent ctx still alive => our own timeout fired
		killProcessGroup(ec, killGrace, done)
		waitErr = <-done
	case waitErr = <-done:
	}

	ended := time.Now()
	result := &command.Result{
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		CommandLine: commandLine,
		StartedAt:   started,
		EndedAt:     ended,
		AdapterName: a.Name(),
	}

	result.Exit = classifyExit(waitErr)

	switch {
	case ctx.Err() != nil && !timedOut:
		err := xecerr.New(xecerr.Cancelled, a.Name(), commandLine, ctx.Err()).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		return result, err
	case timedOut:
		err := xecerr.New(xecerr.Timeout, a.Name(), commandLine, runCtx.Err()).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		if cmd.SuppressThrow {
			return result, nil
		}
		return result, err
	case !result.Ok() && !cmd.SuppressThrow:
		return result, xecerr.New(xecerr.CommandFailed, a.Name(), commandLine, waitErr).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
	default:
		return result, nil
	}
}

func resolveArgv(cmd command.Command) (argv []string, commandLine string, err error) {
	if cmd.ShellMode == command.ShellDisabled {
		if len(cmd.Argv) == 0 {
			return nil, "", xecerr.New(xecerr.Internal, "local", "", errors.New("disabled shell mode requires Argv"))
		}
		return cmd.Argv, command.QuoteArgv(cmd.Argv), nil
	}

	shellPath := cmd.ShellPath
	if cmd.ShellMode == command.ShellAuto || shellPath == "" {
		shellPath = os.Getenv("SHELL")
		if shellPath == "" {
			shellPath = "/bin/sh"
		}
	}

	line := cmd.ProgramString
	if line == "" {
		line = command.QuoteArgv(cmd.Argv)
	}
	return []string{shellPath, "-c", line}, line, nil
}

func mergedEnviron(overlay map[string]string) []string {
	base := os.Environ()
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			merged[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func teeOrBuf(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}

// killProcessGroup sends SIGTERM to the whole process group, waits up
// to grace for a clean exit, then escalates to SIGKILL (spec §4.3/§5).
func killProcessGroup(ec *exec.Cmd, grace time.Duration, done <-chan error) {
	if ec.Process == nil || runtime.GOOS == "windows" {
		return
	}
	pgid := -ec.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

func classifyExit(waitErr error) command.ExitStatus {
	if waitErr == nil {
		return command.ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			return command.ExitStatus{Code: 128 + int(sig), Signaled: true, Signal: sig.String()}
		}
		return command.ExitStatus{Code: exitErr.ExitCode()}
	}
	return command.ExitStatus{Code: -1}
}
