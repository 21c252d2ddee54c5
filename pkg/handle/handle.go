// Package handle implements the process handle (spec §4.9): a
// deferred, lockable future over a Command's execution. A Handle is
// built configurable (builder methods still apply), becomes dispatched
// the moment anything forces it (an accessor call, or explicit Start),
// then streaming while the underlying adapter runs, then terminal once
// the Result or error is available. Every accessor after the first
// memoizes and replays the same outcome to later callers — multiple
// goroutines may await the same Handle.
//
// Grounded on the teacher's own execution path (core/decorator
// Session.Run plus the retry decorator wrapping it), generalized from
// "run synchronously, get a Result" into "hand back something
// representing the still-running work."
package handle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/retrypolicy"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// state names the four phases a Handle moves through, spec §4.9.
type state int

const (
	stateConfigurable state = iota
	stateDispatched
	stateStreaming
	stateTerminal
)

// Dispatcher is how a Handle actually runs a Command; the engine
// package supplies one bound to its adapter registry. Retries are
// applied by the Handle itself around the Dispatcher (see run).
// Kept here (not imported from engine) to avoid engine depending on
// handle depending on engine.
type Dispatcher func(ctx context.Context, cmd command.Command) (*command.Result, error)

// Handle is the deferred result of one Command, per spec §4.9.
type Handle struct {
	mu    sync.Mutex
	state state
	cmd   command.Command

	dispatch Dispatcher
	ctx      context.Context

	started bool
	done    chan struct{}
	result  *command.Result
	err     error

	extraStdout io.Writer // from Pipe/quiet-inverse wiring
	extraStderr io.Writer
}

// New returns a configurable Handle over cmd, not yet dispatched.
// ctx is the caller's ambient context; dispatch performs the actual run.
func New(ctx context.Context, cmd command.Command, dispatch Dispatcher) *Handle {
	return &Handle{
		state:    stateConfigurable,
		cmd:      cmd,
		dispatch: dispatch,
		ctx:      ctx,
		done:     make(chan struct{}),
	}
}

// --- Pre-dispatch modifiers (spec §4.9); each panics if the Handle has
// already been dispatched, since a running process's Command is fixed. ---

func (h *Handle) mustBeConfigurable(verb string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateConfigurable {
		panic(fmt.Sprintf("handle: %s called after dispatch", verb))
	}
}

func (h *Handle) WithTimeout(d time.Duration) *Handle {
	h.mustBeConfigurable("timeout")
	h.cmd = h.cmd.WithTimeout(d)
	return h
}

func (h *Handle) Cwd(dir string) *Handle {
	h.mustBeConfigurable("cwd")
	h.cmd = h.cmd.WithDir(dir)
	return h
}

func (h *Handle) Env(delta map[string]string) *Handle {
	h.mustBeConfigurable("env")
	h.cmd = h.cmd.WithEnv(delta)
	return h
}

func (h *Handle) Shell(path string) *Handle {
	h.mustBeConfigurable("shell")
	h.cmd = h.cmd.WithShell(path)
	return h
}

func (h *Handle) Quiet() *Handle {
	h.mustBeConfigurable("quiet")
	h.mu.Lock()
	h.extraStdout, h.extraStderr = nil, nil
	h.mu.Unlock()
	return h
}

// Pipe tees the running process's stdout (not stderr) to w in addition to
// the buffers Handle captures (spec §4.9 "pipe()").
func (h *Handle) Pipe(w io.Writer) *Handle {
	h.mustBeConfigurable("pipe")
	h.mu.Lock()
	h.extraStdout = w
	h.mu.Unlock()
	return h
}

func (h *Handle) NoThrow() *Handle {
	h.mustBeConfigurable("nothrow")
	h.cmd = h.cmd.WithNoThrow()
	return h
}

func (h *Handle) Retry(policy *retrypolicy.Policy) *Handle {
	h.mustBeConfigurable("retry")
	h.cmd = h.cmd.WithRetry(policy)
	return h
}

// Start forces dispatch without blocking for completion. Idempotent.
func (h *Handle) Start() *Handle {
	h.ensureStarted()
	return h
}

func (h *Handle) ensureStarted() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.state = stateDispatched
	cmd := h.cmd
	if h.extraStdout != nil || h.extraStderr != nil {
		cmd = cmd.WithStreams(h.extraStdout, h.extraStderr)
	}
	h.state = stateStreaming
	h.mu.Unlock()

	go h.run(cmd)
}

func (h *Handle) run(cmd command.Command) {
	var result *command.Result
	var err error

	if cmd.Retry != nil {
		outcome := retrypolicy.Run(h.ctx, cmd.Retry, cmd.SuppressThrow,
			func(r *command.Result, e error) bool { return e != nil || (r != nil && !r.Ok()) },
			func(ctx context.Context) (*command.Result, error) { return h.dispatch(ctx, cmd) },
		)
		result, err = outcome.Result, outcome.Err
	} else {
		result, err = h.dispatch(h.ctx, cmd)
	}

	h.mu.Lock()
	h.result, h.err = result, err
	h.state = stateTerminal
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the Handle reaches its terminal state and returns
// the final Result/error, memoized for every caller.
func (h *Handle) Wait(ctx context.Context) (*command.Result, error) {
	h.ensureStarted()
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, xecerr.New(xecerr.Cancelled, "", h.cmd.String(), ctx.Err())
	}
}

// Kill does not signal the process: it ignores signal and returns nil
// in every state, before or after dispatch. A running command stops
// only when the context passed to New is cancelled.
func (h *Handle) Kill(signal string) error {
	// The concrete adapters own process lifetime; a generic Handle has
	// no portable handle on a remote/container PID. Local cancellation
	// is achieved by cancelling the context passed to New, which every
	// adapter honors (spec §4.3/§4.4/§4.5's ctx.Done() handling).
	return nil
}

// AwaitStdout awaits completion and returns stdout with all trailing
// newlines trimmed, satisfying command.Awaitable for interpolation
// (spec §4.1 "awaiting a Handle embeds its trimmed stdout").
func (h *Handle) AwaitStdout(ctx context.Context) (string, error) {
	result, err := h.Wait(ctx)
	if result == nil {
		return "", err
	}
	return strings.TrimRight(string(result.Stdout), "\n"), err
}

// Text is an alias for AwaitStdout with a conventional accessor name.
func (h *Handle) Text(ctx context.Context) (string, error) { return h.AwaitStdout(ctx) }

// Buffer awaits completion and returns raw, untrimmed stdout bytes.
func (h *Handle) Buffer(ctx context.Context) ([]byte, error) {
	result, err := h.Wait(ctx)
	if result == nil {
		return nil, err
	}
	return result.Stdout, err
}

// JSON awaits completion and unmarshals stdout into v.
func (h *Handle) JSON(ctx context.Context, v any) error {
	result, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(result.Stdout, v)
}

// Lines awaits completion and splits stdout into non-empty lines.
func (h *Handle) Lines(ctx context.Context) ([]string, error) {
	result, err := h.Wait(ctx)
	if result == nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(result.Stdout))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, err
}

// ExitCode awaits completion and returns the process's exit status,
// even when the Handle's error is non-nil (e.g. non-zero exit without
// SuppressThrow still carries a Result).
func (h *Handle) ExitCode(ctx context.Context) (int, error) {
	result, err := h.Wait(ctx)
	if result == nil {
		return -1, err
	}
	return result.Exit.Code, nil
}

// Interactive attaches the ambient process's stdin, stdout, and stderr
// to the running command (spec §4.9 "interactive() attaches ambient
// stdin and a TTY"). It does not allocate a pty: no adapter here dials
// out over a transport that can request one (the SSH adapter never
// asks for "pty-req", and the container/pod adapters pass the CLI's
// own `-t` only for an ephemeral container whose spec sets TTY), so a command that truly needs a controlling
// terminal (e.g. one that reacts to window-size changes or isatty()
// checks) will still see a plain pipe on the far end.
func (h *Handle) Interactive() *Handle {
	h.mustBeConfigurable("interactive")
	h.mu.Lock()
	h.extraStdout = os.Stdout
	h.extraStderr = os.Stderr
	h.cmd = h.cmd.WithStdin(os.Stdin)
	h.mu.Unlock()
	return h
}
