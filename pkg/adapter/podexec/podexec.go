// Package podexec implements the cluster-pod adapter (spec §4.6): a
// thin CLI wrapper over kubectl, built the same way containerexec
// wraps docker/podman — resolve a binary, build argv per verb, shell
// out via os/exec, classify the exit.
package podexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// Option configures an Adapter.
type Option func(*Adapter)

func WithBinaryPath(path string) Option { return func(a *Adapter) { a.binaryPath = path } }
func WithLogger(log *logrus.Entry) Option {
	return func(a *Adapter) { a.log = log }
}

// Adapter runs commands inside pods reached through a kubectl-compatible CLI.
type Adapter struct {
	binaryPath string
	log        *logrus.Entry
}

// New resolves the kubectl binary (or the CLI named bin) on PATH.
func New(bin string, opts ...Option) (*Adapter, error) {
	a := &Adapter{}
	for _, opt := range opts {
		opt(a)
	}
	if a.binaryPath == "" {
		if bin == "" {
			bin = "kubectl"
		}
		path, err := exec.LookPath(bin)
		if err != nil {
			return nil, xecerr.New(xecerr.AdapterUnavailable, "pod", "", err)
		}
		a.binaryPath = path
	}
	if a.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		a.log = logrus.NewEntry(l)
	}
	return a, nil
}

func (a *Adapter) Name() string { return "pod" }

func (a *Adapter) Available(ctx context.Context) bool {
	ec := exec.CommandContext(ctx, a.binaryPath, "version", "--client")
	return ec.Run() == nil
}

func (a *Adapter) Dispose() error { return nil }

func (a *Adapter) Execute(ctx context.Context, cmd command.Command) (*command.Result, error) {
	pc := cmd.Target.Pod
	if pc == nil {
		return nil, xecerr.New(xecerr.Internal, a.Name(), cmd.String(), fmt.Errorf("pod target missing PodConfig"))
	}

	var argv []string
	if cmd.Argv != nil {
		argv = cmd.Argv
	} else {
		argv = []string{"sh", "-c", cmd.String()}
	}

	args := execArgs(pc, argv)

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	ec := exec.CommandContext(runCtx, a.binaryPath, args...)
	if cmd.Stdin != nil {
		ec.Stdin = cmd.Stdin
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	ec.Stdout = teeOrBuf(&stdoutBuf, cmd.StdoutSink)
	ec.Stderr = teeOrBuf(&stderrBuf, cmd.StderrSink)

	started := time.Now()
	err := ec.Run()
	ended := time.Now()

	result := &command.Result{
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		CommandLine: a.binaryPath + " " + command.QuoteArgv(args),
		StartedAt:   started,
		EndedAt:     ended,
		AdapterName: a.Name(),
	}
	result.Exit = classifyExit(err)

	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		timeoutErr := xecerr.New(xecerr.Timeout, a.Name(), result.CommandLine, runCtx.Err()).WithResult(result.Exit.Code, "", string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		if cmd.SuppressThrow {
			return result, nil
		}
		return result, timeoutErr
	case ctx.Err() != nil:
		cancelErr := xecerr.New(xecerr.Cancelled, a.Name(), result.CommandLine, ctx.Err()).WithResult(result.Exit.Code, "", string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		return result, cancelErr
	case !result.Ok() && !cmd.SuppressThrow:
		return result, xecerr.New(xecerr.CommandFailed, a.Name(), result.CommandLine, err).WithResult(result.Exit.Code, "", string(result.Stderr))
	default:
		return result, nil
	}
}

func execArgs(pc *command.PodConfig, argv []string) []string {
	args := []string{"exec", "-i"}
	if pc.Namespace != "" {
		args = append(args, "-n", pc.Namespace)
	}
	args = append(args, pc.Name, "--")
	args = append(args, argv...)
	return args
}

func logsArgs(pc *command.PodConfig, opts adapter.LogOptions) []string {
	args := []string{"logs"}
	if pc.Namespace != "" {
		args = append(args, "-n", pc.Namespace)
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", opts.Tail))
	}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	if opts.Follow {
		args = append(args, "-f")
	}
	args = append(args, pc.Name)
	return args
}

// LogsFor, StreamLogsFor and FollowLogsFor take an explicit pod
// argument, matching the container adapter's *For naming convention.
// The Adapter has no bare Logs/StreamLogs/FollowLogs methods, so it
// does not implement adapter.LogStreamer.
func (a *Adapter) LogsFor(ctx context.Context, pc *command.PodConfig, opts adapter.LogOptions) (string, error) {
	ec := exec.CommandContext(ctx, a.binaryPath, logsArgs(pc, opts)...)
	out, err := ec.CombinedOutput()
	if err != nil {
		return "", xecerr.New(xecerr.CommandFailed, a.Name(), "", err)
	}
	return string(out), nil
}

func (a *Adapter) StreamLogsFor(ctx context.Context, pc *command.PodConfig, w io.Writer, opts adapter.LogOptions) error {
	ec := exec.CommandContext(ctx, a.binaryPath, logsArgs(pc, opts)...)
	ec.Stdout = w
	ec.Stderr = w
	return ec.Run()
}

func (a *Adapter) FollowLogsFor(pc *command.PodConfig, sink io.Writer, opts adapter.LogOptions) (stop func(), err error) {
	opts.Follow = true
	ctx, cancel := context.WithCancel(context.Background())
	ec := exec.CommandContext(ctx, a.binaryPath, logsArgs(pc, opts)...)
	ec.Stdout = sink
	ec.Stderr = sink
	if startErr := ec.Start(); startErr != nil {
		cancel()
		return nil, xecerr.New(xecerr.CommandFailed, a.Name(), "", startErr)
	}
	go func() { _ = ec.Wait() }()
	return cancel, nil
}

// PortForward starts "kubectl port-forward" from localPort to
// podPort and returns a stop function (spec §4.6 "portForward").
func (a *Adapter) PortForward(pc *command.PodConfig, localPort, podPort int) (stop func(), err error) {
	args := []string{"port-forward"}
	if pc.Namespace != "" {
		args = append(args, "-n", pc.Namespace)
	}
	args = append(args, pc.Name, fmt.Sprintf("%d:%d", localPort, podPort))

	ctx, cancel := context.WithCancel(context.Background())
	ec := exec.CommandContext(ctx, a.binaryPath, args...)
	if startErr := ec.Start(); startErr != nil {
		cancel()
		return nil, xecerr.New(xecerr.CommandFailed, a.Name(), "", startErr)
	}
	go func() { _ = ec.Wait() }()
	return cancel, nil
}

// PortForwardDynamic does not start a port-forward: it always returns
// 0, a nil stop function and an xecerr.Internal error (spec §4.6
// "portForwardDynamic").
func (a *Adapter) PortForwardDynamic(pc *command.PodConfig, podPort int) (localPort int, stop func(), err error) {
	// kubectl resolves ":0" to a free port and prints
	// "Forwarding from 127.0.0.1:<port> -> <podPort>" on stdout; this
	// adapter does not parse that stream. PortForward takes a fixed
	// local port.
	return 0, nil, xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("PortForwardDynamic requires parsing kubectl's streamed stdout; not implemented by this fake-free adapter"))
}

// CopyTo and CopyFrom satisfy adapter.FileTransferer semantics via
// "kubectl cp", parameterized with an explicit pod like the container
// adapter's CopyTo/CopyFrom.
func (a *Adapter) CopyTo(ctx context.Context, pc *command.PodConfig, localPath, podPath string) error {
	dst := pc.Name + ":" + podPath
	if pc.Namespace != "" {
		dst = pc.Namespace + "/" + dst
	}
	ec := exec.CommandContext(ctx, a.binaryPath, "cp", localPath, dst)
	out, err := ec.CombinedOutput()
	if err != nil {
		return xecerr.New(xecerr.CommandFailed, a.Name(), "", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (a *Adapter) CopyFrom(ctx context.Context, pc *command.PodConfig, podPath, localPath string) error {
	src := pc.Name + ":" + podPath
	if pc.Namespace != "" {
		src = pc.Namespace + "/" + src
	}
	ec := exec.CommandContext(ctx, a.binaryPath, "cp", src, localPath)
	out, err := ec.CombinedOutput()
	if err != nil {
		return xecerr.New(xecerr.CommandFailed, a.Name(), "", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func teeOrBuf(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}

func classifyExit(err error) command.ExitStatus {
	if err == nil {
		return command.ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return command.ExitStatus{Code: exitErr.ExitCode()}
	}
	return command.ExitStatus{Code: -1}
}
