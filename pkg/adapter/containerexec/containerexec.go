package containerexec

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// Engine names the container CLI binary to shell out to. docker and
// podman both implement this same verb surface (spec §4.5's argv table).
type Engine string

const (
	EngineDocker Engine = "docker"
	EnginePodman Engine = "podman"
)

// Option configures an Adapter, following the teacher's BaseCLIEngineOption
// functional-options pattern (internal/container/engine_base.go).
type Option func(*Adapter)

// WithNamePrefix sets the prefix used for auto-generated ephemeral
// container names (spec §4.5 "<prefix>-<counter>-<random6>").
func WithNamePrefix(prefix string) Option {
	return func(a *Adapter) { a.namePrefix = prefix }
}

// WithLogger attaches a structured logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Adapter) { a.log = log }
}

// WithBinaryPath overrides the resolved binary path, letting tests
// point the adapter at a fake CLI script instead of a real docker/podman
// install (mirroring the teacher's WithExecCommand test-injection option).
func WithBinaryPath(path string) Option {
	return func(a *Adapter) { a.binaryPath = path }
}

// Adapter runs commands inside containers managed by a docker/podman
// CLI binary (spec §4.5). It also tracks ephemeral containers it
// created so Dispose can tear them down.
type Adapter struct {
	engine     Engine
	binaryPath string
	namePrefix string
	log        *logrus.Entry

	mu        sync.Mutex
	ephemeral map[string]struct{} // names this adapter created and owns

	counter atomic.Uint64
}

// New resolves engine's binary on PATH and returns a bound adapter.
// Returns an error wrapping xecerr.ContainerCLIUnavailable if the
// binary cannot be found.
func New(engine Engine, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		engine:     engine,
		namePrefix: "xec",
		ephemeral:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.binaryPath == "" {
		path, err := exec.LookPath(string(engine))
		if err != nil {
			return nil, xecerr.New(xecerr.ContainerCLIUnavailable, string(engine), "", err)
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

func (a *Adapter) Name() string { return string(a.engine) }

func (a *Adapter) Available(ctx context.Context) bool {
	_, err := a.runCombined(ctx, versionArgs()...)
	return err == nil
}

// Dispose removes every ephemeral container this adapter created,
// best-effort, and returns the first error encountered (spec §4.5.1's
// "best-effort teardown on partial failure").
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	names := make([]string, 0, len(a.ephemeral))
	for name := range a.ephemeral {
		names = append(names, name)
	}
	a.ephemeral = make(map[string]struct{})
	a.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if _, err := a.runCombined(context.Background(), rmArgs(name, true)...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Execute runs cmd against the Command's Target.Container (spec §4.5).
// An existing container (Name set) is reached via "exec"; an
// EphemeralSpec is created, run once, and torn down if AutoRemove.
func (a *Adapter) Execute(ctx context.Context, cmd command.Command) (*command.Result, error) {
	cc := cmd.Target.Container
	if cc == nil {
		return nil, xecerr.New(xecerr.Internal, a.Name(), cmd.String(), fmt.Errorf("container target missing ContainerConfig"))
	}

	var argv []string
	if cmd.Argv != nil {
		argv = cmd.Argv
	} else {
		argv = []string{"sh", "-c", cmd.String()}
	}

	if cc.Name != "" {
		return a.execInExisting(ctx, cmd, cc.Name, argv)
	}
	return a.runEphemeral(ctx, cmd, cc.Spec, argv)
}

func (a *Adapter) execInExisting(ctx context.Context, cmd command.Command, container string, argv []string) (*command.Result, error) {
	args := execArgs(container, argv, cmd.WorkingDirectory, cmd.Environment, false)
	return a.runTracked(ctx, cmd, args)
}

func (a *Adapter) runEphemeral(ctx context.Context, cmd command.Command, spec command.EphemeralSpec, argv []string) (*command.Result, error) {
	if spec.Name == "" {
		spec.Name = a.generateName()
	}
	spec.Command = argv
	if spec.Environment == nil {
		spec.Environment = map[string]string{}
	}
	for k, v := range cmd.Environment {
		spec.Environment[k] = v
	}
	if spec.WorkingDir == "" {
		spec.WorkingDir = cmd.WorkingDirectory
	}

	a.mu.Lock()
	a.ephemeral[spec.Name] = struct{}{}
	a.mu.Unlock()

	args := runArgs(spec, false)
	result, err := a.runTracked(ctx, cmd, args)

	if spec.AutoRemove {
		a.mu.Lock()
		delete(a.ephemeral, spec.Name)
		a.mu.Unlock()
		_, _ = a.runCombined(context.Background(), rmArgs(spec.Name, true)...)
	}
	return result, err
}

// generateName produces "<prefix>-<counter>-<random6>" (spec §4.5
// "auto-generated names").
func (a *Adapter) generateName() string {
	n := a.counter.Add(1)
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", a.namePrefix, n, hex.EncodeToString(buf))
}

// runTracked runs args through the CLI with cmd's stdin/streams/timeout
// wired up, classifying the result the way localexec does.
func (a *Adapter) runTracked(ctx context.Context, cmd command.Command, args []string) (*command.Result, error) {
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

	line := a.binaryPath + " " + strings.Join(args, " ")
	started := time.Now()
	a.log.WithField("command", line).Debug("container: starting")

	err := ec.Run()
	ended := time.Now()

	result := &command.Result{
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		CommandLine: line,
		StartedAt:   started,
		EndedAt:     ended,
		AdapterName: a.Name(),
	}
	result.Exit = classifyExit(err)

	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		timeoutErr := xecerr.New(xecerr.Timeout, a.Name(), line, runCtx.Err()).WithResult(result.Exit.Code, "", string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		if cmd.SuppressThrow {
			return result, nil
		}
		return result, timeoutErr
	case ctx.Err() != nil:
		cancelErr := xecerr.New(xecerr.Cancelled, a.Name(), line, ctx.Err()).WithResult(result.Exit.Code, "", string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		return result, cancelErr
	case !result.Ok() && !cmd.SuppressThrow:
		kind := xecerr.ContainerOperationFailed
		stderr := strings.ToLower(string(result.Stderr))
		switch {
		case strings.Contains(stderr, "no such container"):
			kind = xecerr.ContainerNotFound
		case strings.Contains(stderr, "is not running"):
			kind = xecerr.ContainerNotRunning
		}
		return result, xecerr.New(kind, a.Name(), line, err).WithResult(result.Exit.Code, "", string(result.Stderr))
	default:
		return result, nil
	}
}

func (a *Adapter) runCombined(ctx context.Context, args ...string) (string, error) {
	ec := exec.CommandContext(ctx, a.binaryPath, args...)
	out, err := ec.CombinedOutput()
	return string(out), err
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

func teeOrBuf(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}

// Inspect satisfies adapter.Prober: returns the decoded JSON object for
// ref (spec §4.5 "inspect").
func (a *Adapter) Inspect(ctx context.Context, ref string) (map[string]any, error) {
	out, err := a.runCombined(ctx, inspectArgs(ref)...)
	if err != nil {
		return nil, xecerr.New(xecerr.ContainerNotFound, a.Name(), ref, err)
	}
	var decoded []map[string]any
	if jsonErr := json.Unmarshal([]byte(out), &decoded); jsonErr == nil && len(decoded) > 0 {
		return decoded[0], nil
	}
	var single map[string]any
	if jsonErr := json.Unmarshal([]byte(out), &single); jsonErr == nil {
		return single, nil
	}
	return map[string]any{"raw": out}, nil
}

// WaitHealthy polls Inspect until the container's health status is
// "healthy" or timeoutMillis elapses (spec §4.5 "health-wait polling").
func (a *Adapter) WaitHealthy(ctx context.Context, ref string, timeoutMillis, pollIntervalMillis int64) error {
	if pollIntervalMillis <= 0 {
		pollIntervalMillis = 500
	}
	deadline := time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)
	for {
		info, err := a.Inspect(ctx, ref)
		if err == nil {
			if status, ok := extractHealthStatus(info); ok && status == "healthy" {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return xecerr.New(xecerr.ContainerNotRunning, a.Name(), ref, fmt.Errorf("container did not become healthy within %dms", timeoutMillis))
		}
		select {
		case <-ctx.Done():
			return xecerr.New(xecerr.Cancelled, a.Name(), ref, ctx.Err())
		case <-time.After(time.Duration(pollIntervalMillis) * time.Millisecond):
		}
	}
}

func extractHealthStatus(info map[string]any) (string, bool) {
	state, ok := info["State"].(map[string]any)
	if !ok {
		return "", false
	}
	health, ok := state["Health"].(map[string]any)
	if !ok {
		return "", false
	}
	status, ok := health["Status"].(string)
	return status, ok
}

// Logs satisfies adapter.LogStreamer's signature but has no container
// reference to read from, so it always returns an xecerr.Internal
// error; LogsFor fetches a container's logs.
func (a *Adapter) Logs(ctx context.Context, opts adapter.LogOptions) (string, error) {
	return "", xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("Logs requires a container reference; use LogsFor"))
}

// LogsFor fetches the log tail of container ref.
func (a *Adapter) LogsFor(ctx context.Context, ref string, opts adapter.LogOptions) (string, error) {
	out, err := a.runCombined(ctx, logsArgs(ref, opts.Tail, opts.Since, opts.Timestamps, false)...)
	if err != nil {
		return "", xecerr.New(xecerr.ContainerOperationFailed, a.Name(), ref, err)
	}
	return out, nil
}

// StreamLogs satisfies adapter.LogStreamer's signature and always
// returns an xecerr.Internal error; StreamLogsFor streams a container's logs.
func (a *Adapter) StreamLogs(ctx context.Context, w io.Writer, opts adapter.LogOptions) error {
	return xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("StreamLogs requires a container reference; use StreamLogsFor"))
}

// StreamLogsFor writes container ref's log tail (optionally following) into w.
func (a *Adapter) StreamLogsFor(ctx context.Context, ref string, w io.Writer, opts adapter.LogOptions) error {
	args := logsArgs(ref, opts.Tail, opts.Since, opts.Timestamps, opts.Follow)
	ec := exec.CommandContext(ctx, a.binaryPath, args...)
	ec.Stdout = w
	ec.Stderr = w
	return ec.Run()
}

// FollowLogs satisfies adapter.LogStreamer.
func (a *Adapter) FollowLogs(ctx context.Context, sink io.Writer, opts adapter.LogOptions) (func(), error) {
	return nil, xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("FollowLogs requires a container reference; use FollowLogsFor"))
}

// FollowLogsFor starts a background "logs -f" against ref, writing into
// sink, and returns a stop function that cancels it.
func (a *Adapter) FollowLogsFor(ref string, sink io.Writer, opts adapter.LogOptions) (stop func(), err error) {
	opts.Follow = true
	ctx, cancel := context.WithCancel(context.Background())
	args := logsArgs(ref, opts.Tail, opts.Since, opts.Timestamps, true)
	ec := exec.CommandContext(ctx, a.binaryPath, args...)
	ec.Stdout = sink
	ec.Stderr = sink
	if startErr := ec.Start(); startErr != nil {
		cancel()
		return nil, xecerr.New(xecerr.ContainerOperationFailed, a.Name(), ref, startErr)
	}
	go func() { _ = ec.Wait() }()
	return cancel, nil
}

// Stop, Restart, Remove, List, IP expose the lifecycle-extras verbs
// (spec §4.5 "lifecycle extras").
func (a *Adapter) Stop(ctx context.Context, ref string) error {
	_, err := a.runCombined(ctx, stopArgs(ref)...)
	return wrapOpErr(a.Name(), ref, err)
}

func (a *Adapter) Restart(ctx context.Context, ref string) error {
	_, err := a.runCombined(ctx, restartArgs(ref)...)
	return wrapOpErr(a.Name(), ref, err)
}

func (a *Adapter) Remove(ctx context.Context, ref string, force bool) error {
	a.mu.Lock()
	delete(a.ephemeral, ref)
	a.mu.Unlock()
	_, err := a.runCombined(ctx, rmArgs(ref, force)...)
	return wrapOpErr(a.Name(), ref, err)
}

func (a *Adapter) List(ctx context.Context, nameFilter string) ([]string, error) {
	out, err := a.runCombined(ctx, psArgs(nameFilter)...)
	if err != nil {
		return nil, wrapOpErr(a.Name(), nameFilter, err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// IP returns the container's primary network IP via inspect's
// NetworkSettings.IPAddress field.
func (a *Adapter) IP(ctx context.Context, ref string) (string, error) {
	info, err := a.Inspect(ctx, ref)
	if err != nil {
		return "", err
	}
	netSettings, ok := info["NetworkSettings"].(map[string]any)
	if !ok {
		return "", xecerr.New(xecerr.ContainerOperationFailed, a.Name(), ref, fmt.Errorf("no NetworkSettings in inspect output"))
	}
	ip, _ := netSettings["IPAddress"].(string)
	if ip == "" {
		return "", xecerr.New(xecerr.ContainerNotRunning, a.Name(), ref, fmt.Errorf("container has no assigned IP"))
	}
	return ip, nil
}

// Upload/Download satisfy adapter.FileTransferer's signature only: they
// have no container reference and always return an xecerr.Internal
// error. CopyTo/CopyFrom do the copying via "<engine> cp", which
// already walks directory trees and resolves symlinks the way the
// host's cp does — spec §4.4.5's walk/symlink/chmod requirements are
// specific to the SSH adapter's file-by-file SFTP subprotocol, not this
// CLI-delegated copy (see DESIGN.md "Open Question decisions" entry 5).
func (a *Adapter) Upload(ctx context.Context, localPath, remotePath string, opts adapter.TransferOptions) error {
	return xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("Upload requires a container reference; use CopyTo"))
}

func (a *Adapter) Download(ctx context.Context, remotePath, localPath string, opts adapter.TransferOptions) error {
	return xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("Download requires a container reference; use CopyFrom"))
}

func (a *Adapter) CopyTo(ctx context.Context, ref, localPath, containerPath string) error {
	_, err := a.runCombined(ctx, cpArgs(localPath, ref+":"+containerPath)...)
	return wrapOpErr(a.Name(), ref, err)
}

func (a *Adapter) CopyFrom(ctx context.Context, ref, containerPath, localPath string) error {
	_, err := a.runCombined(ctx, cpArgs(ref+":"+containerPath, localPath)...)
	return wrapOpErr(a.Name(), ref, err)
}

// Network and Volume expose minimal lifecycle management for the
// Redis-cluster composite and other multi-container recipes.
func (a *Adapter) NetworkCreate(ctx context.Context, name, driver string) error {
	_, err := a.runCombined(ctx, networkCreateArgs(name, driver)...)
	return wrapOpErr(a.Name(), name, err)
}

func (a *Adapter) NetworkRemove(ctx context.Context, name string) error {
	_, err := a.runCombined(ctx, networkRmArgs(name)...)
	return wrapOpErr(a.Name(), name, err)
}

func (a *Adapter) VolumeCreate(ctx context.Context, name string) error {
	_, err := a.runCombined(ctx, volumeCreateArgs(name)...)
	return wrapOpErr(a.Name(), name, err)
}

func (a *Adapter) VolumeRemove(ctx context.Context, name string) error {
	_, err := a.runCombined(ctx, volumeRmArgs(name)...)
	return wrapOpErr(a.Name(), name, err)
}

func (a *Adapter) Build(ctx context.Context, contextDir, dockerfile, tag string, noCache bool, buildArgsMap map[string]string) error {
	_, err := a.runCombined(ctx, buildArgs(contextDir, dockerfile, tag, noCache, buildArgsMap)...)
	return wrapOpErr(a.Name(), tag, err)
}

// RunOneOff starts a detached ephemeral container from spec and returns
// its generated (or given) name without waiting for it to exit — used
// by the Redis-cluster composite and other multi-container recipes
// that need long-running sidecars.
func (a *Adapter) RunOneOff(ctx context.Context, spec command.EphemeralSpec) (string, error) {
	if spec.Name == "" {
		spec.Name = a.generateName()
	}
	args := runArgs(spec, true)
	out, err := a.runCombined(ctx, args...)
	if err != nil {
		return "", xecerr.New(xecerr.ContainerOperationFailed, a.Name(), spec.Name, fmt.Errorf("%s: %s", err, out))
	}
	a.mu.Lock()
	a.ephemeral[spec.Name] = struct{}{}
	a.mu.Unlock()
	return spec.Name, nil
}

func wrapOpErr(adapterName, ref string, err error) error {
	if err == nil {
		return nil
	}
	return xecerr.New(xecerr.ContainerOperationFailed, adapterName, ref, err)
}

// parsePort is a small helper used by the Redis-cluster composite when
// it needs to predict host ports from a base plus an index.
func parsePort(s string) (int, error) { return strconv.Atoi(s) }
