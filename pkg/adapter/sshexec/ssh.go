package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// Adapter runs commands over SSH, pooling ssh.Client connections by
// endpoint (spec §4.4). One Adapter instance serves every SSHConfig it
// is given; the pool keys connections internally.
type Adapter struct {
	pool *Pool
	log  *logrus.Entry
}

// New returns an SSH adapter whose pool evicts connections idle longer
// than idleAfter (0 disables eviction).
func New(idleAfter time.Duration, log *logrus.Entry) *Adapter {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Adapter{pool: NewPool(idleAfter), log: log}
}

func (a *Adapter) Name() string { return "ssh" }

func (a *Adapter) Available(ctx context.Context) bool {
	return true // reachability is per-target; checked at dial time
}

func (a *Adapter) Dispose() error { return a.pool.Dispose() }

func (a *Adapter) Execute(ctx context.Context, cmd command.Command) (*command.Result, error) {
	cfg := cmd.Target.SSH
	if cfg == nil {
		return nil, xecerr.New(xecerr.Internal, a.Name(), cmd.String(), fmt.Errorf("ssh target missing SSHConfig"))
	}

	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer a.pool.Release(cfg)

	session, err := client.NewSession()
	if err != nil {
		return nil, xecerr.New(xecerr.SSHChannelFailed, a.Name(), cmd.String(), err)
	}
	defer func() { _ = session.Close() }()

	line, err := buildRemoteCommand(cmd, cfg)
	if err != nil {
		return nil, err
	}

	if stdin := sudoStdin(cmd, cfg); stdin != nil {
		session.Stdin = stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = teeOrBuf(&stdoutBuf, cmd.StdoutSink)
	session.Stderr = teeOrBuf(&stderrBuf, cmd.StderrSink)

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, cmd.Timeout)
		defer cancelTimeout()
	}

	started := time.Now()
	a.log.WithField("host", cfg.Host).WithField("command", line).Debug("ssh: starting")

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var runErr error
	timedOut := false
	select {
	case <-runCtx.Done():
		timedOut = ctx.Err() == nil
		_ = session.Signal(ssh.SIGKILL)
		runErr = <-done
	case runErr = <-done:
	}

	ended := time.Now()
	result := &command.Result{
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		CommandLine: line,
		StartedAt:   started,
		EndedAt:     ended,
		AdapterName: a.Name(),
	}
	result.Exit = classifySSHExit(runErr)

	switch {
	case ctx.Err() != nil && !timedOut:
		err := xecerr.New(xecerr.Cancelled, a.Name(), line, ctx.Err()).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		return result, err
	case timedOut:
		err := xecerr.New(xecerr.Timeout, a.Name(), line, runCtx.Err()).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
		result.Exit = command.ExitStatus{Code: -1}
		if cmd.SuppressThrow {
			return result, nil
		}
		return result, err
	case !result.Ok() && !cmd.SuppressThrow:
		return result, xecerr.New(xecerr.CommandFailed, a.Name(), line, runErr).WithResult(result.Exit.Code, result.Exit.Signal, string(result.Stderr))
	default:
		return result, nil
	}
}

// buildRemoteCommand assembles the shell line actually sent over the
// channel: optional sudo prefix, optional cd prelude, then the argv or
// program string, mirroring the teacher's cd-then-exec composition in
// SSHSessionWithEnv.Run.
func buildRemoteCommand(cmd command.Command, cfg *command.SSHConfig) (string, error) {
	var body string
	if cmd.ProgramString != "" {
		body = cmd.ProgramString
	} else {
		body = command.QuoteArgv(cmd.Argv)
	}

	if len(cmd.Environment) > 0 {
		body = envPrelude(cmd.Environment) + body
	}

	if cmd.WorkingDirectory != "" {
		body = fmt.Sprintf("cd %s && %s", command.Quote(cmd.WorkingDirectory), body)
	}

	if cfg.SudoEnabled {
		sudoCmd, err := sudoWrap(body, cfg)
		if err != nil {
			return "", err
		}
		body = sudoCmd
	}

	return body, nil
}

func envPrelude(env map[string]string) string {
	var b bytes.Buffer
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%s; ", k, command.Quote(v))
	}
	return b.String()
}

// sudoWrap wraps body in a non-interactive sudo invocation (spec §4.4
// "sudo helper"): "-n" when no password is configured (fails fast
// rather than hanging on a prompt), "-S -p ''" otherwise, which reads
// the password from fd 0. The password itself never appears on the
// command line (see sudoStdin) — only a ps snapshot of argv would have
// exposed it, which is exactly what spec.md's Open Question (b) warns
// against.
func sudoWrap(body string, cfg *command.SSHConfig) (string, error) {
	if cfg.SudoPassword == "" {
		return fmt.Sprintf("sudo -n -- sh -c %s", command.Quote(body)), nil
	}
	return fmt.Sprintf("sudo -S -p '' -- sh -c %s", command.Quote(body)), nil
}

// sudoStdin builds the session's stdin when a sudo password must be
// supplied: the password line first (sudo -S consumes exactly one
// line from fd 0), then whatever stdin the command itself wants to
// see. Returns nil (leave the session's stdin unset) when there's
// nothing to wire — the same "no stdin" default the local adapter uses.
func sudoStdin(cmd command.Command, cfg *command.SSHConfig) io.Reader {
	if !cfg.SudoEnabled || cfg.SudoPassword == "" {
		return cmd.Stdin
	}
	rest := cmd.Stdin
	if rest == nil {
		rest = bytes.NewReader(nil)
	}
	return io.MultiReader(strings.NewReader(cfg.SudoPassword+"\n"), rest)
}

func teeOrBuf(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}

func classifySSHExit(runErr error) command.ExitStatus {
	if runErr == nil {
		return command.ExitStatus{Code: 0}
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		if exitErr.Signal() != "" {
			return command.ExitStatus{Code: 128, Signaled: true, Signal: exitErr.Signal()}
		}
		return command.ExitStatus{Code: exitErr.ExitStatus()}
	}
	return command.ExitStatus{Code: -1}
}

// The bare Adapter serves many hosts at once, so it cannot implement
// adapter.FileTransferer directly (that interface has no host
// parameter); BoundTo returns a host-scoped view that does.
func (a *Adapter) BoundTo(cfg *command.SSHConfig) *HostFileTransferer {
	return &HostFileTransferer{adapter: a, cfg: cfg}
}

// HostFileTransferer implements adapter.FileTransferer against one
// fixed SSH target, handed out by Adapter.BoundTo.
type HostFileTransferer struct {
	adapter *Adapter
	cfg     *command.SSHConfig
}

// Upload copies localPath to remotePath on the bound host. A directory
// source is walked (spec §4.4.5 "directory transfer walks the source
// tree; empty directories are created on the far side"); a symlink
// anywhere in the tree is rejected rather than followed whenever
// opts.PreserveMode is set, since preserving its mode would otherwise
// mean chmod-ing whatever the link resolves to, possibly outside the
// tree the caller asked to transfer.
func (h *HostFileTransferer) Upload(ctx context.Context, localPath, remotePath string, opts adapter.TransferOptions) error {
	info, err := os.Lstat(localPath)
	if err != nil {
		return xecerr.New(xecerr.Internal, h.adapter.Name(), "", fmt.Errorf("stat %s: %w", localPath, err))
	}
	if !info.IsDir() {
		return h.uploadOne(ctx, localPath, remotePath, info, opts)
	}

	return filepath.WalkDir(localPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		target := remotePath
		if rel != "." {
			target = remotePath + "/" + filepath.ToSlash(rel)
		}

		entryInfo, err := d.Info()
		if err != nil {
			return err
		}
		if entryInfo.Mode()&os.ModeSymlink != 0 {
			if opts.PreserveMode {
				return xecerr.New(xecerr.TransferRejected, h.adapter.Name(), path, fmt.Errorf("refusing to follow symlink %s while preserving mode", path))
			}
			return nil
		}
		if d.IsDir() {
			return h.adapter.mkdirRemote(ctx, h.cfg, target)
		}
		return h.uploadOne(ctx, path, target, entryInfo, opts)
	})
}

func (h *HostFileTransferer) uploadOne(ctx context.Context, localPath, remotePath string, info os.FileInfo, opts adapter.TransferOptions) error {
	f, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := h.adapter.UploadTo(ctx, h.cfg, localPath, remotePath, f); err != nil {
		return err
	}
	if opts.PreserveMode {
		return h.adapter.chmodRemote(ctx, h.cfg, remotePath, info.Mode().Perm())
	}
	return nil
}

// Download mirrors Upload's directory-walk/symlink-reject semantics
// for the remote-to-local direction (spec §4.4.5).
func (h *HostFileTransferer) Download(ctx context.Context, remotePath, localPath string, opts adapter.TransferOptions) error {
	return h.adapter.downloadPath(ctx, h.cfg, remotePath, localPath, opts)
}

// UploadTo copies a local file to path on the host described by cfg,
// writing atomically via a "<path>.partial" temp name then renaming
// (spec §4.4.5 "atomic .partial rename").
func (a *Adapter) UploadTo(ctx context.Context, cfg *command.SSHConfig, localPath, remotePath string, r io.Reader) error {
	if cfg.DisableSFTP {
		return xecerr.New(xecerr.SFTPDisabled, a.Name(), "", fmt.Errorf("sftp disabled for %s", cfg.Host))
	}
	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.pool.Release(cfg)

	sc, err := sftp.NewClient(client)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp client: %w", err))
	}
	defer sc.Close()

	partial := remotePath + ".partial"
	dst, err := sc.Create(partial)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp create: %w", err))
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		_ = sc.Remove(partial)
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp write: %w", err))
	}
	if err := dst.Close(); err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp close: %w", err))
	}
	if err := sc.Rename(partial, remotePath); err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp rename: %w", err))
	}
	return nil
}

// DownloadFrom reads remotePath from the host described by cfg into w.
func (a *Adapter) DownloadFrom(ctx context.Context, cfg *command.SSHConfig, remotePath string, w io.Writer) error {
	if cfg.DisableSFTP {
		return xecerr.New(xecerr.SFTPDisabled, a.Name(), "", fmt.Errorf("sftp disabled for %s", cfg.Host))
	}
	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.pool.Release(cfg)

	sc, err := sftp.NewClient(client)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp client: %w", err))
	}
	defer sc.Close()

	src, err := sc.Open(remotePath)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp open: %w", err))
	}
	defer src.Close()

	_, err = io.Copy(w, src)
	return err
}

func openLocal(path string) (*os.File, error) { return os.Open(path) }

// downloadPath mirrors HostFileTransferer.Upload for the
// remote-to-local direction: a directory source is walked via the
// sftp client's own Walker, creating local directories and rejecting
// symlinks under the same PreserveMode rule (spec §4.4.5).
func (a *Adapter) downloadPath(ctx context.Context, cfg *command.SSHConfig, remotePath, localPath string, opts adapter.TransferOptions) error {
	if cfg.DisableSFTP {
		return xecerr.New(xecerr.SFTPDisabled, a.Name(), "", fmt.Errorf("sftp disabled for %s", cfg.Host))
	}
	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.pool.Release(cfg)

	sc, err := sftp.NewClient(client)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp client: %w", err))
	}
	defer sc.Close()

	info, err := sc.Lstat(remotePath)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp stat: %w", err))
	}
	if !info.IsDir() {
		return a.downloadOne(sc, remotePath, localPath, info, opts)
	}

	walker := sc.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", err)
		}
		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		target := localPath
		if rel != "." {
			target = filepath.Join(localPath, filepath.FromSlash(rel))
		}

		entryInfo := walker.Stat()
		if entryInfo.Mode()&os.ModeSymlink != 0 {
			if opts.PreserveMode {
				return xecerr.New(xecerr.TransferRejected, a.Name(), walker.Path(), fmt.Errorf("refusing to follow symlink %s while preserving mode", walker.Path()))
			}
			continue
		}
		if entryInfo.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := a.downloadOne(sc, walker.Path(), target, entryInfo, opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) downloadOne(sc *sftp.Client, remotePath, localPath string, info os.FileInfo, opts adapter.TransferOptions) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	src, err := sc.Open(remotePath)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp open: %w", err))
	}
	defer src.Close()

	perm := os.FileMode(0o644)
	if opts.PreserveMode {
		perm = info.Mode().Perm()
	}
	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("create %s: %w", localPath, err))
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// mkdirRemote creates an empty directory on the far side for a
// directory-tree upload (spec §4.4.5 "empty directories are created
// on the far side").
func (a *Adapter) mkdirRemote(ctx context.Context, cfg *command.SSHConfig, remoteDir string) error {
	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.pool.Release(cfg)

	sc, err := sftp.NewClient(client)
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("sftp client: %w", err))
	}
	defer sc.Close()
	return sc.MkdirAll(remoteDir)
}

// chmodRemote restates permissions on remotePath via an explicit chmod
// exec after transfer (spec §4.4.5: "preserves no metadata by default;
// permissions must be restated by an explicit chmod exec after
// transfer").
func (a *Adapter) chmodRemote(ctx context.Context, cfg *command.SSHConfig, remotePath string, mode os.FileMode) error {
	client, err := a.pool.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.pool.Release(cfg)

	session, err := client.NewSession()
	if err != nil {
		return xecerr.New(xecerr.SSHChannelFailed, a.Name(), "", fmt.Errorf("chmod session: %w", err))
	}
	defer func() { _ = session.Close() }()
	if err := session.Run(fmt.Sprintf("chmod %o %s", mode, command.Quote(remotePath))); err != nil {
		return xecerr.New(xecerr.CommandFailed, a.Name(), "", fmt.Errorf("remote chmod: %w", err))
	}
	return nil
}
