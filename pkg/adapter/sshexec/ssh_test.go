package sshexec_test

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/adapter/adaptertest"
	"github.com/xec-sh/xec-sub005/pkg/adapter/sshexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

func targetFor(srv *adaptertest.SSHServer) command.Target {
	return command.Target{
		Kind: command.TargetSSH,
		SSH: &command.SSHConfig{
			Host:               "127.0.0.1",
			Port:               srv.Port,
			Username:           os.Getenv("USER"),
			PrivateKeyMaterial: srv.ClientKeyPEM,
			StrictHostKeyCheck: false,
		},
	}
}

func TestExecute_RunsCommandAndCapturesOutput(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cmd := command.New("echo -n hello-ssh").WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "hello-ssh", string(result.Stdout))
	assert.True(t, result.Ok())
	assert.Equal(t, "ssh", result.AdapterName)
}

func TestExecute_NonZeroExitReturnsError(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cmd := command.New("exit 5").WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.Error(t, err)
	assert.Equal(t, 5, result.Exit.Code)
	kind, ok := xecerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xecerr.CommandFailed, kind)
}

func TestExecute_SuppressThrowReturnsResultWithoutError(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cmd := command.New("exit 2").WithNoThrow().WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, 2, result.Exit.Code)
}

func TestExecute_EnvironmentOverlayIsVisible(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cmd := command.New("echo -n $XEC_REMOTE_VAR").
		WithEnv(map[string]string{"XEC_REMOTE_VAR": "remote-value"}).
		WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "remote-value", string(result.Stdout))
}

func TestExecute_WorkingDirectoryIsApplied(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cmd := command.New("pwd").WithDir("/tmp").WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), "/tmp")
}

func TestExecute_ReusesPooledConnection(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(time.Minute, nil)
	defer a.Dispose()

	target := targetFor(srv)
	for i := 0; i < 3; i++ {
		cmd := command.New("echo -n ok").WithTarget(target)
		result, err := a.Execute(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(result.Stdout))
	}
}

func TestExecute_StreamsToAttachedSink(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	var out bytes.Buffer
	cmd := command.New("echo -n streamed").WithStreams(&out, nil).WithTarget(targetFor(srv))
	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "streamed", out.String())
	assert.Equal(t, "streamed", string(result.Stdout))
}

func TestUploadDownload_RoundTrips(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cfg := targetFor(srv).SSH

	tmpDir := t.TempDir()
	remotePath := tmpDir + "/uploaded.txt"

	err := a.UploadTo(context.Background(), cfg, "", remotePath, bytes.NewBufferString("payload"))
	require.NoError(t, err)

	var got bytes.Buffer
	err = a.DownloadFrom(context.Background(), cfg, remotePath, &got)
	require.NoError(t, err)
	assert.Equal(t, "payload", got.String())
}

func TestExecute_DisabledSFTPRefusesTransfer(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	cfg := targetFor(srv).SSH
	cfg.DisableSFTP = true

	err := a.UploadTo(context.Background(), cfg, "", "/tmp/whatever", bytes.NewBufferString("x"))
	require.Error(t, err)
	kind, ok := xecerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xecerr.SFTPDisabled, kind)
}

func TestHostFileTransferer_UploadWalksDirectoryTree(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	localDir := t.TempDir()
	require.NoError(t, os.MkdirAll(localDir+"/sub", 0o755))
	require.NoError(t, os.WriteFile(localDir+"/top.txt", []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(localDir+"/sub/nested.txt", []byte("nested"), 0o644))

	remoteDir := t.TempDir() + "/uploaded-tree"
	transferer := a.BoundTo(targetFor(srv).SSH)
	err := transferer.Upload(context.Background(), localDir, remoteDir, adapter.TransferOptions{})
	require.NoError(t, err)

	top, err := os.ReadFile(remoteDir + "/top.txt")
	require.NoError(t, err)
	assert.Equal(t, "top", string(top))

	nested, err := os.ReadFile(remoteDir + "/sub/nested.txt")
	require.NoError(t, err)
	assert.Equal(t, "nested", string(nested))
}

func TestHostFileTransferer_UploadRejectsSymlinkWhenPreservingMode(t *testing.T) {
	srv := adaptertest.StartSSHServer(t)
	defer srv.Stop()

	a := sshexec.New(0, nil)
	defer a.Dispose()

	localDir := t.TempDir()
	require.NoError(t, os.WriteFile(localDir+"/real.txt", []byte("x"), 0o644))
	require.NoError(t, os.Symlink(localDir+"/real.txt", localDir+"/link.txt"))

	remoteDir := t.TempDir() + "/uploaded-tree"
	transferer := a.BoundTo(targetFor(srv).SSH)
	err := transferer.Upload(context.Background(), localDir, remoteDir, adapter.TransferOptions{PreserveMode: true})

	require.Error(t, err)
	kind, ok := xecerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xecerr.TransferRejected, kind)
}

