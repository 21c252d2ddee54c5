package localexec_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/adapter/localexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

func TestExecute_CapturesStdoutAndExitCode(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("echo -n hello")

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Stdout))
	assert.True(t, result.Ok())
	assert.Equal(t, "local", result.AdapterName)
}

func TestExecute_NonZeroExitReturnsError(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("exit 3")

	result, err := a.Execute(context.Background(), cmd)

	require.Error(t, err)
	assert.Equal(t, 3, result.Exit.Code)
	kind, ok := xecerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xecerr.CommandFailed, kind)
}

func TestExecute_SuppressThrowReturnsResultWithoutError(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("exit 9").WithNoThrow()

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, 9, result.Exit.Code)
	assert.False(t, result.Ok())
}

func TestExecute_StreamsToAttachedSink(t *testing.T) {
	a := localexec.New(nil)
	var out bytes.Buffer
	cmd := command.New("echo -n streamed").WithStreams(&out, nil)

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "streamed", out.String())
	assert.Equal(t, "streamed", string(result.Stdout))
}

func TestExecute_WithoutShellRunsArgvDirectly(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.FromArgv("printf", "%s", "direct")

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "direct", string(result.Stdout))
}

func TestExecute_TimeoutKillsProcess(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("sleep 5").WithTimeout(50 * time.Millisecond)

	start := time.Now()
	result, err := a.Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	require.Error(t, err)
	kind, ok := xecerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, xecerr.Timeout, kind)
	assert.Less(t, elapsed, 3*time.Second)
	// spec §6 exit code conventions: Timeout has no exit code.
	assert.Equal(t, -1, result.Exit.Code)
	assert.False(t, result.Exit.Signaled)
}

func TestExecute_TimeoutWithNoThrowAlsoNullsExitCode(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("sleep 5").WithTimeout(50 * time.Millisecond).WithNoThrow()

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, -1, result.Exit.Code)
	assert.False(t, result.Exit.Signaled)
}

func TestExecute_CancellationSurfacesCancelledError(t *testing.T) {
	a := localexec.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cmd := command.New("sleep 5")

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := a.Execute(ctx, cmd)

	require.Error(t, err)
	assert.True(t, errors.Is(err, xecerr.Cancelled))
	// spec §6 exit code conventions: Cancelled has no exit code.
	assert.Equal(t, -1, result.Exit.Code)
	assert.False(t, result.Exit.Signaled)
}

func TestExecute_EnvironmentOverlayIsVisible(t *testing.T) {
	a := localexec.New(nil)
	cmd := command.New("echo -n $XEC_TEST_VAR").WithEnv(map[string]string{"XEC_TEST_VAR": "overlay-value"})

	result, err := a.Execute(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "overlay-value", string(result.Stdout))
}

func TestAvailable_AlwaysTrue(t *testing.T) {
	a := localexec.New(nil)
	assert.True(t, a.Available(context.Background()))
}
