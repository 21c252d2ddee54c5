package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/engine"
)

func TestExecute_RunsLocalCommandByDefault(t *testing.T) {
	e := engine.Default()
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.FromArgv("echo", "hello"))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestCd_AppliesWorkingDirectoryToEveryCommand(t *testing.T) {
	e := engine.Default().Cd("/tmp")
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.FromArgv("pwd"))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out)
}

func TestEnv_MergesAcrossChainedCalls(t *testing.T) {
	e := engine.Default().Env(map[string]string{"FOO": "bar"}).Env(map[string]string{"BAZ": "qux"})
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.New("echo $FOO-$BAZ"))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bar-qux", out)
}

func TestWith_DoesNotMutateAncestorEngine(t *testing.T) {
	base := engine.Default()
	defer base.DisposeAll()
	child := base.With(engine.Config{Dir: "/tmp"})

	h := base.Execute(context.Background(), command.FromArgv("pwd"))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "/tmp", out)

	h2 := child.Execute(context.Background(), command.FromArgv("pwd"))
	out2, err := h2.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out2)
}

func TestTimeout_KillsLongRunningCommand(t *testing.T) {
	e := engine.Default().Timeout(50 * time.Millisecond)
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.New("sleep 5"))
	_, err := h.Wait(context.Background())
	require.Error(t, err)
}

func TestIsCommandAvailable_TrueForProgramOnPath(t *testing.T) {
	e := engine.Default()
	defer e.DisposeAll()

	assert.True(t, e.IsCommandAvailable(context.Background(), "sh"))
	assert.False(t, e.IsCommandAvailable(context.Background(), "definitely-not-a-real-binary-xyz"))
}

func TestNoThrow_SuppressesErrorOnNonZeroExit(t *testing.T) {
	e := engine.Default().NoThrow()
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.FromArgv("false"))
	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Ok())
}

func TestLocal_OverridesASSHTargetBackToLocal(t *testing.T) {
	e := engine.Default().SSH(command.SSHConfig{Host: "unreachable.invalid"}).Local()
	defer e.DisposeAll()

	h := e.Execute(context.Background(), command.FromArgv("echo", "back-home"))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "back-home", out)
}
