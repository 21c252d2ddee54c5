package podexec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/adapter/adaptertest"
	"github.com/xec-sh/xec-sub005/pkg/adapter/podexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
)

const echoArgsScript = `for a in "$@"; do echo "ARG:$a"; done
exit 0
`

func TestExecute_BuildsExecArgvWithNamespace(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "kubectl", echoArgsScript)
	a, err := podexec.New("", podexec.WithBinaryPath(bin))
	require.NoError(t, err)

	cmd := command.FromArgv("echo", "hi").WithTarget(command.Target{
		Kind: command.TargetClusterPod,
		Pod:  &command.PodConfig{Name: "worker-0", Namespace: "default"},
	})

	result, err := a.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), "ARG:exec")
	assert.Contains(t, string(result.Stdout), "ARG:worker-0")
	assert.Contains(t, string(result.Stdout), "ARG:default")
}

func TestExecute_NonZeroExitReturnsError(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "kubectl", "exit 7\n")
	a, err := podexec.New("", podexec.WithBinaryPath(bin))
	require.NoError(t, err)

	cmd := command.FromArgv("false").WithTarget(command.Target{
		Kind: command.TargetClusterPod,
		Pod:  &command.PodConfig{Name: "worker-0"},
	})
	result, err := a.Execute(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, 7, result.Exit.Code)
}

func TestLogsFor_ReturnsCombinedOutput(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "kubectl", "echo log-line\nexit 0\n")
	a, err := podexec.New("", podexec.WithBinaryPath(bin))
	require.NoError(t, err)

	out, err := a.LogsFor(context.Background(), &command.PodConfig{Name: "worker-0"}, adapter.LogOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, "log-line")
}
