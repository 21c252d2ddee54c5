package containerexec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/adapter/adaptertest"
	"github.com/xec-sh/xec-sub005/pkg/adapter/containerexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
)

// echoArgsScript prints every argv it receives, one per line, prefixed
// with "ARG:" so tests can assert on the exact CLI invocation built.
const echoArgsScript = `for a in "$@"; do echo "ARG:$a"; done
exit 0
`

func TestExecute_ExistingContainerBuildsExecArgv(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", echoArgsScript)
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	cmd := command.FromArgv("echo", "hi").WithTarget(command.Target{
		Kind:      command.TargetContainer,
		Container: &command.ContainerConfig{Name: "my-container"},
	})

	result, err := a.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), "ARG:exec")
	assert.Contains(t, string(result.Stdout), "ARG:my-container")
	assert.Contains(t, string(result.Stdout), "ARG:echo")
}

func TestExecute_NonZeroExitReturnsError(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", "exit 4\n")
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	cmd := command.FromArgv("false").WithTarget(command.Target{
		Kind:      command.TargetContainer,
		Container: &command.ContainerConfig{Name: "c1"},
	})
	result, err := a.Execute(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, 4, result.Exit.Code)
}

func TestAvailable_ChecksVersionCommand(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", "echo 24.0.0\nexit 0\n")
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	assert.True(t, a.Available(context.Background()))
}

func TestEphemeralRun_AutoGeneratesPrefixedName(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", echoArgsScript)
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithNamePrefix("test"), containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	cmd := command.FromArgv("uname").WithTarget(command.Target{
		Kind: command.TargetContainer,
		Container: &command.ContainerConfig{
			Spec: command.EphemeralSpec{Image: "alpine", AutoRemove: true},
		},
	})

	result, err := a.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), "ARG:run")
	assert.Contains(t, string(result.Stdout), "ARG:alpine")
	assert.Contains(t, string(result.Stdout), "ARG:test-1-")
}

func TestList_ParsesNewlineSeparatedNames(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", "printf 'alpha\\nbeta\\n'\nexit 0\n")
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	names, err := a.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestDispose_RemovesEveryTrackedEphemeralContainer(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", echoArgsScript)
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)

	_, err = a.RunOneOff(context.Background(), command.EphemeralSpec{Image: "alpine", Name: "tracked-1"})
	require.NoError(t, err)

	err = a.Dispose()
	require.NoError(t, err)
}

func TestRedisCluster_RejectsFewerThanThreeMasters(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", echoArgsScript)
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	_, err = containerexec.NewRedisCluster(a, containerexec.RedisClusterSpec{Name: "rc", Masters: 2})
	require.Error(t, err)
}

func TestRedisCluster_StartCreatesNetworkAndNodes(t *testing.T) {
	bin := adaptertest.FakeCLI(t, "docker", echoArgsScript)
	a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithBinaryPath(bin))
	require.NoError(t, err)
	defer a.Dispose()

	rc, err := containerexec.NewRedisCluster(a, containerexec.RedisClusterSpec{Name: "rc", Masters: 3, BasePort: 17000})
	require.NoError(t, err)

	err = rc.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, rc.IsRunning(context.Background()))

	err = rc.Remove(context.Background())
	require.NoError(t, err)
}
