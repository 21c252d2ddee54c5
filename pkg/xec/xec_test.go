package xec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/engine"
	"github.com/xec-sh/xec-sub005/pkg/xec"
)

func TestCommand_RendersTemplateAndRunsLocally(t *testing.T) {
	defer xec.DisposeAll()

	name := "world"
	h := xec.Command(context.Background(), command.Sh("echo hello-%v", name))
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello-world", out)
}

func TestArgv_BypassesShellEntirely(t *testing.T) {
	defer xec.DisposeAll()

	h := xec.Argv(context.Background(), "echo", "$HOME")
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "$HOME", out)
}

func TestSetDefault_SwitchesTheBoundEngine(t *testing.T) {
	original := xec.Default()
	defer xec.SetDefault(original)

	xec.SetDefault(engine.Default().Cd("/tmp"))
	defer xec.DisposeAll()

	h := xec.Argv(context.Background(), "pwd")
	out, err := h.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out)
}
