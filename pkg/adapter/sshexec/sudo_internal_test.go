package sshexec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/command"
)

func TestSudoWrap_PasswordNeverAppearsInRemoteCommandLine(t *testing.T) {
	cfg := &command.SSHConfig{SudoEnabled: true, SudoPassword: "correct-horse-battery-staple"}

	line, err := sudoWrap("echo hi", cfg)
	require.NoError(t, err)

	assert.NotContains(t, line, "correct-horse-battery-staple")
	assert.Contains(t, line, "sudo -S -p ''")
}

func TestSudoWrap_NoPasswordUsesNonInteractiveFlag(t *testing.T) {
	cfg := &command.SSHConfig{SudoEnabled: true}

	line, err := sudoWrap("echo hi", cfg)
	require.NoError(t, err)

	assert.Contains(t, line, "sudo -n --")
}

func TestSudoStdin_PrependsPasswordLineAheadOfCommandStdin(t *testing.T) {
	cfg := &command.SSHConfig{SudoEnabled: true, SudoPassword: "hunter2"}
	cmd := command.New("whoami").WithStdin(bytes.NewBufferString("original-stdin"))

	stdin := sudoStdin(cmd, cfg)
	require.NotNil(t, stdin)

	got, err := io.ReadAll(stdin)
	require.NoError(t, err)
	assert.Equal(t, "hunter2\noriginal-stdin", string(got))
}

func TestSudoStdin_WithoutSudoPasswordLeavesCommandStdinUntouched(t *testing.T) {
	cfg := &command.SSHConfig{}
	cmd := command.New("whoami")

	assert.Nil(t, sudoStdin(cmd, cfg))
}
