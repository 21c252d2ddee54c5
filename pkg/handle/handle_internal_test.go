package handle

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/command"
)

func noopDispatch(ctx context.Context, cmd command.Command) (*command.Result, error) {
	return &command.Result{Exit: command.ExitStatus{Code: 0}}, nil
}

func TestInteractive_AttachesAmbientStdinStdoutStderr(t *testing.T) {
	h := New(context.Background(), command.New("echo hi"), noopDispatch)

	h.Interactive()

	assert.Same(t, os.Stdin, h.cmd.Stdin)
	assert.Same(t, os.Stdout, h.extraStdout)
	assert.Same(t, os.Stderr, h.extraStderr)
}

func TestInteractive_StreamsAreWiredIntoDispatchedCommand(t *testing.T) {
	var seenStdin interface{}
	dispatch := func(ctx context.Context, cmd command.Command) (*command.Result, error) {
		seenStdin = cmd.Stdin
		return &command.Result{Exit: command.ExitStatus{Code: 0}}, nil
	}

	h := New(context.Background(), command.New("echo hi"), dispatch)
	h.Interactive()

	_, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, os.Stdin, seenStdin)
}

func TestInteractive_PanicsAfterDispatch(t *testing.T) {
	h := New(context.Background(), command.New("echo hi"), noopDispatch)
	h.Start()
	_, _ = h.Wait(context.Background())

	assert.Panics(t, func() { h.Interactive() })
}
