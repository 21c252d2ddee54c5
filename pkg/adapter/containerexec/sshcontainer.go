package containerexec

import (
	"context"
	"fmt"

	"github.com/xec-sh/xec-sub005/pkg/adapter/sshexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// SSHContainerAdapter composes an SSH hop with a remote container
// engine invocation (spec §4.5.2: "SSH-then-container"). It never
// dials the container engine locally; instead it builds the
// "<engine> <verb> <args...>" argv the same way Adapter does, then
// hands that argv to the SSH adapter as the remote command.
type SSHContainerAdapter struct {
	ssh       *sshexec.Adapter
	engine    Engine
	engineBin string // remote binary name, usually same as engine
}

// NewSSHContainer returns a composite adapter that runs engine verbs
// on the far side of an already-configured SSH adapter.
func NewSSHContainer(ssh *sshexec.Adapter, engine Engine) *SSHContainerAdapter {
	return &SSHContainerAdapter{ssh: ssh, engine: engine, engineBin: string(engine)}
}

func (a *SSHContainerAdapter) Name() string { return "ssh+" + string(a.engine) }

func (a *SSHContainerAdapter) Available(ctx context.Context) bool {
	return a.ssh.Available(ctx)
}

func (a *SSHContainerAdapter) Dispose() error { return nil }

// Execute runs cmd's container target's argv through "<engine> exec"
// (or "run" for an EphemeralSpec) over the SSH target carried in
// Command.Target.SSH, per spec §4.5.2's composite semantics.
func (a *SSHContainerAdapter) Execute(ctx context.Context, cmd command.Command) (*command.Result, error) {
	cc := cmd.Target.Container
	if cc == nil {
		return nil, xecerr.New(xecerr.Internal, a.Name(), cmd.String(), fmt.Errorf("ssh+container target missing ContainerConfig"))
	}
	if cmd.Target.SSH == nil {
		return nil, xecerr.New(xecerr.Internal, a.Name(), cmd.String(), fmt.Errorf("ssh+container target missing SSHConfig"))
	}

	var argv []string
	if cmd.Argv != nil {
		argv = cmd.Argv
	} else {
		argv = []string{"sh", "-c", cmd.String()}
	}

	var remoteArgv []string
	if cc.Name != "" {
		remoteArgv = append([]string{a.engineBin}, execArgs(cc.Name, argv, cmd.WorkingDirectory, cmd.Environment, false)...)
	} else {
		spec := cc.Spec
		spec.Command = argv
		remoteArgv = append([]string{a.engineBin}, runArgs(spec, false)...)
	}

	remoteCmd := command.FromArgv(remoteArgv...).
		WithTimeout(cmd.Timeout).
		WithStreams(cmd.StdoutSink, cmd.StderrSink).
		WithStdin(cmd.Stdin)
	if cmd.SuppressThrow {
		remoteCmd = remoteCmd.WithNoThrow()
	}
	remoteCmd = remoteCmd.WithTarget(command.Target{Kind: command.TargetSSH, SSH: cmd.Target.SSH})

	result, err := a.ssh.Execute(ctx, remoteCmd)
	if result != nil {
		result.AdapterName = a.Name()
	}
	return result, err
}
