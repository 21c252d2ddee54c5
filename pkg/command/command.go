// Package command holds the immutable Command and Result values shared
// by every adapter (spec §3), plus the safe-interpolation Template used
// to build a Command's program string (spec §4.1).
package command

import (
	"io"
	"time"

	"github.com/xec-sh/xec-sub005/internal/invariant"
	"github.com/xec-sh/xec-sub005/pkg/retrypolicy"
)

// ShellMode selects how a Command's program string is invoked, per spec §3.1.
type ShellMode int

const (
	// ShellAuto invokes through a login-like shell named by $SHELL,
	// falling back to /bin/sh, unless the Command was built from an
	// explicit argv (no shell needed in that case).
	ShellAuto ShellMode = iota
	// ShellExplicit invokes through the shell at ShellPath.
	ShellExplicit
	// ShellDisabled invokes the program and arguments directly, no shell.
	ShellDisabled
)

// TargetKind names which adapter family a Command is destined for (spec §3.1).
type TargetKind int

const (
	TargetLocal TargetKind = iota
	TargetSSH
	TargetContainer
	TargetClusterPod
	TargetSSHContainer
)

// Target pairs a TargetKind with the backend-specific configuration the
// corresponding adapter needs to open a session. The typed config
// field matching Kind is populated; TargetSSHContainer uses both SSH
// and Container.
type Target struct {
	Kind      TargetKind
	SSH       *SSHConfig
	Container *ContainerConfig
	Pod       *PodConfig
}

// SSHConfig names a remote host to run against (spec §3.3).
type SSHConfig struct {
	Host                string
	Port                int
	Username            string
	Password            string
	PrivateKeyMaterial  []byte
	Passphrase          string
	KeepaliveInterval   time.Duration
	ReadyTimeout        time.Duration
	StrictHostKeyCheck  bool
	KnownHostsPath      string
	SudoEnabled         bool
	SudoPassword        string
	DisableSFTP         bool
}

// ContainerConfig names an existing or ephemeral container (spec §3.5).
type ContainerConfig struct {
	Name string // non-empty selects an existing container; empty runs Spec ephemerally
	Spec EphemeralSpec
}

// EphemeralSpec describes a container created, used, and removed by the
// engine within one handle's lifecycle (spec §3.5).
type EphemeralSpec struct {
	Image       string
	Name        string
	Command     []string
	Environment map[string]string
	Ports       []PortBinding
	Volumes     []VolumeBinding
	WorkingDir  string
	User        string
	TTY         bool
	Privileged  bool
	Network     string
	Health      *HealthCheck
	Labels      map[string]string
	AutoRemove  bool
}

type PortBinding struct {
	HostPort      int
	ContainerPort int
}

type VolumeBinding struct {
	HostPath      string
	ContainerPath string
}

type HealthCheck struct {
	Cmd         string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// PodConfig names a pod reached through a cluster CLI (spec §4.6).
type PodConfig struct {
	Name      string
	Namespace string
}

// Command is the immutable record of what to run and under what
// environment (spec §3.1). Every modifier below returns a new Command;
// a dispatched Command is never mutated.
type Command struct {
	// Argv is the program name plus ordered arguments when the Command
	// was built explicitly (no shell required). Mutually exclusive with
	// ProgramString.
	Argv []string

	// ProgramString is the rendered shell command line produced by the
	// Interpolator, used when the Command was built from a Template.
	ProgramString string

	ShellMode ShellMode
	ShellPath string // only meaningful when ShellMode == ShellExplicit

	Environment      map[string]string
	WorkingDirectory string
	Timeout          time.Duration // 0 means infinite

	Stdin io.Reader // nil means no stdin payload

	// StdoutSink and StderrSink, when set, receive a live copy of the
	// command's output as it is produced, in addition to the buffers
	// captured in Result — the "attached stream consumers" of spec §4.3
	// and the handle's quiet()/pipe() verbs (spec §4.9).
	StdoutSink io.Writer
	StderrSink io.Writer

	SuppressThrow bool

	Target Target

	Retry *retrypolicy.Policy
}

// New returns a Command with ShellMode defaulted to ShellAuto and an
// empty environment overlay, targeting the local adapter.
func New(programString string) Command {
	return Command{
		ProgramString: programString,
		Environment:   map[string]string{},
		Target:        Target{Kind: TargetLocal},
	}
}

// FromArgv builds a Command that bypasses the shell entirely (spec §3.1:
// "program name plus an ordered list of arguments ... no shell required").
func FromArgv(argv ...string) Command {
	invariant.Precondition(len(argv) > 0, "argv must not be empty")
	return Command{
		Argv:        argv,
		ShellMode:   ShellDisabled,
		Environment: map[string]string{},
		Target:      Target{Kind: TargetLocal},
	}
}

// WithEnv returns a new Command whose environment overlay merges delta
// over the receiver's, caller-provided keys winning.
func (c Command) WithEnv(delta map[string]string) Command {
	merged := make(map[string]string, len(c.Environment)+len(delta))
	for k, v := range c.Environment {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	c.Environment = merged
	return c
}

// WithDir returns a new Command with WorkingDirectory set.
func (c Command) WithDir(dir string) Command {
	c.WorkingDirectory = dir
	return c
}

// WithTimeout returns a new Command with Timeout set.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// WithShell returns a new Command pinned to an explicit shell path.
func (c Command) WithShell(path string) Command {
	c.ShellMode = ShellExplicit
	c.ShellPath = path
	return c
}

// WithoutShell returns a new Command that disables the shell.
func (c Command) WithoutShell() Command {
	c.ShellMode = ShellDisabled
	return c
}

// WithStreams returns a new Command that tees its stdout/stderr to the
// given sinks in addition to the buffers captured in Result.
func (c Command) WithStreams(stdout, stderr io.Writer) Command {
	c.StdoutSink = stdout
	c.StderrSink = stderr
	return c
}

// WithStdin returns a new Command reading its stdin payload from r.
func (c Command) WithStdin(r io.Reader) Command {
	c.Stdin = r
	return c
}

// WithNoThrow returns a new Command where a non-zero exit yields a
// normal Result instead of an error (spec §3.1 suppress_throw).
func (c Command) WithNoThrow() Command {
	c.SuppressThrow = true
	return c
}

// WithTarget returns a new Command dispatched against target.
func (c Command) WithTarget(target Target) Command {
	c.Target = target
	return c
}

// WithRetry returns a new Command wrapped by policy.
func (c Command) WithRetry(policy *retrypolicy.Policy) Command {
	c.Retry = policy
	return c
}

// String returns the program string that would actually be launched,
// used for diagnostics (spec §3.2 command_string) before dispatch.
func (c Command) String() string {
	if c.ProgramString != "" {
		return c.ProgramString
	}
	return joinArgv(c.Argv)
}

func joinArgv(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	s := argv[0]
	for _, a := range argv[1:] {
		s += " " + Quote(a)
	}
	return s
}
