// Package engine implements the execution engine (spec §4.8): the
// chainable configuration builder and adapter registry that turns a
// Command (or a Template) into a dispatched handle.Handle. Generalized
// from the teacher's single decorator.Session into a registry over
// five backend families, discovered lazily and cached for reuse.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xec-sh/xec-sub005/pkg/adapter"
	"github.com/xec-sh/xec-sub005/pkg/adapter/containerexec"
	"github.com/xec-sh/xec-sub005/pkg/adapter/localexec"
	"github.com/xec-sh/xec-sub005/pkg/adapter/podexec"
	"github.com/xec-sh/xec-sub005/pkg/adapter/sshexec"
	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/handle"
	"github.com/xec-sh/xec-sub005/pkg/retrypolicy"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// sshIdleTimeout bounds how long a pooled SSH connection sits unused
// before the next Acquire closes it, so a later use re-dials (spec §4.4
// "connection pool").
const sshIdleTimeout = 5 * time.Minute

// Config is the partial overlay every chainable builder method mutates
// a copy of, mirroring Command's own env/dir/timeout/shell fields (spec
// §4.8 "with(partial_config)").
type Config struct {
	Env       map[string]string
	Dir       string
	Timeout   time.Duration
	ShellMode command.ShellMode
	ShellPath string
	Retry     *retrypolicy.Policy
	NoThrow   bool
	Target    command.Target
}

// registry lazily constructs and caches one Adapter per backend family
// so repeated chained calls (e.g. two `.ssh(cfg)` targeting the same
// host) reuse pooled connections instead of re-dialing, the same
// sharing the teacher's registry gives decorator.Session instances.
type registry struct {
	mu sync.Mutex

	local  *localexec.Adapter
	ssh    *sshexec.Adapter
	docker *containerexec.Adapter
	podman *containerexec.Adapter
	pod    *podexec.Adapter

	sshContainer map[containerexec.Engine]*containerexec.SSHContainerAdapter

	log *logrus.Entry
}

// Engine is the chainable execution engine (spec §4.8). The zero value
// is not usable; construct with Default() or New().
type Engine struct {
	cfg Config
	reg *registry
}

// New returns an Engine logging through log (nil means discard).
func New(log *logrus.Entry) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Engine{
		cfg: Config{Env: map[string]string{}, Target: command.Target{Kind: command.TargetLocal}},
		reg: &registry{log: log},
	}
}

// Default returns an Engine with a discard logger, targeting local
// execution — the engine every xec.Command call binds to unless the
// caller built its own (spec §4.8 "default engine").
func Default() *Engine { return New(nil) }

// clone copies the Engine's Config so chained builders never mutate a
// shared ancestor (spec §4.8: "each call returns a new Engine").
func (e *Engine) clone() *Engine {
	env := make(map[string]string, len(e.cfg.Env))
	for k, v := range e.cfg.Env {
		env[k] = v
	}
	cfg := e.cfg
	cfg.Env = env
	return &Engine{cfg: cfg, reg: e.reg}
}

// With merges partial over the receiver's Config, caller-supplied
// non-zero fields winning, and returns a new Engine (spec §4.8).
func (e *Engine) With(partial Config) *Engine {
	next := e.clone()
	if partial.Env != nil {
		for k, v := range partial.Env {
			next.cfg.Env[k] = v
		}
	}
	if partial.Dir != "" {
		next.cfg.Dir = partial.Dir
	}
	if partial.Timeout != 0 {
		next.cfg.Timeout = partial.Timeout
	}
	if partial.ShellPath != "" {
		next.cfg.ShellMode = command.ShellExplicit
		next.cfg.ShellPath = partial.ShellPath
	}
	if partial.Retry != nil {
		next.cfg.Retry = partial.Retry
	}
	if partial.NoThrow {
		next.cfg.NoThrow = true
	}
	if partial.Target.Kind != command.TargetLocal || partial.Target.SSH != nil || partial.Target.Container != nil || partial.Target.Pod != nil {
		next.cfg.Target = partial.Target
	}
	return next
}

// Cd sets the working directory applied to every command dispatched
// through the returned Engine (spec §4.8 "cd(path)").
func (e *Engine) Cd(dir string) *Engine {
	next := e.clone()
	next.cfg.Dir = dir
	return next
}

// Env merges delta over the current environment overlay (spec §4.8 "env(vars)").
func (e *Engine) Env(delta map[string]string) *Engine {
	next := e.clone()
	for k, v := range delta {
		next.cfg.Env[k] = v
	}
	return next
}

// Timeout sets the per-command timeout (spec §4.8 "timeout(duration)").
func (e *Engine) Timeout(d time.Duration) *Engine {
	next := e.clone()
	next.cfg.Timeout = d
	return next
}

// Shell pins an explicit shell path (spec §4.8 "shell(path)").
func (e *Engine) Shell(path string) *Engine {
	next := e.clone()
	next.cfg.ShellMode = command.ShellExplicit
	next.cfg.ShellPath = path
	return next
}

// Retry attaches a retry policy applied to every dispatched command (spec §4.8 "retry(policy)").
func (e *Engine) Retry(policy *retrypolicy.Policy) *Engine {
	next := e.clone()
	next.cfg.Retry = policy
	return next
}

// NoThrow makes a non-zero exit a normal Result instead of an error.
func (e *Engine) NoThrow() *Engine {
	next := e.clone()
	next.cfg.NoThrow = true
	return next
}

// Local retargets the Engine at the local adapter (spec §4.8 "local()").
func (e *Engine) Local() *Engine {
	next := e.clone()
	next.cfg.Target = command.Target{Kind: command.TargetLocal}
	return next
}

// SSH retargets the Engine at a remote host reached over SSH (spec §4.8 "ssh(config)").
func (e *Engine) SSH(cfg command.SSHConfig) *Engine {
	next := e.clone()
	next.cfg.Target = command.Target{Kind: command.TargetSSH, SSH: &cfg}
	return next
}

// Docker retargets the Engine at a docker container (spec §4.8 "docker(config)").
func (e *Engine) Docker(cfg command.ContainerConfig) *Engine {
	next := e.clone()
	next.cfg.Target = command.Target{Kind: command.TargetContainer, Container: &cfg}
	return next
}

// K8s retargets the Engine at a cluster pod reached via kubectl (spec §4.8 "k8s(config)").
func (e *Engine) K8s(cfg command.PodConfig) *Engine {
	next := e.clone()
	next.cfg.Target = command.Target{Kind: command.TargetClusterPod, Pod: &cfg}
	return next
}

// RemoteDocker retargets the Engine at a container reached by first
// opening an SSH session to the host, then execing into the container
// there with docker
// (spec §4.8 "remoteDocker(sshConfig, containerConfig)").
func (e *Engine) RemoteDocker(sshCfg command.SSHConfig, containerCfg command.ContainerConfig) *Engine {
	next := e.clone()
	next.cfg.Target = command.Target{
		Kind:      command.TargetSSHContainer,
		SSH:       &sshCfg,
		Container: &containerCfg,
	}
	return next
}

// Which locates program on the target's PATH, spec §4.8 "which(program)".
// Returns the resolved path, or "" with a nil error if not found.
func (e *Engine) Which(ctx context.Context, program string) (string, error) {
	// command -v is a shell builtin on every POSIX shell the local,
	// SSH, container, and pod adapters all launch through, so a single
	// shell-interpreted probe works across every target kind.
	h := e.Execute(ctx, command.New("command -v "+command.Quote(program)).WithNoThrow())
	out, err := h.Text(ctx)
	if err != nil {
		return "", err
	}
	return out, nil
}

// IsCommandAvailable reports whether program resolves on the target's
// PATH (spec §4.8 "isCommandAvailable(program)").
func (e *Engine) IsCommandAvailable(ctx context.Context, program string) bool {
	path, err := e.Which(ctx, program)
	return err == nil && path != ""
}

// Execute merges the Engine's Config onto cmd and dispatches it through
// the adapter selected by cmd.Target.Kind, returning an undispatched
// handle.Handle the caller may still modify before it is awaited (spec
// §4.8 "execute(command) -> ProcessHandle").
func (e *Engine) Execute(ctx context.Context, cmd command.Command) *handle.Handle {
	merged := e.applyConfig(cmd)
	return handle.New(ctx, merged, e.dispatch)
}

// Run is a convenience wrapper building a Command from a Template via
// the non-raw Interpolator, then Execute-ing it (spec §4.1's "Command"
// entry point, bound to this Engine).
func (e *Engine) Run(ctx context.Context, tpl command.Template) *handle.Handle {
	rendered, err := command.Interpolator{}.Render(ctx, tpl)
	if err != nil {
		h := handle.New(ctx, command.New(""), func(context.Context, command.Command) (*command.Result, error) {
			return nil, err
		})
		return h
	}
	return e.Execute(ctx, command.New(rendered))
}

func (e *Engine) applyConfig(cmd command.Command) command.Command {
	if cmd.Target.Kind == command.TargetLocal && cmd.Target.SSH == nil && cmd.Target.Container == nil && cmd.Target.Pod == nil {
		cmd = cmd.WithTarget(e.cfg.Target)
	}
	if len(e.cfg.Env) > 0 {
		cmd = cmd.WithEnv(e.cfg.Env)
	}
	if e.cfg.Dir != "" && cmd.WorkingDirectory == "" {
		cmd = cmd.WithDir(e.cfg.Dir)
	}
	if e.cfg.Timeout != 0 && cmd.Timeout == 0 {
		cmd = cmd.WithTimeout(e.cfg.Timeout)
	}
	if e.cfg.ShellMode == command.ShellExplicit && cmd.ShellMode != command.ShellExplicit {
		cmd = cmd.WithShell(e.cfg.ShellPath)
	}
	if e.cfg.Retry != nil && cmd.Retry == nil {
		cmd = cmd.WithRetry(e.cfg.Retry)
	}
	if e.cfg.NoThrow {
		cmd = cmd.WithNoThrow()
	}
	return cmd
}

// dispatch resolves cmd.Target.Kind to a concrete adapter.Adapter
// (constructing and caching it on first use) and runs cmd through it —
// the Dispatcher handle.Handle invokes at Start time.
func (e *Engine) dispatch(ctx context.Context, cmd command.Command) (*command.Result, error) {
	a, err := e.reg.adapterFor(cmd.Target)
	if err != nil {
		return nil, err
	}
	return a.Execute(ctx, cmd)
}

func (r *registry) adapterFor(target command.Target) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch target.Kind {
	case command.TargetLocal:
		if r.local == nil {
			r.local = localexec.New(r.log)
		}
		return r.local, nil

	case command.TargetSSH:
		if r.ssh == nil {
			r.ssh = sshexec.New(sshIdleTimeout, r.log)
		}
		return r.ssh, nil

	case command.TargetContainer:
		return r.containerAdapter(containerexec.EngineDocker)

	case command.TargetClusterPod:
		if r.pod == nil {
			p, err := podexec.New("", podexec.WithLogger(r.log))
			if err != nil {
				return nil, err
			}
			r.pod = p
		}
		return r.pod, nil

	case command.TargetSSHContainer:
		if r.ssh == nil {
			r.ssh = sshexec.New(sshIdleTimeout, r.log)
		}
		if r.sshContainer == nil {
			r.sshContainer = map[containerexec.Engine]*containerexec.SSHContainerAdapter{}
		}
		eng := containerexec.EngineDocker
		if c, ok := r.sshContainer[eng]; ok {
			return c, nil
		}
		c := containerexec.NewSSHContainer(r.ssh, eng)
		r.sshContainer[eng] = c
		return c, nil

	default:
		return nil, xecerr.New(xecerr.Internal, "", "", fmt.Errorf("unknown target kind %v", target.Kind))
	}
}

func (r *registry) containerAdapter(eng containerexec.Engine) (*containerexec.Adapter, error) {
	switch eng {
	case containerexec.EnginePodman:
		if r.podman == nil {
			a, err := containerexec.New(eng, containerexec.WithLogger(r.log))
			if err != nil {
				return nil, err
			}
			r.podman = a
		}
		return r.podman, nil
	default:
		if r.docker == nil {
			a, err := containerexec.New(containerexec.EngineDocker, containerexec.WithLogger(r.log))
			if err != nil {
				return nil, err
			}
			r.docker = a
		}
		return r.docker, nil
	}
}

// DisposeAll releases every adapter this Engine has constructed so
// far (pooled SSH connections, tracked ephemeral containers) — spec
// §4.8 "disposeAll()".
func (e *Engine) DisposeAll() error {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.reg.local != nil {
		record(e.reg.local.Dispose())
	}
	if e.reg.ssh != nil {
		record(e.reg.ssh.Dispose())
	}
	if e.reg.docker != nil {
		record(e.reg.docker.Dispose())
	}
	if e.reg.podman != nil {
		record(e.reg.podman.Dispose())
	}
	if e.reg.pod != nil {
		record(e.reg.pod.Dispose())
	}
	for _, c := range e.reg.sshContainer {
		record(c.Dispose())
	}
	return firstErr
}
