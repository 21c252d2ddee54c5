// Package containerexec implements the container adapter (spec §4.5),
// shelling out to a docker/podman CLI binary exactly the way
// invowk-invowk's internal/container.BaseCLIEngine does (argument
// builders that return a []string per verb, a thin CreateCommand over
// os/exec to run it). Lifecycle orchestration (ephemeral create, auto
// names, health-wait) and log streaming are new, grounded on the same
// package's Run/Exec and on jesseduffield-lazydocker's OSCommand idiom
// for shelling out and capturing combined output.
package containerexec

import (
	"fmt"

	"github.com/xec-sh/xec-sub005/pkg/command"
)

// versionArgs builds "<engine> version --format ...", used by Available.
func versionArgs() []string { return []string{"version", "--format", "{{.Server.Version}}"} }

// inspectArgs builds "<engine> inspect <ref>".
func inspectArgs(ref string) []string { return []string{"inspect", ref} }

// psArgs builds "<engine> ps -a --format {{.Names}}", adding
// "--filter name=^<name>$" when nameFilter is non-empty.
func psArgs(nameFilter string) []string {
	args := []string{"ps", "-a", "--format", "{{.Names}}"}
	if nameFilter != "" {
		args = append(args, "--filter", "name=^"+nameFilter+"$")
	}
	return args
}

// runArgs builds "<engine> run [options] <image> [command...]" for an
// ephemeral container, per spec §4.5's EphemeralSpec fields.
func runArgs(spec command.EphemeralSpec, detach bool) []string {
	args := []string{"run"}
	if detach {
		args = append(args, "-d")
	}
	if spec.AutoRemove && detach {
		args = append(args, "--rm")
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	if spec.User != "" {
		args = append(args, "-u", spec.User)
	}
	if spec.TTY {
		args = append(args, "-t", "-i")
	}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for k, v := range spec.Environment {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", v.HostPath, v.ContainerPath))
	}
	if spec.Health != nil {
		args = append(args, healthArgs(spec.Health)...)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

func healthArgs(h *command.HealthCheck) []string {
	args := []string{"--health-cmd", h.Cmd}
	if h.Interval > 0 {
		args = append(args, "--health-interval", h.Interval.String())
	}
	if h.Timeout > 0 {
		args = append(args, "--health-timeout", h.Timeout.String())
	}
	if h.Retries > 0 {
		args = append(args, "--health-retries", fmt.Sprintf("%d", h.Retries))
	}
	if h.StartPeriod > 0 {
		args = append(args, "--health-start-period", h.StartPeriod.String())
	}
	return args
}

// execArgs builds "<engine> exec [-i] [-t] [-w dir] [-e K=V]... <container> <argv...>".
func execArgs(container string, argv []string, workdir string, env map[string]string, tty bool) []string {
	args := []string{"exec"}
	args = append(args, "-i")
	if tty {
		args = append(args, "-t")
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, container)
	args = append(args, argv...)
	return args
}

// logsArgs builds "<engine> logs [--tail N] [--since S] [-t] [-f] <container>".
func logsArgs(container string, tail int, since string, timestamps, follow bool) []string {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", tail))
	}
	if since != "" {
		args = append(args, "--since", since)
	}
	if timestamps {
		args = append(args, "-t")
	}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, container)
	return args
}

func stopArgs(container string) []string    { return []string{"stop", container} }
func restartArgs(container string) []string { return []string{"restart", container} }

func rmArgs(container string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, container)
}

func cpArgs(src, dst string) []string { return []string{"cp", src, dst} }

func networkCreateArgs(name, driver string) []string {
	args := []string{"network", "create"}
	if driver != "" {
		args = append(args, "--driver", driver)
	}
	return append(args, name)
}

func networkRmArgs(name string) []string { return []string{"network", "rm", name} }

func volumeCreateArgs(name string) []string { return []string{"volume", "create", name} }
func volumeRmArgs(name string) []string     { return []string{"volume", "rm", name} }

func buildArgs(contextDir, dockerfile, tag string, noCache bool, buildArgsMap map[string]string) []string {
	args := []string{"build"}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	if tag != "" {
		args = append(args, "-t", tag)
	}
	if noCache {
		args = append(args, "--no-cache")
	}
	for k, v := range buildArgsMap {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	return append(args, contextDir)
}
