// Command xec is a small demonstration CLI over the execution engine:
// one subcommand per target family (local, ssh, docker, k8s), each
// building an Engine, dispatching the trailing argv, and exiting with
// the child's exit code — mirroring the teacher's cmd/devcmd entry
// point, generalized from one source file argument to one target per
// subcommand.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/engine"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		debug   bool
		timeout time.Duration
		noThrow bool
	)

	root := &cobra.Command{
		Use:           "xec",
		Short:         "Run a command against a local, SSH, container, or pod target",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "kill the command after this long")
	root.PersistentFlags().BoolVar(&noThrow, "no-throw", false, "treat a non-zero child exit as a result, not an error (xec still exits with the child's code)")

	newBaseEngine := func() *engine.Engine {
		log := logrus.New()
		log.SetOutput(os.Stderr)
		if debug {
			log.SetLevel(logrus.DebugLevel)
		} else {
			log.SetOutput(io.Discard)
		}
		e := engine.New(logrus.NewEntry(log))
		if timeout > 0 {
			e = e.Timeout(timeout)
		}
		if noThrow {
			e = e.NoThrow()
		}
		return e
	}

	root.AddCommand(newLocalCmd(newBaseEngine))
	root.AddCommand(newSSHCmd(newBaseEngine))
	root.AddCommand(newDockerCmd(newBaseEngine))
	root.AddCommand(newK8sCmd(newBaseEngine))
	return root
}

// cancellableContext cancels on SIGINT/SIGTERM so Ctrl+C reaches
// whichever adapter is running the child process.
func cancellableContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

// runAndReport dispatches cmd through e, streams output live to the
// process's own stdout/stderr, and returns the child's exit code.
func runAndReport(ctx context.Context, e *engine.Engine, argv []string) int {
	built := command.FromArgv(argv...).WithStreams(os.Stdout, os.Stderr)
	h := e.Execute(ctx, built)
	result, err := h.Wait(ctx)
	if err != nil {
		if kind, ok := xecerr.KindOf(err); ok {
			fmt.Fprintf(os.Stderr, "xec: %s: %v\n", kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "xec: %v\n", err)
		}
	}
	if result == nil {
		return 1
	}
	return result.Exit.Code
}

func newLocalCmd(newBaseEngine func() *engine.Engine) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:                "local -- <argv...>",
		Short:              "Run a command on the local machine",
		DisableFlagParsing: false,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newBaseEngine().Local()
			if dir != "" {
				e = e.Cd(dir)
			}
			ctx, cancel := cancellableContext()
			defer cancel()
			os.Exit(runAndReport(ctx, e, args))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	return cmd
}

func newSSHCmd(newBaseEngine func() *engine.Engine) *cobra.Command {
	var (
		host, user, keyFile, password string
		port                          int
		strictHostKey                bool
	)
	cmd := &cobra.Command{
		Use:   "ssh -- <argv...>",
		Short: "Run a command over SSH",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sshCfg := command.SSHConfig{
				Host:               host,
				Port:               port,
				Username:           user,
				Password:           password,
				StrictHostKeyCheck: strictHostKey,
			}
			if keyFile != "" {
				material, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("reading SSH key %s: %w", keyFile, err)
				}
				sshCfg.PrivateKeyMaterial = material
			}
			e := newBaseEngine().SSH(sshCfg)
			ctx, cancel := cancellableContext()
			defer cancel()
			os.Exit(runAndReport(ctx, e, args))
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "remote host (required)")
	cmd.Flags().IntVar(&port, "port", 22, "remote port")
	cmd.Flags().StringVar(&user, "user", "", "remote username")
	cmd.Flags().StringVar(&keyFile, "key", "", "path to a private key file")
	cmd.Flags().StringVar(&password, "password", "", "password authentication")
	cmd.Flags().BoolVar(&strictHostKey, "strict-host-key", false, "verify against ~/.ssh/known_hosts")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newDockerCmd(newBaseEngine func() *engine.Engine) *cobra.Command {
	var container, image string
	cmd := &cobra.Command{
		Use:   "docker -- <argv...>",
		Short: "Run a command in a docker container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := command.ContainerConfig{Name: container}
			if container == "" {
				cfg.Spec = command.EphemeralSpec{Image: image, AutoRemove: true}
			}
			e := newBaseEngine().Docker(cfg)
			ctx, cancel := cancellableContext()
			defer cancel()
			os.Exit(runAndReport(ctx, e, args))
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "existing container name")
	cmd.Flags().StringVar(&image, "image", "", "image to run ephemerally when --container is empty")
	return cmd
}

func newK8sCmd(newBaseEngine func() *engine.Engine) *cobra.Command {
	var pod, namespace string
	cmd := &cobra.Command{
		Use:   "k8s -- <argv...>",
		Short: "Run a command in a cluster pod via kubectl",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := newBaseEngine().K8s(command.PodConfig{Name: pod, Namespace: namespace})
			ctx, cancel := cancellableContext()
			defer cancel()
			os.Exit(runAndReport(ctx, e, args))
			return nil
		},
	}
	cmd.Flags().StringVar(&pod, "pod", "", "pod name (required)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace")
	_ = cmd.MarkFlagRequired("pod")
	return cmd
}
