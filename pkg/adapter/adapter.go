// Package adapter defines the three-verb backend contract every
// execution target satisfies (spec §4.2), generalizing the teacher's
// decorator.Session interface (core/decorator/session.go) from a
// single execution context into a named, disposable backend.
package adapter

import (
	"context"
	"io"

	"github.com/xec-sh/xec-sub005/pkg/command"
)

// Adapter is the contract every backend (local, SSH, container,
// cluster-pod, SSH-then-container) satisfies (spec §4.2).
type Adapter interface {
	// Name identifies the adapter for Result.AdapterName and diagnostics.
	Name() string

	// Available is a best-effort reachability probe: executable on
	// PATH, daemon responsive, host reachable.
	Available(ctx context.Context) bool

	// Execute runs cmd to completion and returns its Result.
	Execute(ctx context.Context, cmd command.Command) (*command.Result, error)

	// Dispose releases pooled resources. Idempotent.
	Dispose() error
}

// TransferOptions controls directory/symlink/mode semantics for a file
// transfer (spec §4.4.5). The zero value transfers a single file (or,
// for a directory source, walks it without preserving permissions).
type TransferOptions struct {
	// PreserveMode restates the source's file permissions on the
	// destination via an explicit chmod exec after transfer completes
	// (spec §4.4.5: "preserves no metadata by default"). When set, any
	// symlink under the source tree is rejected rather than followed;
	// when unset, symlinks are skipped.
	PreserveMode bool
}

// FileTransferer is an optional capability: adapters that can move
// files to/from their target implement it (SSH §4.4.5 through
// sshexec's HostFileTransferer; the container adapter's bare methods
// only return errors). A caller discovers it via type assertion, not by
// requiring every Adapter to implement it; pkg/engine performs no such
// assertion. This is the same dynamic
// capability-check pattern the teacher's registry uses
// (core/decorator/registry.go's inferRoles).
type FileTransferer interface {
	Upload(ctx context.Context, localPath, remotePath string, opts TransferOptions) error
	Download(ctx context.Context, remotePath, localPath string, opts TransferOptions) error
}

// LogStreamer is an optional capability (spec §4.5 "Logs / streamLogs /
// follow"). The container adapter implements it with methods that always
// return errors (its *For variants do the work); the cluster-pod adapter
// offers only *For variants and does not implement it.
type LogStreamer interface {
	Logs(ctx context.Context, opts LogOptions) (string, error)
	StreamLogs(ctx context.Context, w io.Writer, opts LogOptions) error
	FollowLogs(ctx context.Context, sink io.Writer, opts LogOptions) (stop func(), err error)
}

// LogOptions configures log retrieval (spec §4.5).
type LogOptions struct {
	Tail       int
	Since      string
	Timestamps bool
	Follow     bool
}

// Prober exposes richer existence/readiness checks than Available,
// used by the container adapter's inspect/health-wait verbs (spec §4.5).
type Prober interface {
	Inspect(ctx context.Context, ref string) (map[string]any, error)
	WaitHealthy(ctx context.Context, ref string, timeout, pollInterval int64) error
}
