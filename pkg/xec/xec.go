// Package xec is the callable façade (spec §4.1, §9): the package-level
// entry points most callers use directly instead of constructing an
// Engine themselves, bound to a shared default Engine the way the
// teacher's cmd/devcmd binds its runtime to one decorator.Registry.
package xec

import (
	"context"
	"sync"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/engine"
	"github.com/xec-sh/xec-sub005/pkg/handle"
)

var (
	defaultMu     sync.Mutex
	defaultEngine *engine.Engine
)

// Default returns the process-wide default Engine, constructing it on
// first use.
func Default() *engine.Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		defaultEngine = engine.Default()
	}
	return defaultEngine
}

// SetDefault replaces the process-wide default Engine, e.g. so a CLI's
// main() can install one preconfigured with a logger and retry policy
// before any package-level Command/Raw call runs.
func SetDefault(e *engine.Engine) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEngine = e
}

// Command renders tpl through the safe-quoting Interpolator and
// dispatches it through the default Engine, returning a still-
// configurable Handle (spec §4.1's primary entry point). Typical call
// site: xec.Command(ctx, command.Sh("rm %v", path)).
func Command(ctx context.Context, tpl command.Template) *handle.Handle {
	return Default().Run(ctx, tpl)
}

// Raw dispatches programString exactly as written, with no quoting
// pass — the escape hatch spec §4.1 calls out for callers who have
// already assembled a trusted command line.
func Raw(ctx context.Context, programString string) *handle.Handle {
	return Default().Execute(ctx, command.New(programString))
}

// Argv dispatches argv directly with no shell involved, the safest
// entry point when every argument is untrusted user input (spec §3.1).
func Argv(ctx context.Context, argv ...string) *handle.Handle {
	return Default().Execute(ctx, command.FromArgv(argv...))
}

// DisposeAll releases every adapter the default Engine has constructed
// (pooled SSH connections, tracked ephemeral containers) — call this
// from a CLI's shutdown path (spec §4.8 "disposeAll()").
func DisposeAll() error {
	defaultMu.Lock()
	e := defaultEngine
	defaultMu.Unlock()
	if e == nil {
		return nil
	}
	return e.DisposeAll()
}
