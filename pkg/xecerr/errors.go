// Package xecerr defines the error taxonomy shared by every adapter and
// by the retry/engine/handle layers above them (spec §7).
package xecerr

import (
	"errors"
	"fmt"
)

// Kind identifies which layer of the engine produced an error, so
// callers can branch on failure class without string matching.
type Kind string

const (
	BadInterpolant           Kind = "bad_interpolant"
	RawUnsafeUsage           Kind = "raw_unsafe_usage"
	CommandFailed            Kind = "command_failed"
	Timeout                  Kind = "timeout"
	Cancelled                Kind = "cancelled"
	SSHConnectFailed         Kind = "ssh_connect_failed"
	SSHAuthFailed            Kind = "ssh_auth_failed"
	SSHChannelFailed         Kind = "ssh_channel_failed"
	SFTPDisabled             Kind = "sftp_disabled"
	SudoNoPassword           Kind = "sudo_no_password"
	ContainerCLIUnavailable  Kind = "container_cli_unavailable"
	ContainerNotFound        Kind = "container_not_found"
	ContainerNotRunning      Kind = "container_not_running"
	ContainerOperationFailed Kind = "container_operation_failed"
	AdapterUnavailable       Kind = "adapter_unavailable"
	TransferRejected         Kind = "transfer_rejected"
	Internal                 Kind = "internal"
)

// maxStderrCapture bounds how much stderr the error message quotes, per
// spec §7 ("the last 4 KB of stderr").
const maxStderrCapture = 4 * 1024

// Error is the uniform error value surfaced by adapters, the retry
// wrapper, and process handles. It always carries enough context to
// reconstruct what ran and where, per spec §7's user-visible behavior.
type Error struct {
	Kind        Kind
	Command     string // the final command string actually launched
	Adapter     string // adapter name that produced the failure
	ExitCode    int    // -1 when no exit status was seen (e.g. connect failure); on timeout/cancel, the status the killed process reported
	Signal      string // non-empty when the process was signaled
	Stderr      string // captured stderr; Error() quotes only its last 4 KiB
	Err         error  // wrapped underlying cause, if any
}

func (e *Error) Error() string {
	stderr := e.Stderr
	if len(stderr) > maxStderrCapture {
		stderr = stderr[len(stderr)-maxStderrCapture:]
	}

	msg := fmt.Sprintf("%s: adapter=%s command=%q", e.Kind, e.Adapter, e.Command)
	switch {
	case e.Signal != "":
		msg += fmt.Sprintf(" signal=%s", e.Signal)
	case e.ExitCode >= 0:
		msg += fmt.Sprintf(" exit=%d", e.ExitCode)
	}
	if stderr != "" {
		msg += fmt.Sprintf(" stderr=%q", stderr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind: errors.Is(err, xecerr.Timeout) works
// against a *Error the way sentinel comparisons do against errors.New values.
func (e *Error) Is(target error) bool {
	var k Kind
	switch t := target.(type) {
	case Kind:
		k = t
	case *Error:
		k = t.Kind
	default:
		return false
	}
	return e.Kind == k
}

// Error makes Kind an error value, so (with Is below) Kind itself can be
// used as a sentinel in errors.Is(err, xecerr.Timeout).
func (k Kind) Error() string { return string(k) }

func (k Kind) Is(target error) bool {
	var other Kind
	switch t := target.(type) {
	case Kind:
		other = t
	case *Error:
		other = t.Kind
	default:
		return false
	}
	return k == other
}

// New constructs an *Error with the given kind, wrapping cause if set.
func New(kind Kind, adapter, command string, cause error) *Error {
	return &Error{Kind: kind, Adapter: adapter, Command: command, ExitCode: -1, Err: cause}
}

// WithResult attaches exit code / signal / stderr context to an error.
func (e *Error) WithResult(exitCode int, signal, stderr string) *Error {
	e.ExitCode = exitCode
	e.Signal = signal
	e.Stderr = stderr
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
