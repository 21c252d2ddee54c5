// Package invariant provides lightweight contract assertions for the
// execution engine. Violations are programming errors, not user errors:
// every function here panics rather than returning an error.
package invariant

import (
	"fmt"
	"reflect"
	"runtime"
)

// Precondition checks an input contract at function entry.
func Precondition(condition bool, format string, args ...any) {
	if !condition {
		fail("PRECONDITION", format, args...)
	}
}

// Invariant checks an internal invariant during function execution.
func Invariant(condition bool, format string, args ...any) {
	if !condition {
		fail("INVARIANT", format, args...)
	}
}

// NotNil panics if value is nil, including a typed nil pointer/interface.
func NotNil(value any, name string) {
	if value == nil || isNilValue(value) {
		fail("PRECONDITION", "%s must not be nil", name)
	}
}

func isNilValue(value any) bool {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

func fail(kind, format string, args ...any) {
	pc := make([]uintptr, 1)
	n := runtime.Callers(3, pc)
	msg := fmt.Sprintf("%s VIOLATION: "+format, append([]any{kind}, args...)...)
	if n > 0 {
		frames := runtime.CallersFrames(pc[:n])
		if frame, ok := frames.Next(); ok {
			msg += fmt.Sprintf("\n  at %s:%d", frame.File, frame.Line)
		}
	}
	panic(msg)
}
