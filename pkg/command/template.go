package command

import "strings"

// Template is a structured command-line template: an alternating
// sequence of literal fragments and interpolated values (spec §3.1,
// §4.1). len(Literals) == len(Values)+1 always holds for a well-formed
// Template, the same invariant a desugared tagged-template literal
// would carry.
type Template struct {
	Literals []string
	Values   []any
}

// T builds a Template directly from its literal/value arrays. This is
// the low-level constructor a code generator (or a hand-rolled DSL
// binding) would emit; most callers reach for Sh instead.
func T(literals []string, values ...any) Template {
	return Template{Literals: literals, Values: values}
}

// Sh builds a Template from a printf-style format string using "%v" as
// the interpolation marker, e.g. Sh("echo %v", userInput). Each %v is
// replaced by the corresponding positional value, safely quoted by the
// Interpolator exactly like an explicit Template would be — this is
// sugar over T, not a second code path.
func Sh(format string, values ...any) Template {
	literals := strings.Split(format, "%v")
	return Template{Literals: literals, Values: values}
}
