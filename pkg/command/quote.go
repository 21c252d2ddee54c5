package command

import "strings"

// Quote wraps s in single quotes, closing/escaping/reopening any
// embedded single quote, so the result is safe to splice into a shell
// command line (spec §4.1). Grounded on the teacher's shellQuote.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArgv renders argv as a space-joined, individually-quoted string,
// the command line the local, SSH and pod adapters build from an
// argv-form Command.
func QuoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}
