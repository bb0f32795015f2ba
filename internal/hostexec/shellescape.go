package hostexec

import "strings"

// ShellJoin builds a single remote command line from argv, shell-escaping
// every argument individually. Per spec.md §9, implementers must never
// interpolate untrusted input into a shell string directly; this is the
// one place that composes a shell string, and it does so only from
// already-separated argv components.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellEscape(a)
	}
	return strings.Join(parts, " ")
}

// shellEscape wraps a single argument in single quotes, escaping any
// embedded single quote as '\'' (close quote, escaped quote, reopen quote).
func shellEscape(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()|&;<>~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
