package wdb

import (
	"regexp"
	"strings"
)

var hasWhitespace = regexp.MustCompile(`\s`)

// quoteForRemote reproduces the original daemon's remote-shell quoting:
// every argv element containing whitespace is wrapped in single quotes
// with embedded single quotes backslash-escaped, then the whole argv is
// joined with spaces into one command string for the remote shell.
//
// github.com/kballard/go-shellquote's Join quotes every argument
// unconditionally and is built for re-parsing a shell line, not for
// reproducing this selective-quoting behavior, so it is not used here
// (see DESIGN.md).
func quoteForRemote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if hasWhitespace.MatchString(arg) {
			arg = "'" + strings.ReplaceAll(arg, "'", `\'`) + "'"
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
