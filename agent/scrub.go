package agent

import (
	"sort"
	"strings"
)

// scrubHook returns a PreTool hook that prepends an unset of the named
// environment variables to every shell command, so credentials injected
// for the model backend never leak into subprocesses.
func scrubHook(secretNames []string) func(tool, input string) string {
	names := append([]string(nil), secretNames...)
	sort.Strings(names)
	return func(tool, input string) string {
		if tool != "bash" || len(names) == 0 {
			return input
		}
		return "unset " + strings.Join(names, " ") + "\n" + input
	}
}
