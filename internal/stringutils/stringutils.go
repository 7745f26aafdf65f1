package stringutils

import "strings"

// IndentString prefixes each line of the string with indent.
// A trailing newline is preserved but does not start an additional indented
// line.
func IndentString(str, indent string) string {
	trimmed := strings.TrimSuffix(str, "\n")
	spl := strings.SplitAfter(trimmed, "\n")
	result := strings.Join(append([]string{""}, spl...), indent)

	if len(trimmed) != len(str) {
		return result + "\n"
	}

	return result
}
