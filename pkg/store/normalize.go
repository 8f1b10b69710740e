package store

import "strings"

// NormalizeTitle standardizes a signal title for identity comparisons:
// whitespace collapsed, case folded.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	title = strings.ReplaceAll(title, "\n", " ")
	title = strings.ReplaceAll(title, "\r", " ")
	title = strings.Join(strings.Fields(title), " ")
	return strings.ToLower(title)
}
