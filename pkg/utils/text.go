// Package utils provides shared utilities for text and logging.
package utils

import "strings"

// Truncate returns s truncated to maxLen runes, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// NiceName turns a dataset id such as "qa_Klexikon-Prod-180825" into a display
// name by replacing underscores and dashes with spaces. Case is kept.
func NiceName(id string) string {
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(id))
}
