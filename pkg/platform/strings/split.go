// Package strings provides string helpers for configuration and query parsing.
package strings

import (
	"strings"
)

// SplitList splits a comma separated value such as KAFKA_BROKERS or an
// ?ids= query parameter. Elements are trimmed, empties dropped, and
// duplicates removed with first-seen order preserved.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return Dedupe(strings.Split(raw, ","))
}

// Dedupe trims each element and removes empty and repeated values.
func Dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
