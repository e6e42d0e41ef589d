// Package email derives human-readable names from email addresses for
// identity providers that do not send a name claim.
package email

import (
	"strings"
	"unicode"
)

// DeriveNameFromEmail splits the local part on . _ - + and returns the first
// and last pieces capitalised. Missing pieces default to "User".
func DeriveNameFromEmail(addr string) (first, last string) {
	local, _, found := strings.Cut(addr, "@")
	if !found || local == "" {
		local = addr
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return "User", "User"
	}
	first, last = capitalize(parts[0]), "User"
	if len(parts) > 1 {
		last = capitalize(parts[len(parts)-1])
	}
	return first, last
}

// DisplayName joins the derived first and last names.
func DisplayName(addr string) string {
	first, last := DeriveNameFromEmail(addr)
	return first + " " + last
}

func capitalize(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
