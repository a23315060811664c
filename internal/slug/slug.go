// Package slug produces the public-facing identifiers the API exposes in
// place of storage keys: account slugs derived from names, and opaque
// transaction codes.
package slug

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var reSlug = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// IsSlug returns true if s matches ^[a-z0-9_]{1,48}$
func IsSlug(s string) bool {
	return reSlug.MatchString(s)
}

// FromName converts an account name to its slug: lowercase, non [a-z0-9]
// runs collapse to a single '_', trimmed to 48 with no leading/trailing '_'.
// "Off-budget" becomes "off_budget".
func FromName(name string) string {
	if name == "" {
		return name
	}
	out := make([]rune, 0, len(name))
	prevUnderscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			prevUnderscore = false
		} else if !prevUnderscore {
			out = append(out, '_')
			prevUnderscore = true
		}
		if len(out) >= 48 {
			break
		}
	}
	return strings.Trim(string(out), "_")
}

// TransactionCode returns a fresh public code for a transaction. The code is
// distinct from the storage key so internal IDs never leak through the API.
func TransactionCode() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsTransactionCode reports whether s has the shape TransactionCode produces.
func IsTransactionCode(s string) bool {
	if !strings.HasPrefix(s, "txn_") {
		return false
	}
	rest := s[len("txn_"):]
	if len(rest) != 32 {
		return false
	}
	for _, r := range rest {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
