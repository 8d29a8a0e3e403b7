package validate

import "fmt"

// Field limits — single source of truth for request validation.
const MaxIdentifierLength = 128

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

// Identifier validates a watch identifier: a canonical video id or a share
// token. Empty and oversized values are rejected before any lookup.
func Identifier(s string) string {
	if s == "" {
		return "identifier is required"
	}
	return checkLen(s, MaxIdentifierLength, "identifier")
}
