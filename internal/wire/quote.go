package wire

import (
	"fmt"
	"strings"
)

// EscapeLiteral accepts only [A-Za-z0-9_.\-] and fails otherwise,
// returning a single-quoted SQL literal with internal single quotes
// doubled. Used only for the untrusted tenant payload extracted from
// the client's username.
func EscapeLiteral(s string) (string, error) {
	for _, r := range s {
		if !isLiteralSafe(r) {
			return "", fmt.Errorf("wire: %q contains a character not allowed in a tenant literal", s)
		}
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

func isLiteralSafe(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	default:
		return false
	}
}

// EscapeSetValue never fails: it accepts any string and returns a
// single-quoted SQL literal with internal single quotes doubled. Used
// for resolver-derived values, which may legitimately contain commas,
// braces, or spaces.
func EscapeSetValue(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent accepts only [A-Za-z0-9_] and fails otherwise, returning a
// double-quoted identifier with internal double quotes doubled.
func QuoteIdent(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("wire: empty identifier")
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return "", fmt.Errorf("wire: %q contains a character not allowed in an identifier", s)
		}
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`, nil
}
