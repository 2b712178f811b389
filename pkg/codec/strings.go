package codec

import "strings"

// Quote wraps s in single quotes, doubling any embedded single quote.
//
//	Quote("it's") == "'it''s'"
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// IsQuoted reports whether s starts and ends with a single quote.
func IsQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\''
}

// Unquote removes the enclosing quotes added by Quote and collapses doubled
// quotes. Strings that are not quoted are returned unchanged.
func Unquote(s string) string {
	if !IsQuoted(s) {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
}

// hasUnescapedQuote reports whether the body of a quoted literal contains a
// single quote that is not part of a doubled pair.
func hasUnescapedQuote(body string) bool {
	for i := 0; i < len(body); i++ {
		if body[i] != '\'' {
			continue
		}
		if i+1 < len(body) && body[i+1] == '\'' {
			i++
			continue
		}
		return true
	}
	return false
}
