package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"
)

// Fingerprint derives a stable cache key from a query: the canonicalized
// text combined with the connection identity and the parameter values.
// Equivalent spellings of the same query (case of keywords, whitespace
// runs) collapse to one key; string literals are preserved byte for byte.
func Fingerprint(connection, query string, params []any) string {
	h := sha256.New()
	h.Write([]byte(connection))
	h.Write([]byte{0})
	h.Write([]byte(Canonicalize(query)))
	h.Write([]byte{0})
	if len(params) > 0 {
		// Deterministic: json.Marshal sorts map keys.
		if data, err := json.Marshal(params); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize normalizes whitespace runs to single spaces and lowercases
// everything outside quoted regions.
func Canonicalize(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	var quote byte
	space := false
	for i := 0; i < len(query); i++ {
		ch := query[i]

		if quote != 0 {
			b.WriteByte(ch)
			if ch == quote {
				// Doubled quotes escape inside SQL literals.
				if i+1 < len(query) && query[i+1] == quote {
					b.WriteByte(query[i+1])
					i++
				} else {
					quote = 0
				}
			}
			continue
		}

		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			quote = ch
			b.WriteByte(ch)
		case unicode.IsSpace(rune(ch)):
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteByte(byte(unicode.ToLower(rune(ch))))
		}
	}
	return strings.TrimSpace(b.String())
}
