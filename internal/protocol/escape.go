package protocol

import (
	"fmt"
	"strings"
)

// Escape produces the JSON string-literal form of s (without surrounding
// quotes): quote, backslash, the short control escapes, and any remaining
// byte below 0x20 as \u00XX. Used when a value has to be embedded into a
// hand-assembled JSON document, e.g. a scraped geolocation blob that turned
// out not to be valid JSON on its own.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
