// Package sanitize neutralizes attacker-controlled text (sshd log lines carry
// client-chosen usernames) before it reaches a terminal or a log sink.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

const DefaultMaxLength = 512

// ForLog replaces control characters and ANSI escape sequences with visible
// markers and truncates to maxLen bytes on a rune boundary, appending "...".
// maxLen <= 0 means DefaultMaxLength.
func ForLog(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	return truncate(ForTerminal(s), maxLen)
}

// ForTerminal only rewrites control bytes; it never truncates.
func ForTerminal(s string) string {
	if !needsRewrite(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == 0x1B:
			i = skipEscape(s, i)
			b.WriteString("[ESC]")
			continue
		case c == '\t' || c == '\n':
			b.WriteByte(' ')
		case c == '\r':
			b.WriteString("[CR]")
		case c < 0x20:
			b.WriteString("[CTRL]")
		case c == 0x7F:
			b.WriteString("[DEL]")
		case c >= utf8.RuneSelf:
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				b.WriteString("\\x")
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0x0F])
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
			continue
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String()
}

const hexDigits = "0123456789abcdef"

func needsRewrite(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7F {
			return true
		}
	}
	return !utf8.ValidString(s)
}

// skipEscape returns the index after an ESC sequence starting at i. CSI
// sequences (ESC [ ... final) are consumed whole.
func skipEscape(s string, i int) int {
	i++
	if i < len(s) && s[i] == '[' {
		i++
		for i < len(s) && !isCSIFinal(s[i]) {
			i++
		}
		if i < len(s) {
			i++
		}
	}
	return i
}

func isCSIFinal(c byte) bool {
	return c >= 0x40 && c <= 0x7E
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
