package pairing

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxLabelBytes = 64

// CleanLabel normalizes a client-supplied display string before it is
// persisted or shown to an admin: NFC normalization, control characters
// stripped (tabs and newlines included), surrounding space trimmed, and
// at most 64 UTF-8 bytes without splitting a rune.
func CleanLabel(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	return truncateUTF8(s, maxLabelBytes)
}

// CleanInfo sanitizes every key and value of a deviceInfo map. Entries
// whose key sanitizes to the empty string are dropped; an empty map
// becomes nil so it stays off the wire.
func CleanInfo(info map[string]string) map[string]string {
	if len(info) == 0 {
		return nil
	}
	out := make(map[string]string, len(info))
	for k, v := range info {
		ck := CleanLabel(k)
		if ck == "" {
			continue
		}
		out[ck] = CleanLabel(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
