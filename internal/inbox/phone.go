package inbox

import (
	"strings"
	"unicode"
)

// NormalizeIdentifier strips separators and a leading international prefix
// ("+" or "00") from a phone-like identifier.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '-', '(', ')', '.':
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	switch {
	case strings.HasPrefix(out, "+"):
		out = out[1:]
	case strings.HasPrefix(out, "00"):
		out = out[2:]
	}
	return out
}

// PhoneFromJID extracts the user part of a WhatsApp JID such as
// "15551234567@s.whatsapp.net". Group JIDs yield "".
func PhoneFromJID(jid string) string {
	user, server, ok := strings.Cut(strings.TrimSpace(jid), "@")
	if !ok || server == "g.us" {
		return ""
	}
	// device suffix: "1555:12@s.whatsapp.net"
	user, _, _ = strings.Cut(user, ":")
	if !isDigitsOnly(user) {
		return ""
	}
	return user
}

func isDigitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
