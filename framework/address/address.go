/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package address handles email addresses in the form they travel inside
// SMTP envelopes: a local-part, an at-sign, a domain — plus the special
// bare "postmaster" the RFC grandfathers in.
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

var (
	ErrNoAtSign       = errors.New("address: missing at-sign")
	ErrEmptyLocalpart = errors.New("address: empty local-part")
	ErrEmptyDomain    = errors.New("address: empty domain")
)

// Split cuts an envelope address at its last at-sign. The bare
// "postmaster" form is returned with an empty domain.
//
// Quoted local-parts may themselves contain at-signs, which is why the
// split happens at the last one, not the first. No further validation is
// done here; see Valid.
func Split(addr string) (localpart, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	at := strings.LastIndexByte(addr, '@')
	switch {
	case at < 0:
		return "", "", ErrNoAtSign
	case at == 0:
		return "", "", ErrEmptyLocalpart
	case at == len(addr)-1:
		return "", "", ErrEmptyDomain
	}
	return addr[:at], addr[at+1:], nil
}

// UnquoteMbox removes the quoted-string syntax from a local-part,
// undoing backslash escapes. Local-parts that were never quoted pass
// through unchanged (modulo validation of stray quotes/escapes).
func UnquoteMbox(mbox string) (string, error) {
	var out strings.Builder
	out.Grow(len(mbox))

	inQuotes := false
	closed := false
	for i := 0; i < len(mbox); i++ {
		if closed {
			return "", errors.New("address: data after the closing quote")
		}
		switch c := mbox[i]; c {
		case '"':
			if inQuotes {
				closed = true
			}
			inQuotes = !inQuotes
		case '\\':
			if !inQuotes {
				return "", errors.New("address: escape outside a quoted string")
			}
			i++
			if i == len(mbox) {
				return "", errors.New("address: unterminated escape")
			}
			out.WriteByte(mbox[i])
		case '@':
			if !inQuotes {
				return "", errors.New("address: at-sign in an unquoted local-part")
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}
	if inQuotes {
		return "", errors.New("address: unterminated quoted string")
	}
	if out.Len() == 0 {
		return "", ErrEmptyLocalpart
	}
	return out.String(), nil
}

// quoteTriggers are the characters that force the quoted-string form:
// the RFC 5322 "specials" (the dot included) plus space.
const quoteTriggers = `()<>[]:;@\,". `

// QuoteMbox renders a raw local-part in its wire form, quoting it when it
// contains any of quoteTriggers. A local-part with a dot is always quoted,
// even where the dot-atom form could carry it.
func QuoteMbox(mbox string) string {
	if !strings.ContainsAny(mbox, quoteTriggers) {
		return mbox
	}

	var out strings.Builder
	out.Grow(len(mbox) + 2)
	out.WriteByte('"')
	for i := 0; i < len(mbox); i++ {
		if c := mbox[i]; c == '"' || c == '\\' {
			out.WriteByte('\\')
		}
		out.WriteByte(mbox[i])
	}
	out.WriteByte('"')
	return out.String()
}

// Valid reports whether addr is usable as an RFC 5321 address (with the
// RFC 6531 UTF-8 extensions).
func Valid(addr string) bool {
	if addr == "" || len(addr) > 320 { // RFC 3696 erratum: 320, not 255.
		return false
	}

	localpart, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if domain == "" {
		// Only the bare postmaster form reaches here.
		return true
	}
	return ValidMailboxName(localpart) && ValidDomain(domain)
}

// isAtext reports whether b may appear in a dot-atom local-part.
// Bytes >= 0x80 are accepted wholesale: multi-byte UTF-8 sequences are
// allowed by RFC 6531 and checked for well-formedness elsewhere.
func isAtext(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b >= 0x80:
		return true
	}
	return strings.IndexByte("!#$%&'*+-/=?^_`{|}~", b) >= 0
}

// ValidMailboxName checks the local-part of an address: either a
// dot-atom or a quoted string.
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		raw, err := UnquoteMbox(mbox)
		if err != nil {
			return false
		}
		// Inside quotes anything printable goes, including UTF-8.
		for _, r := range raw {
			if r < ' ' || r == 0x7F {
				return false
			}
		}
		return true
	}

	// Dot-atom: dot-separated runs of atext, no empty runs.
	for _, atom := range strings.Split(mbox, ".") {
		if atom == "" {
			return false
		}
		for i := 0; i < len(atom); i++ {
			if !isAtext(atom[i]) {
				return false
			}
		}
	}
	return true
}

// ValidDomain checks whether domain is a plausible DNS name. Length
// limits are applied to the A-label (punycode) form, since that is what
// ends up in queries.
func ValidDomain(domain string) bool {
	if domain == "" || strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil || len(ascii) > 255 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(ascii, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

// IsASCII reports whether s contains only 7-bit characters.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
