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

package address

import (
	"errors"
	"strings"

	"github.com/Ekleog/kannader/framework/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// mapDomain rebuilds addr with its domain part passed through f. The
// local-part is left byte-identical; addresses without a domain (bare
// postmaster) are returned as-is.
func mapDomain(addr string, f func(domain string) (string, error)) (string, error) {
	localpart, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if domain == "" {
		return localpart, nil
	}

	mapped, err := f(domain)
	if err != nil {
		return addr, err
	}
	return localpart + "@" + mapped, nil
}

// CleanDomain converts the domain part to its canonical form: U-labels,
// NFC-normalized, case-folded. The local-part is untouched (its case is
// the receiving system's business, RFC 5321 §2.4).
func CleanDomain(addr string) (string, error) {
	return mapDomain(addr, func(domain string) (string, error) {
		u, err := idna.ToUnicode(domain)
		if err != nil {
			return "", err
		}
		return strings.ToLower(norm.NFC.String(u)), nil
	})
}

// ForLookup folds the whole address into the form used as a map key:
// canonical domain plus NFC-normalized, lower-cased local-part. The
// case-folded input is returned even on error so callers can still use
// it as an (imperfect) key.
func ForLookup(addr string) (string, error) {
	localpart, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	localpart = strings.ToLower(norm.NFC.String(localpart))
	if domain == "" {
		return localpart, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return localpart + "@" + domain, nil
}

// Equal reports whether two addresses fold to the same lookup key.
// Malformed addresses degrade to case-folded byte comparison.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	k1, _ := ForLookup(addr1)
	k2, _ := ForLookup(addr2)
	return k1 == k2
}

var ErrUnicodeMailbox = errors.New("address: local-part has no ASCII form")

// ToASCII renders the address for a transport without SMTPUTF8: the
// domain becomes A-labels, a non-ASCII local-part is a hard error (there
// is no ACE form for local-parts).
func ToASCII(addr string) (string, error) {
	localpart, _, err := Split(addr)
	if err == nil && !IsASCII(localpart) {
		return addr, ErrUnicodeMailbox
	}
	return mapDomain(addr, idna.ToASCII)
}

// ToUnicode renders the address for an SMTPUTF8 transport: U-label
// domain, NFC normalization over the whole thing.
func ToUnicode(addr string) (string, error) {
	mapped, err := mapDomain(addr, idna.ToUnicode)
	return norm.NFC.String(mapped), err
}

// SelectIDNA picks the representation matching the transport: ToUnicode
// when SMTPUTF8 is in effect, ToASCII otherwise.
func SelectIDNA(ulabel bool, addr string) (string, error) {
	if ulabel {
		return ToUnicode(addr)
	}
	return ToASCII(addr)
}
