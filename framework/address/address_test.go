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
	"testing"
)

func TestSplit(t *testing.T) {
	check := func(addr, wantMbox, wantDomain string, wantErr bool) {
		t.Helper()
		mbox, domain, err := Split(addr)
		if (err != nil) != wantErr {
			t.Errorf("Split(%q): err = %v, wantErr = %v", addr, err, wantErr)
			return
		}
		if mbox != wantMbox || domain != wantDomain {
			t.Errorf("Split(%q) = %q, %q; want %q, %q", addr, mbox, domain, wantMbox, wantDomain)
		}
	}

	check("user@example.org", "user", "example.org", false)
	check("postmaster", "postmaster", "", false)
	check(`"a@b"@example.org`, `"a@b"`, "example.org", false)
	check("no-at-sign", "", "", true)
	check("@example.org", "", "", true)
	check("user@", "", "", true)
}

func TestValid(t *testing.T) {
	for _, addr := range []string{
		"user@example.org",
		"postmaster",
		"user.name+tag@example.org",
		`"quoted string"@example.org`,
		"ユーザー@例え.テスト",
	} {
		if !Valid(addr) {
			t.Errorf("Valid(%q) = false", addr)
		}
	}
	for _, addr := range []string{
		"",
		"a b@example.org",
		".leading@example.org",
		"double..dot@example.org",
		"user@.example.org",
		"user@double..dot.example",
	} {
		if Valid(addr) {
			t.Errorf("Valid(%q) = true", addr)
		}
	}
}

func TestQuoteUnquote(t *testing.T) {
	for _, raw := range []string{
		"simple",
		"with space",
		`with"quote`,
		`with\backslash`,
		"with@at",
	} {
		quoted := QuoteMbox(raw)
		unquoted, err := UnquoteMbox(quoted)
		if err != nil {
			t.Errorf("UnquoteMbox(QuoteMbox(%q)): %v", raw, err)
			continue
		}
		if unquoted != raw {
			t.Errorf("quote round-trip of %q: %q -> %q", raw, quoted, unquoted)
		}
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"user@example.org", "user@example.org", true},
		{"user@example.org", "USER@EXAMPLE.ORG", true},
		{"user@example.org", "user@xn--nxasmq6b.example", false},
		{"user@example.org", "other@example.org", false},
	}
	for _, c := range cases {
		if got := Equal(c.a, c.b); got != c.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestToASCII(t *testing.T) {
	got, err := ToASCII("user@例え.テスト")
	if err != nil {
		t.Fatal(err)
	}
	if got != "user@xn--r8jz45g.xn--zckzah" {
		t.Errorf("ToASCII = %q", got)
	}

	if _, err := ToASCII("ユーザー@example.org"); err == nil {
		t.Error("non-ASCII local-part did not fail")
	}
}
