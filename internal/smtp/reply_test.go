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

package smtp

import (
	"bufio"
	"reflect"
	"strings"
	"testing"

	"github.com/Ekleog/kannader/framework/exterrors"
)

func TestReplySerialize(t *testing.T) {
	check := func(r Reply, want string) {
		t.Helper()
		var b strings.Builder
		if err := r.WriteTo(&b); err != nil {
			t.Errorf("WriteTo(%+v): %v", r, err)
			return
		}
		if b.String() != want {
			t.Errorf("WriteTo(%+v):\n got %q\nwant %q", r, b.String(), want)
		}
	}

	check(Reply{Code: 220, Lines: []string{"mx.example.org ESMTP"}},
		"220 mx.example.org ESMTP\r\n")
	check(Reply{Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok"}},
		"250 2.0.0 Ok\r\n")
	check(Reply{Code: 250, Lines: []string{"mx.example.org", "PIPELINING", "8BITMIME"}},
		"250-mx.example.org\r\n250-PIPELINING\r\n250 8BITMIME\r\n")
	check(Reply{Code: 550, Enhanced: exterrors.EnhancedCode{5, 1, 1}, Lines: []string{"No such user", "Contact postmaster"}},
		"550-5.1.1 No such user\r\n550 5.1.1 Contact postmaster\r\n")
}

func TestReplyRoundTrip(t *testing.T) {
	replies := []Reply{
		{Code: 220, Lines: []string{"mx.example.org ESMTP"}},
		{Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok"}},
		{Code: 250, Lines: []string{"mx.example.org", "PIPELINING", "SIZE 33554432", "8BITMIME"}},
		{Code: 451, Enhanced: exterrors.EnhancedCode{4, 7, 0}, Lines: []string{"Policy check failed, try again later"}},
		{Code: 550, Enhanced: exterrors.EnhancedCode{5, 1, 1}, Lines: []string{"No such user", "Second line"}},
		{Code: 354, Lines: []string{"End data with <CR><LF>.<CR><LF>"}},
	}

	for _, r := range replies {
		var b strings.Builder
		if err := r.WriteTo(&b); err != nil {
			t.Fatalf("WriteTo(%+v): %v", r, err)
		}
		parsed, err := ReadReply(bufio.NewReader(strings.NewReader(b.String())))
		if err != nil {
			t.Fatalf("ReadReply(%q): %v", b.String(), err)
		}
		if !reflect.DeepEqual(r, parsed) {
			t.Errorf("round-trip mismatch:\nwrote  %+v\nparsed %+v", r, parsed)
		}
	}
}

func TestReadReplyErrors(t *testing.T) {
	for _, input := range []string{
		"250 Ok\n",          // no CR
		"2x0 Ok\r\n",        // bad code
		"199 Ok\r\n",        // out of range code
		"250-a\r\n251 b\r\n", // code changes mid-reply
		"25\r\n",            // short line
	} {
		if _, err := ReadReply(bufio.NewReader(strings.NewReader(input))); err == nil {
			t.Errorf("ReadReply(%q): expected error", input)
		}
	}
}
