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
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	check := func(line string, want Command) {
		t.Helper()
		cmd, err := ParseCommand([]byte(line + "\r\n"))
		if err != nil {
			t.Errorf("ParseCommand(%q): unexpected error: %v", line, err)
			return
		}
		if !reflect.DeepEqual(cmd, want) {
			t.Errorf("ParseCommand(%q):\n got %+v\nwant %+v", line, cmd, want)
		}
	}

	check("HELO example.org", Command{Kind: CmdHelo, Domain: "example.org"})
	check("EHLO mx1.example.org", Command{Kind: CmdEhlo, Domain: "mx1.example.org"})
	check("ehlo [192.0.2.1]", Command{Kind: CmdEhlo, Domain: "[192.0.2.1]"})
	check("EHLO [IPv6:2001:db8::1]", Command{Kind: CmdEhlo, Domain: "[IPv6:2001:db8::1]"})

	check("MAIL FROM:<foo@example.org>", Command{
		Kind: CmdMail, Path: "foo@example.org", Params: map[string]string{},
	})
	check("MAIL FROM:<>", Command{Kind: CmdMail, Path: "", Params: map[string]string{}})
	check("mail from: <foo@example.org>", Command{
		Kind: CmdMail, Path: "foo@example.org", Params: map[string]string{},
	})
	check("MAIL FROM:<foo@example.org> SIZE=1024 BODY=8BITMIME", Command{
		Kind: CmdMail, Path: "foo@example.org",
		Params: map[string]string{"SIZE": "1024", "BODY": "8BITMIME"},
	})
	check(`MAIL FROM:<"quoted string"@example.org>`, Command{
		Kind: CmdMail, Path: `"quoted string"@example.org`, Params: map[string]string{},
	})
	check("MAIL FROM:<@relay.example.com:foo@example.org>", Command{
		Kind: CmdMail, Path: "foo@example.org", Params: map[string]string{},
	})

	check("RCPT TO:<bar@example.com>", Command{
		Kind: CmdRcpt, Path: "bar@example.com", Params: map[string]string{},
	})
	check("RCPT TO:<postmaster>", Command{
		Kind: CmdRcpt, Path: "postmaster", Params: map[string]string{},
	})

	check("DATA", Command{Kind: CmdData})
	check("RSET", Command{Kind: CmdRset})
	check("QUIT", Command{Kind: CmdQuit})
	check("STARTTLS", Command{Kind: CmdStartTLS})
	check("NOOP", Command{Kind: CmdNoop})
	check("NOOP ignored", Command{Kind: CmdNoop, Arg: "ignored"})
	check("VRFY someone", Command{Kind: CmdVrfy, Arg: "someone"})
	check("EXPN list-name", Command{Kind: CmdExpn, Arg: "list-name"})
	check("HELP", Command{Kind: CmdHelp})
	check("HELP MAIL", Command{Kind: CmdHelp, Arg: "MAIL"})
	check("AUTH PLAIN dGVzdAB0ZXN0AHRlc3Q=", Command{
		Kind: CmdAuth, Mechanism: "PLAIN", InitialResponse: "dGVzdAB0ZXN0AHRlc3Q=",
	})
}

func TestParseCommandErrors(t *testing.T) {
	check := func(line string, kind ParseErrorKind) {
		t.Helper()
		_, err := ParseCommand([]byte(line))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Errorf("ParseCommand(%q): got %v, want *ParseError", line, err)
			return
		}
		if perr.Kind != kind {
			t.Errorf("ParseCommand(%q): got kind %d (%v), want %d", line, perr.Kind, perr, kind)
		}
	}

	check("MAIL FROM:<foo@example.org>\n", MalformedLine)
	check("MAIL FROM:<foo@example.org>", MalformedLine)
	check("HELO m\x00x\r\n", MalformedLine)
	check("HELO m\xffx\r\n", MalformedLine)
	check("FOOBAR\r\n", UnknownCommand)
	check("MAIL\r\n", BadParameter)
	check("MAIL FROM:foo@example.org\r\n", BadParameter)
	check("MAIL FROM:<foo>\r\n", BadParameter)
	check("MAIL FROM:<foo@example.org\r\n", BadParameter)
	check("RCPT TO:<>\r\n", BadParameter)
	check("RCPT TO:<foo@[300.0.2.1]>\r\n", BadParameter)
	check("RCPT TO:<foo@[2001:db8::1]>\r\n", BadParameter)
	check("DATA foo\r\n", BadParameter)
	check("VRFY\r\n", BadParameter)
	check("MAIL FROM:<"+strings.Repeat("a", 600)+"@example.org>\r\n", CommandTooLong)
}

func TestCommandRoundTrip(t *testing.T) {
	lines := []string{
		"HELO example.org",
		"EHLO [192.0.2.1]",
		"MAIL FROM:<>",
		"MAIL FROM:<foo@example.org> BODY=8BITMIME SIZE=1024",
		"RCPT TO:<bar@example.com>",
		"RCPT TO:<postmaster>",
		"DATA",
		"RSET",
		"NOOP",
		"QUIT",
		"STARTTLS",
		"VRFY user@example.org",
		"HELP DATA",
		"AUTH PLAIN dGVzdA==",
	}
	for _, line := range lines {
		cmd, err := ParseCommand([]byte(line + "\r\n"))
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", line, err)
		}
		cmd2, err := ParseCommand([]byte(cmd.String() + "\r\n"))
		if err != nil {
			t.Fatalf("reparse of %q (%q): %v", line, cmd.String(), err)
		}
		if !reflect.DeepEqual(cmd, cmd2) {
			t.Errorf("round-trip mismatch for %q:\nfirst  %+v\nsecond %+v", line, cmd, cmd2)
		}
	}
}
