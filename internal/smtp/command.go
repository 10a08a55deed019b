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

// Package smtp implements the byte-level SMTP wire grammar: command lines,
// reply lines and the DATA stream with dot-stuffing.
//
// The package is pure: parsers consume byte slices or buffered readers and
// produce values, serializers do the reverse. All I/O, state keeping and
// policy decisions live in internal/endpoint/smtp.
package smtp

import (
	"sort"
	"strings"
)

// MaxLineLength is the maximum length of a command or reply line, in octets
// and including the trailing CRLF, as set by RFC 5321.
const MaxLineLength = 512

type CommandKind int

const (
	CmdHelo CommandKind = iota
	CmdEhlo
	CmdMail
	CmdRcpt
	CmdData
	CmdRset
	CmdNoop
	CmdQuit
	CmdStartTLS
	CmdVrfy
	CmdExpn
	CmdHelp
	CmdAuth
)

var kindNames = map[CommandKind]string{
	CmdHelo:     "HELO",
	CmdEhlo:     "EHLO",
	CmdMail:     "MAIL",
	CmdRcpt:     "RCPT",
	CmdData:     "DATA",
	CmdRset:     "RSET",
	CmdNoop:     "NOOP",
	CmdQuit:     "QUIT",
	CmdStartTLS: "STARTTLS",
	CmdVrfy:     "VRFY",
	CmdExpn:     "EXPN",
	CmdHelp:     "HELP",
	CmdAuth:     "AUTH",
}

func (k CommandKind) String() string {
	return kindNames[k]
}

// Command is one parsed client command line.
type Command struct {
	Kind CommandKind

	// HELO/EHLO argument: domain or address literal.
	Domain string

	// MAIL FROM / RCPT TO argument. Empty for the null reverse-path (<>).
	Path string
	// ESMTP parameters following the path, keywords upper-cased. A
	// parameter without a value maps to "".
	Params map[string]string

	// Free-form argument of VRFY, EXPN, HELP and NOOP.
	Arg string

	// AUTH arguments.
	Mechanism       string
	InitialResponse string
}

// ParseCommand parses a single complete command line, which must include
// the terminating CRLF. It performs full syntax validation of the command
// arguments but no semantic checks: sequencing is the session engine's
// business.
func ParseCommand(line []byte) (cmd Command, err error) {
	if len(line) > MaxLineLength {
		return Command{}, parseErrorf(CommandTooLong, "line of %d octets", len(line))
	}
	if len(line) < 2 || line[len(line)-2] != '\r' || line[len(line)-1] != '\n' {
		return Command{}, parseErrorf(MalformedLine, "missing CRLF")
	}
	for _, b := range line[:len(line)-2] {
		if b >= 0x80 || b == 0 || b == '\r' || b == '\n' {
			return Command{}, parseErrorf(MalformedLine, "invalid byte %#x in command", b)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(*ParseError)
			if !ok {
				panic(r)
			}
			cmd = Command{}
			err = perr
		}
	}()

	p := newParser(string(line[:len(line)-2]))
	verb := toUpper(p.takefn1("command verb", func(c rune, i int) bool {
		return c >= 'A' && c <= 'Z' && i < 10
	}))

	switch verb {
	case "HELO", "EHLO":
		cmd.Kind = CmdHelo
		if verb == "EHLO" {
			cmd.Kind = CmdEhlo
		}
		p.xspace()
		cmd.Domain = p.xipdomain()
		p.xend()
	case "MAIL":
		cmd.Kind = CmdMail
		p.xspace()
		p.xtake("FROM:")
		p.space() // Not allowed by the grammar, but widespread in the wild.
		cmd.Path = p.xpath()
		cmd.Params = p.xparams()
		p.xend()
	case "RCPT":
		cmd.Kind = CmdRcpt
		p.xspace()
		p.xtake("TO:")
		p.space()
		if p.hasPrefix("<POSTMASTER>") {
			p.xtaken(len("<postmaster>"))
			cmd.Path = "postmaster"
		} else {
			cmd.Path = p.xpath()
			if cmd.Path == "" {
				p.xerrorf("empty forward-path")
			}
		}
		cmd.Params = p.xparams()
		p.xend()
	case "DATA":
		cmd.Kind = CmdData
		p.xend()
	case "RSET":
		cmd.Kind = CmdRset
		p.xend()
	case "NOOP":
		cmd.Kind = CmdNoop
		if p.space() {
			cmd.Arg = p.remainder()
		}
	case "QUIT":
		cmd.Kind = CmdQuit
		p.xend()
	case "STARTTLS":
		cmd.Kind = CmdStartTLS
		p.xend()
	case "VRFY":
		cmd.Kind = CmdVrfy
		p.xspace()
		cmd.Arg = p.remainder()
		if cmd.Arg == "" {
			p.xerrorf("missing VRFY argument")
		}
	case "EXPN":
		cmd.Kind = CmdExpn
		p.xspace()
		cmd.Arg = p.remainder()
		if cmd.Arg == "" {
			p.xerrorf("missing EXPN argument")
		}
	case "HELP":
		cmd.Kind = CmdHelp
		if p.space() {
			cmd.Arg = p.remainder()
		}
	case "AUTH":
		cmd.Kind = CmdAuth
		p.xspace()
		cmd.Mechanism = p.takefn1("sasl-mech", func(c rune, i int) bool {
			return i < 20 && (c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_')
		})
		if p.space() {
			cmd.InitialResponse = p.remainder()
		}
	default:
		return Command{}, parseErrorf(UnknownCommand, "unknown command %q", verb)
	}

	return cmd, nil
}

// String serializes the command back to its wire form, without the trailing
// CRLF. ParseCommand(cmd.String() + CRLF) is the identity for every command
// value ParseCommand can produce.
func (cmd Command) String() string {
	var b strings.Builder
	b.WriteString(cmd.Kind.String())
	switch cmd.Kind {
	case CmdHelo, CmdEhlo:
		b.WriteString(" " + cmd.Domain)
	case CmdMail:
		b.WriteString(" FROM:<" + cmd.Path + ">")
		writeParams(&b, cmd.Params)
	case CmdRcpt:
		b.WriteString(" TO:<" + cmd.Path + ">")
		writeParams(&b, cmd.Params)
	case CmdVrfy, CmdExpn:
		b.WriteString(" " + cmd.Arg)
	case CmdNoop, CmdHelp:
		if cmd.Arg != "" {
			b.WriteString(" " + cmd.Arg)
		}
	case CmdAuth:
		b.WriteString(" " + cmd.Mechanism)
		if cmd.InitialResponse != "" {
			b.WriteString(" " + cmd.InitialResponse)
		}
	}
	return b.String()
}

func writeParams(b *strings.Builder, params map[string]string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k)
		if v := params[k]; v != "" {
			b.WriteString("=" + v)
		}
	}
}
