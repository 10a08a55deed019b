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
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Ekleog/kannader/framework/exterrors"
)

// Reply is one SMTP reply, possibly multiline. The enhanced status code is
// carried separately from the text and is prepended to each line when the
// reply is serialized, per RFC 2034.
type Reply struct {
	Code     int
	Enhanced exterrors.EnhancedCode // Zero value means "no enhanced code".
	Lines    []string               // Human-readable text, one entry per reply line.
}

func (r Reply) hasEnhanced() bool {
	return r.Enhanced[0] != 0
}

// Temporary reports whether the reply code indicates a transient condition.
func (r Reply) Temporary() bool {
	return r.Code/100 == 4
}

// Permanent reports whether the reply code indicates a permanent failure.
func (r Reply) Permanent() bool {
	return r.Code/100 == 5
}

func (r Reply) String() string {
	var b strings.Builder
	_ = r.WriteTo(&b)
	return b.String()
}

// FormatLog implements log.LogFormatter.
func (r Reply) FormatLog() string {
	text := strings.Join(r.Lines, " ")
	if r.hasEnhanced() {
		return fmt.Sprintf("%d %v %s", r.Code, r.Enhanced, text)
	}
	return fmt.Sprintf("%d %s", r.Code, text)
}

// WriteTo serializes the reply in its wire form, including the trailing
// CRLF of each line. All lines but the last use the '-' continuation
// marker.
func (r Reply) WriteTo(w io.Writer) error {
	if r.Code < 200 || r.Code > 599 {
		return fmt.Errorf("smtp: reply code %d out of range", r.Code)
	}
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := " "
		if i != len(lines)-1 {
			sep = "-"
		}
		text := line
		if r.hasEnhanced() {
			text = r.Enhanced.String() + " " + text
		}
		full := strconv.Itoa(r.Code) + sep + text + "\r\n"
		if len(full) > MaxLineLength {
			return fmt.Errorf("smtp: reply line of %d octets", len(full))
		}
		if _, err := io.WriteString(w, full); err != nil {
			return err
		}
	}
	return nil
}

// ReadReply reads one complete (possibly multiline) reply. It is used by
// tests: the parse/serialize round-trip and the endpoint tests' client.
func ReadReply(br *bufio.Reader) (Reply, error) {
	var r Reply
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		if len(line) > MaxLineLength {
			return Reply{}, parseErrorf(MalformedLine, "reply line of %d octets", len(line))
		}
		if !strings.HasSuffix(line, "\r\n") {
			return Reply{}, parseErrorf(MalformedLine, "reply line without CRLF")
		}
		line = line[:len(line)-2]

		if len(line) < 3 {
			return Reply{}, parseErrorf(MalformedLine, "reply line too short")
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 200 || code > 599 {
			return Reply{}, parseErrorf(MalformedLine, "bad reply code %q", line[:3])
		}
		if r.Code != 0 && r.Code != code {
			return Reply{}, parseErrorf(MalformedLine, "reply code changed mid-reply: %d then %d", r.Code, code)
		}
		r.Code = code

		last := true
		text := ""
		if len(line) > 3 {
			switch line[3] {
			case '-':
				last = false
			case ' ':
			default:
				return Reply{}, parseErrorf(MalformedLine, "bad reply separator %q", line[3])
			}
			text = line[4:]
		}

		enh, rest, ok := cutEnhancedCode(code, text)
		if ok {
			if len(r.Lines) == 0 {
				r.Enhanced = enh
			}
			if enh == r.Enhanced {
				text = rest
			}
		}
		r.Lines = append(r.Lines, text)

		if last {
			return r, nil
		}
	}
}

// cutEnhancedCode strips a leading RFC 2034 status code from the reply text
// if there is one and its class agrees with the basic code.
func cutEnhancedCode(code int, text string) (exterrors.EnhancedCode, string, bool) {
	fields := strings.SplitN(text, " ", 2)
	parts := strings.Split(fields[0], ".")
	if len(parts) != 3 {
		return exterrors.EnhancedCode{}, text, false
	}
	var enh exterrors.EnhancedCode
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return exterrors.EnhancedCode{}, text, false
		}
		enh[i] = n
	}
	if enh[0] != code/100 {
		return exterrors.EnhancedCode{}, text, false
	}
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}
	return enh, rest, true
}
