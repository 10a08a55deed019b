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

package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LogFormatter lets a field value control its own log representation.
type LogFormatter interface {
	FormatLog() string
}

// renderEntry produces the single-line text form used by WriterOutput:
//
//	2006-01-02T15:04:05.000Z [debug] name: message	key=value key2="two words"
//
// Fields are rendered logfmt-style in key order, so that the same event
// always produces the same line and lines from related events diff
// cleanly.
func renderEntry(e Entry, timestamps bool) string {
	var b strings.Builder
	if timestamps {
		b.WriteString(e.Stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if e.Debug {
		b.WriteString("[debug] ")
	}
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	if len(e.Fields) != 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('\t')
		for i, k := range keys {
			if i != 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(renderValue(e.Fields[k]))
		}
	}

	b.WriteByte('\n')
	return b.String()
}

func renderValue(val interface{}) string {
	var s string
	switch v := val.(type) {
	case nil:
		return "<nil>"
	case string:
		s = v
	case time.Time:
		s = v.Format(time.RFC3339)
	case time.Duration:
		s = v.String()
	case LogFormatter:
		s = v.FormatLog()
	case error:
		s = v.Error()
	case fmt.Stringer:
		s = v.String()
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		s = fmt.Sprint(v)
	}

	if s == "" || strings.ContainsAny(s, " \t\"=") || strings.ContainsAny(s, "\r\n") {
		return strconv.Quote(s)
	}
	return s
}

type writerOutput struct {
	timestamps bool
	w          io.Writer
	close      func() error
}

func (wo writerOutput) Emit(e Entry) {
	if _, err := io.WriteString(wo.w, renderEntry(e, wo.timestamps)); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (wo writerOutput) Close() error {
	if wo.close == nil {
		return nil
	}
	return wo.close()
}

// WriterOutput renders entries to w, one line each. Closing the Output
// does not close w. Goroutine-safety depends on w: stream writes on an
// os.File are atomic on the platforms the server supports.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return writerOutput{timestamps: timestamps, w: w}
}

// WriteCloserOutput is WriterOutput that also owns wc: closing the
// Output closes the underlying writer.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return writerOutput{timestamps: timestamps, w: wc, close: wc.Close}
}

// FuncOutput calls emit for every entry. Used by tests to route events
// into testing.T.
func FuncOutput(emit func(Entry), close func() error) Output {
	return funcOutput{emit, close}
}

type funcOutput struct {
	emit  func(Entry)
	close func() error
}

func (fo funcOutput) Emit(e Entry) {
	fo.emit(e)
}

func (fo funcOutput) Close() error {
	if fo.close == nil {
		return nil
	}
	return fo.close()
}

// MultiOutput fans every entry out to all the passed outputs.
func MultiOutput(outs ...Output) Output {
	return multiOutput(outs)
}

type multiOutput []Output

func (mo multiOutput) Emit(e Entry) {
	for _, out := range mo {
		out.Emit(e)
	}
}

func (mo multiOutput) Close() error {
	var last error
	for _, out := range mo {
		if err := out.Close(); err != nil {
			last = err
		}
	}
	return last
}

// NopOutput discards everything.
type NopOutput struct{}

func (NopOutput) Emit(Entry) {}

func (NopOutput) Close() error { return nil }
