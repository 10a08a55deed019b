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

// Package log is the logging layer of the server.
//
// A Logger is a cheap value that stamps events with a source name and
// optional bound fields and hands them to an Output. All rendering
// decisions (timestamps, field formatting) belong to the Output, so the
// same events can go to stderr, a test log or a zap core unchanged.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Ekleog/kannader/framework/exterrors"
	"go.uber.org/zap"
)

// Entry is one log event as handed to an Output.
type Entry struct {
	Stamp   time.Time
	Debug   bool
	Source  string
	Message string
	Fields  map[string]interface{}
}

// Output consumes entries. Implementations decide how (and whether) to
// render them; they must be safe for concurrent use.
type Output interface {
	Emit(e Entry)
	Close() error
}

// Logger stamps events with Name and Fields and forwards them to Out (or
// to DefaultLogger.Out when Out is nil). The zero value logs through the
// default output with no name.
//
// Loggers are values and are copied freely; binding extra context means
// copying the logger and extending Fields on the copy.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields bound to every event this logger emits.
	Fields map[string]interface{}
}

func (l Logger) emit(debug bool, msg string, fields map[string]interface{}) {
	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}

	if len(l.Fields) != 0 {
		merged := make(map[string]interface{}, len(l.Fields)+len(fields))
		for k, v := range l.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}

	out.Emit(Entry{
		Stamp:   time.Now(),
		Debug:   debug,
		Source:  l.Name,
		Message: msg,
		Fields:  fields,
	})
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, strings.TrimRight(fmt.Sprintln(val...), "\n"), nil)
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.emit(false, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Println(val ...interface{}) {
	l.emit(false, strings.TrimRight(fmt.Sprintln(val...), "\n"), nil)
}

// Msg logs an event with structured fields. The fields slice alternates
// keys and values: "key", value, "key2", value2...
func (l Logger) Msg(msg string, fields ...interface{}) {
	l.emit(false, msg, pairsToMap(fields))
}

// DebugMsg is Msg gated on the Debug flag.
func (l Logger) DebugMsg(msg string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	l.emit(true, msg, pairsToMap(fields))
}

// Error logs an event describing a handled error. Structured context
// attached to err via exterrors is unpacked into the event fields; msg
// names the operation that failed ("DATA error", "send_done failed"),
// not the error itself.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	all := exterrors.Fields(err)
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	for k, v := range pairsToMap(fields) {
		all[k] = v
	}

	l.emit(false, msg, all)
}

func pairsToMap(pairs []interface{}) map[string]interface{} {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			// Preserve misformatted arguments instead of dropping them.
			key = fmt.Sprintf("!arg%d", i)
		}
		m[key] = pairs[i+1]
	}
	if len(pairs)%2 != 0 {
		m["!dangling"] = pairs[len(pairs)-1]
	}
	return m
}

// Write implements io.Writer so a Logger can be plugged into APIs that
// want one; every call becomes one event.
func (l Logger) Write(s []byte) (int, error) {
	l.emit(false, strings.TrimRight(string(s), "\n"), nil)
	return len(s), nil
}

// DebugWriter returns an io.Writer whose writes become debug events.
// When the Debug flag is off, the writes go nowhere.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return debugWriter{l}
}

type debugWriter struct {
	l Logger
}

func (dw debugWriter) Write(s []byte) (int, error) {
	dw.l.emit(true, strings.TrimRight(string(s), "\n"), nil)
	return len(s), nil
}

// Zap exposes the logger as a *zap.Logger for libraries that speak zap.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

// DefaultLogger is used by the package-level functions and by Logger
// values with no Output of their own.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
