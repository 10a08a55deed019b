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

package testutils

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Ekleog/kannader/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(kannader) Turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "(kannader) Log to stderr instead of test log")
)

func Logger(t *testing.T, name string) log.Logger {
	if *directLog {
		return log.Logger{
			Out:   log.WriterOutput(os.Stderr, true),
			Name:  name,
			Debug: *debugLog,
		}
	}

	return log.Logger{
		// The test runner stamps lines itself, so entries are rendered
		// without the timestamp.
		Out: log.FuncOutput(func(e log.Entry) {
			t.Helper()
			t.Log(strings.TrimSuffix(renderForTest(e), "\n"))
		}, nil),
		Name:  name,
		Debug: *debugLog,
	}
}

func renderForTest(e log.Entry) string {
	var b strings.Builder
	if e.Debug {
		b.WriteString("[debug] ")
	}
	if e.Source != "" {
		b.WriteString(e.Source + ": ")
	}
	b.WriteString(e.Message)
	for k, v := range e.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}
