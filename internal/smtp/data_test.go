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
	"errors"
	"io"
	"strings"
	"testing"
)

func readAllData(t *testing.T, wire string, maxSize int64) (string, error) {
	t.Helper()
	r := NewDataReader(bufio.NewReader(strings.NewReader(wire)), maxSize)
	var b strings.Builder
	_, err := io.Copy(&b, r)
	return b.String(), err
}

func TestDataReader(t *testing.T) {
	check := func(wire, want string) {
		t.Helper()
		got, err := readAllData(t, wire, 0)
		if err != nil {
			t.Errorf("read %q: %v", wire, err)
			return
		}
		if got != want {
			t.Errorf("read %q:\n got %q\nwant %q", wire, got, want)
		}
	}

	check(".\r\n", "")
	check("Subject: t\r\n\r\nhi\r\n.\r\n", "Subject: t\r\n\r\nhi\r\n")
	check("..\r\n.\r\n", ".\r\n")
	check("..dot-starting line\r\nplain\r\n.\r\n", ".dot-starting line\r\nplain\r\n")
	// A long line crossing the bufio buffer boundary.
	long := strings.Repeat("x", 9000)
	check(long+"\r\n.\r\n", long+"\r\n")

	// Truncated stream.
	if _, err := readAllData(t, "no terminator\r\n", 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated stream: got %v, want ErrUnexpectedEOF", err)
	}
}

func TestDataReaderSizeLimit(t *testing.T) {
	wire := "0123456789\r\nmore bytes here\r\n.\r\n"
	_, err := readAllData(t, wire, 16)
	var perr *ParseError
	if !errors.As(err, &perr) || perr.Kind != MessageTooLarge {
		t.Fatalf("got %v, want MessageTooLarge", err)
	}
}

func TestDataReaderDiscard(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("abc\r\ndef\r\n.\r\nQUIT\r\n"))
	r := NewDataReader(br, 4)
	buf := make([]byte, 100)
	if _, err := r.Read(buf); err == nil {
		// Keep reading until the limit trips.
		for {
			if _, err = r.Read(buf); err != nil {
				break
			}
		}
	}
	if err := r.Discard(); err != nil {
		t.Fatal("Discard:", err)
	}
	// The bytes following the data stream must be left in the reader.
	rest, err := br.ReadString('\n')
	if err != nil {
		t.Fatal("ReadString:", err)
	}
	if rest != "QUIT\r\n" {
		t.Fatalf("got %q after data, want QUIT line", rest)
	}
}

func TestDataWriter(t *testing.T) {
	check := func(msg, want string) {
		t.Helper()
		var b strings.Builder
		w := NewDataWriter(&b)
		if _, err := io.WriteString(w, msg); err != nil {
			t.Errorf("write %q: %v", msg, err)
			return
		}
		if err := w.Close(); err != nil {
			t.Errorf("close %q: %v", msg, err)
			return
		}
		if b.String() != want {
			t.Errorf("write %q:\n got %q\nwant %q", msg, b.String(), want)
		}
	}

	check("", ".\r\n")
	check("hi\r\n", "hi\r\n.\r\n")
	check(".\r\n", "..\r\n.\r\n")
	check(".leading dot\r\n", "..leading dot\r\n.\r\n")
	check("no final newline", "no final newline\r\n.\r\n")
	check("bare\nnewlines\n", "bare\r\nnewlines\r\n.\r\n")
}

func TestDataRoundTrip(t *testing.T) {
	msgs := []string{
		"",
		"Subject: t\r\n\r\nhi\r\n",
		".\r\n..\r\nplain\r\n",
		strings.Repeat("filler line\r\n", 1000),
	}
	for _, msg := range msgs {
		var wire strings.Builder
		w := NewDataWriter(&wire)
		if _, err := io.WriteString(w, msg); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		got, err := readAllData(t, wire.String(), 0)
		if err != nil {
			t.Fatalf("read back %q: %v", wire.String(), err)
		}
		if got != msg {
			t.Errorf("round-trip mismatch:\n sent %q\n got  %q", msg, got)
		}
	}
}
