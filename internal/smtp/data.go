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
	"bytes"
	"io"
)

var dotcrlf = []byte(".\r\n")

// DataReader is an io.Reader that reads the message sent after an SMTP DATA
// command, doing dot-unstuffing and returning io.EOF when the terminating
// bare dot line is consumed. Use NewDataReader.
//
// If the unstuffed message exceeds maxSize octets, Read returns a
// *ParseError of kind MessageTooLarge; the caller must then drain the
// stream with Discard to keep the protocol in sync before replying.
type DataReader struct {
	r           *bufio.Reader
	plast, last byte
	buf         []byte // From previous read.
	err         error  // Read error, for after r.buf is exhausted.

	maxSize int64
	n       int64
}

// NewDataReader returns an initialized DataReader. maxSize of 0 disables
// the size limit.
func NewDataReader(r *bufio.Reader, maxSize int64) *DataReader {
	return &DataReader{
		r: r,
		// Set up the initial state to accept a message that is only "." and
		// CRLF.
		plast:   '\r',
		last:    '\n',
		maxSize: maxSize,
	}
}

// Read implements io.Reader.
func (r *DataReader) Read(p []byte) (int, error) {
	wrote := 0
	for len(p) > 0 {
		// Read until newline as long as it fits in the buffer.
		if len(r.buf) == 0 {
			if r.err != nil {
				break
			}
			r.buf, r.err = r.r.ReadSlice('\n')
			if r.err == bufio.ErrBufferFull {
				r.err = nil
			} else if r.err == io.EOF {
				// Mark EOF as bad for now. If we see the ending dotcrlf
				// below, err becomes regular io.EOF again.
				r.err = io.ErrUnexpectedEOF
			}
		}
		if len(r.buf) > 0 {
			// We require CRLF for the end of the SMTP transaction. Bare
			// newlines are accepted as message data, real-world messages
			// like that occur.
			if r.plast == '\r' && r.last == '\n' {
				if bytes.Equal(r.buf, dotcrlf) {
					r.buf = nil
					r.err = io.EOF
					break
				} else if r.buf[0] == '.' {
					r.buf = r.buf[1:]
				}
			}
			n := len(r.buf)
			if n > len(p) {
				n = len(p)
			}
			copy(p, r.buf[:n])
			if n == 1 {
				r.plast, r.last = r.last, r.buf[0]
			} else if n > 1 {
				r.plast, r.last = r.buf[n-2], r.buf[n-1]
			}
			p = p[n:]
			r.buf = r.buf[n:]
			wrote += n

			r.n += int64(n)
			if r.maxSize != 0 && r.n > r.maxSize {
				return wrote, parseErrorf(MessageTooLarge, "message larger than %d octets", r.maxSize)
			}
		}
	}
	return wrote, r.err
}

// Discard consumes the remainder of the DATA stream up to and including the
// terminating dot line. It is used to resynchronize the protocol after the
// message was rejected mid-stream (e.g. over the size limit).
func (r *DataReader) Discard() error {
	r.maxSize = 0
	buf := make([]byte, 4096)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// DataWriter does the reverse of DataReader: it writes a message to an SMTP
// connection with dot-stuffing applied, terminating it with the bare dot
// line on Close.
//
// Lines in the message are expected to be CRLF-separated; bare LFs are
// converted to CRLF since they cannot be transmitted over the wire.
type DataWriter struct {
	w           io.Writer
	plast, last byte
	err         error
}

func NewDataWriter(w io.Writer) *DataWriter {
	return &DataWriter{
		w: w,
		// Start on a new line, so we insert a dot if the first byte is a
		// dot.
		plast: '\r',
		last:  '\n',
	}
}

// Write implements io.Writer.
func (w *DataWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	wrote := 0
	for len(p) > 0 {
		if p[0] == '.' && w.plast == '\r' && w.last == '\n' {
			if _, err := w.w.Write([]byte{'.'}); err != nil {
				w.err = err
				return wrote, err
			}
		}
		// Look for the next newline, or the end of the buffer.
		n := 0
		for n < len(p) {
			c := p[n]
			n++
			if c == '\n' {
				break
			}
		}

		chunk := p[:n]
		if chunk[n-1] == '\n' && (n < 2 || chunk[n-2] != '\r') && !(n == 1 && w.last == '\r') {
			// Bare LF, expand to CRLF.
			if _, err := w.w.Write(chunk[:n-1]); err != nil {
				w.err = err
				return wrote, err
			}
			if _, err := w.w.Write([]byte("\r\n")); err != nil {
				w.err = err
				return wrote, err
			}
			w.plast, w.last = '\r', '\n'
		} else {
			if _, err := w.w.Write(chunk); err != nil {
				w.err = err
				return wrote, err
			}
			if n == 1 {
				w.plast, w.last = w.last, chunk[0]
			} else {
				w.plast, w.last = chunk[n-2], chunk[n-1]
			}
		}
		p = p[n:]
		wrote += n
	}
	return wrote, nil
}

// Close terminates the message. It does not close the underlying writer.
func (w *DataWriter) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.plast != '\r' || w.last != '\n' {
		if _, err := w.w.Write([]byte("\r\n")); err != nil {
			w.err = err
			return err
		}
	}
	if _, err := w.w.Write(dotcrlf); err != nil {
		w.err = err
		return err
	}
	return nil
}
