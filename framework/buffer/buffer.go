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

// Package buffer holds message bodies between the moment they are read
// off a connection and the moment they are handed to the queue or a
// policy hook.
//
// A Buffer is an immutable blob that can be re-read any number of times.
// Ownership is explicit: whoever created the Buffer calls Remove when
// the blob is no longer needed; everybody else only borrows it for the
// duration of a call.
package buffer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Buffer is a re-readable blob of known size.
type Buffer interface {
	// Open returns a fresh reader over the whole blob.
	Open() (io.ReadCloser, error)

	// Len is the blob size in bytes: how much a reader returned by Open
	// yields before io.EOF.
	Len() int

	// Remove releases the underlying storage. Readers already opened
	// stay usable, new Open calls do not.
	Remove() error
}

// Memory wraps an in-RAM blob. The slice must not be modified afterwards.
func Memory(blob []byte) Buffer {
	return memBuffer(blob)
}

// ReadAll drains r into an in-RAM Buffer.
func ReadAll(r io.Reader) (Buffer, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}
	return memBuffer(blob), nil
}

type memBuffer []byte

func (mb memBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(mb)), nil
}

func (mb memBuffer) Len() int {
	return len(mb)
}

func (mb memBuffer) Remove() error {
	return nil
}

// Spool drains r into a file under dir and returns a Buffer backed by
// it. Used for bodies too large to keep in RAM; the file is deleted by
// Remove.
func Spool(r io.Reader, dir string) (Buffer, error) {
	path := filepath.Join(dir, "spool-"+uuid.New().String())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}

	size, err := io.Copy(f, r)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("buffer: %w", err)
	}

	return &fileBuffer{path: path, size: int(size)}, nil
}

type fileBuffer struct {
	path string
	size int
}

func (fb *fileBuffer) Open() (io.ReadCloser, error) {
	return os.Open(fb.path)
}

func (fb *fileBuffer) Len() int {
	return fb.size
}

func (fb *fileBuffer) Remove() error {
	return os.Remove(fb.path)
}
