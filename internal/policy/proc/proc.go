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

// Package proc runs a policy blob as a child process.
//
// The blob is an executable. Each hook invocation is one request frame on
// the child's stdin and one response frame on its stdout. A frame is a
// 4-byte big-endian length followed by that many bytes of CBOR. Requests
// carry the hook name and the request body, responses either a body or an
// error string.
//
// One process handles one request at a time; concurrency is obtained by
// putting several instances in a policy.Pool. A child that dies or breaks
// the framing is killed and restarted on the next invocation, the failed
// call itself is reported as an invocation error (and therefore a
// transient failure to the caller).
package proc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
)

// Frame size limit. Larger frames indicate a broken or malicious child.
const maxFrameSize = 64 * 1024 * 1024

type request struct {
	Hook string `cbor:"hook"`
	Body []byte `cbor:"body"`
}

type response struct {
	Err  string `cbor:"err,omitempty"`
	Body []byte `cbor:"body,omitempty"`
}

type Instance struct {
	path       string
	configPath string
	grants     policy.Grants

	log log.Logger

	// Guards the child and serializes frame exchanges on its pipes.
	lock   sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	closed bool
}

// New starts the policy blob at path with the passed configuration path and
// capability grants. The child is started eagerly so that startup fails
// fast on an unloadable blob.
func New(path, configPath string, grants policy.Grants, logger log.Logger) (*Instance, error) {
	i := &Instance{
		path:       path,
		configPath: configPath,
		grants:     grants,
		log:        logger,
	}
	i.lock.Lock()
	defer i.lock.Unlock()
	if err := i.spawn(); err != nil {
		return nil, err
	}
	return i, nil
}

// spawn starts the child process. Caller must hold i.lock.
func (i *Instance) spawn() error {
	cmd := exec.Command(i.path, "--config", i.configPath)

	// The child gets a scrubbed environment: the grants, and nothing else.
	// Filesystem and network confinement beyond that is expected from the
	// blob runtime itself (or the service manager it is started under);
	// the environment is how the granted capabilities are communicated.
	cmd.Env = []string{
		"KANNADER_FS_READ=" + strings.Join(i.grants.FSRead, ":"),
		"KANNADER_FS_WRITE=" + strings.Join(i.grants.FSWrite, ":"),
	}
	if i.grants.Network {
		cmd.Env = append(cmd.Env, "KANNADER_NETWORK=1")
	}
	cmd.Stderr = i.log.DebugWriter()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proc: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("proc: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("proc: %w", err)
	}

	i.cmd = cmd
	i.stdin = stdin
	i.stdout = stdout
	return nil
}

// kill tears the child down. Caller must hold i.lock.
func (i *Instance) kill() {
	if i.cmd == nil {
		return
	}
	i.stdin.Close()
	i.stdout.Close()
	if i.cmd.Process != nil {
		if err := i.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			i.log.Error("failed to kill policy process", err)
		}
	}
	// Reap; the exit status of a killed child is not interesting.
	_ = i.cmd.Wait()
	i.cmd = nil
	i.stdin = nil
	i.stdout = nil
}

func writeFrame(w io.Writer, blob []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes", size)
	}
	blob := make([]byte, size)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	return blob, nil
}

func (i *Instance) Invoke(ctx context.Context, hook string, reqBody []byte) ([]byte, error) {
	reqBlob, err := policy.Marshal(request{Hook: hook, Body: reqBody})
	if err != nil {
		return nil, err
	}

	i.lock.Lock()
	defer i.lock.Unlock()

	if i.closed {
		return nil, fmt.Errorf("proc: instance is closed")
	}
	if i.cmd == nil {
		// The previous invocation broke the child, bring up a new one.
		if err := i.spawn(); err != nil {
			return nil, err
		}
	}

	type result struct {
		blob []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeFrame(i.stdin, reqBlob); err != nil {
			done <- result{nil, err}
			return
		}
		blob, err := readFrame(i.stdout)
		done <- result{blob, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// Framing is gone, the only safe option is a fresh child.
			i.kill()
			return nil, fmt.Errorf("proc: %s: %w", hook, res.err)
		}
		resp := response{}
		if err := policy.Unmarshal(res.blob, &resp); err != nil {
			i.kill()
			return nil, fmt.Errorf("proc: %s: undecodable response: %w", hook, err)
		}
		if resp.Err != "" {
			// An in-band error: the blob is alive and consistent, it just
			// failed this hook.
			return nil, fmt.Errorf("proc: %s: %s", hook, resp.Err)
		}
		return resp.Body, nil

	case <-ctx.Done():
		// The pipe cannot be reused, a response may still be in flight.
		i.kill()
		return nil, ctx.Err()
	}
}

func (i *Instance) Close() error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true

	if i.cmd != nil {
		// Give the child a chance to exit cleanly on closed stdin before
		// killing it.
		i.stdin.Close()
		exited := make(chan struct{})
		cmd := i.cmd
		go func() {
			_, _ = cmd.Process.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			if err := cmd.Process.Kill(); err != nil {
				i.log.Error("failed to kill policy process", err)
			}
		}
		i.stdout.Close()
		i.cmd = nil
	}
	return nil
}

// Available reports whether the blob at path exists and is executable.
// Used at startup to fail with a policy load error before binding sockets.
func Available(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fmt.Errorf("proc: %s is not an executable", path)
	}
	return nil
}
