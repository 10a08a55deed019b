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

// Package smtp implements the accept side of the relay: the listener, the
// per-connection session state machine and the policy hook invocations at
// every decision point.
package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Ekleog/kannader/framework/buffer"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
	"github.com/Ekleog/kannader/internal/queue"
	"golang.org/x/net/idna"
)

// Config carries the tunables of one SMTP endpoint. The zero value of each
// field selects a sane default.
type Config struct {
	// Hostname announced in the greeting and stamped into Received fields.
	// Stored as an A-label (punycode) domain.
	Hostname string

	// TLS configuration for STARTTLS. Nil disables the extension.
	TLSConfig *tls.Config

	// Maximum accepted message size, advertised via the SIZE extension.
	MaxMessageSize int64

	// Maximum amount of accepted RCPT commands per transaction.
	MaxRecipients int

	// Per-phase timeouts.
	CommandTimeout time.Duration // waiting for the next command line
	DataTimeout    time.Duration // waiting for the next block of DATA
	SessionTimeout time.Duration // the whole session, from accept to close

	WriteTimeout time.Duration

	// Amount of consecutive unrecognized or out-of-sequence commands
	// tolerated before the session is closed with a 421.
	MaxBadCommands int

	// Directory for spooling large incoming messages; empty keeps all
	// messages in RAM.
	BufferDir string
}

func (cfg *Config) fillDefaults() error {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return fmt.Errorf("smtp: cannot represent the hostname as an A-label name: %w", err)
	}
	cfg.Hostname = hostname

	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 32 * 1024 * 1024 // 32 MiB
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = 100
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = 10 * time.Minute
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 1 * time.Hour
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 1 * time.Minute
	}
	if cfg.MaxBadCommands == 0 {
		cfg.MaxBadCommands = 10
	}
	return nil
}

// Endpoint accepts SMTP connections and feeds accepted mail into the
// queue. It serves listeners handed in from the outside (Serve) or binds
// the given addresses itself (ListenAndServe); privilege dropping is the
// caller's business.
type Endpoint struct {
	config Config
	policy policy.Instance
	queue  *queue.Queue

	buffer func(r io.Reader) (buffer.Buffer, error)

	listeners   []net.Listener
	listenersWg sync.WaitGroup
	lock        sync.Mutex
	closed      bool

	Log log.Logger
}

func New(cfg Config, pol policy.Instance, q *queue.Queue, logger log.Logger) (*Endpoint, error) {
	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}

	endp := &Endpoint{
		config: cfg,
		policy: pol,
		queue:  q,
		Log:    logger,
	}

	if cfg.BufferDir == "" {
		endp.buffer = buffer.ReadAll
	} else {
		if err := os.MkdirAll(cfg.BufferDir, 0700); err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		endp.buffer = autoBufferMode(1*1024*1024 /* 1 MiB */, cfg.BufferDir)
	}

	return endp, nil
}

// autoBufferMode returns a buffering function that keeps messages up to
// maxSize in RAM and spills larger ones to dir.
func autoBufferMode(maxSize int, dir string) func(io.Reader) (buffer.Buffer, error) {
	return func(r io.Reader) (buffer.Buffer, error) {
		// First try to read up to N bytes.
		initial := make([]byte, maxSize)
		actualSize, err := io.ReadFull(r, initial)
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				// The message is smaller than N, keep it in RAM.
				return buffer.Memory(initial[:actualSize]), nil
			}
			// Some I/O error happened, bail out.
			return nil, err
		}

		// The message is big. Dump what we got to the disk and continue
		// writing it there.
		return buffer.Spool(
			io.MultiReader(bytes.NewReader(initial[:actualSize]), r),
			dir)
	}
}

// Serve runs the accept loop on an already-listening socket. It returns
// when the listener is closed.
func (endp *Endpoint) Serve(l net.Listener) error {
	endp.lock.Lock()
	if endp.closed {
		endp.lock.Unlock()
		return fmt.Errorf("smtp: endpoint is closed")
	}
	endp.listeners = append(endp.listeners, l)
	endp.listenersWg.Add(1)
	endp.lock.Unlock()
	defer endp.listenersWg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			endp.lock.Lock()
			closed := endp.closed
			endp.lock.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("smtp: %w", err)
		}

		s := endp.newSession(conn)
		go s.serve()
	}
}

// ListenAndServe binds the passed addresses and serves them until Close.
func (endp *Endpoint) ListenAndServe(addrs []string) error {
	for _, addr := range addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		endp.Log.Printf("listening on %v", l.Addr())
		go func() {
			if err := endp.Serve(l); err != nil {
				endp.Log.Error("listener failed", err)
			}
		}()
	}
	return nil
}

func (endp *Endpoint) Close() error {
	endp.lock.Lock()
	endp.closed = true
	listeners := endp.listeners
	endp.lock.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	endp.listenersWg.Wait()
	return nil
}

// receivedDate formats a timestamp the way RFC 5322 wants it in trace
// fields.
func receivedDate(t time.Time) string {
	return t.Format("Mon, 2 Jan 2006 15:04:05 -0700")
}
