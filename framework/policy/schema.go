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

package policy

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Hook bodies are CBOR. The encoder is configured for deterministic output
// so that identical requests are identical byte strings regardless of the
// process that produced them; blobs are allowed to hash or cache on the raw
// bytes.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// RawMeta is an opaque policy-defined metadata blob. The core stores and
// forwards it without interpretation.
type RawMeta = cbor.RawMessage

// SessionInfo is the connection-level context passed to every server hook.
type SessionInfo struct {
	RemoteAddr string `cbor:"remote_addr"`
	LocalAddr  string `cbor:"local_addr,omitempty"`
	TLS        bool   `cbor:"tls"`
	Hello      string `cbor:"hello,omitempty"`

	// Scratch is the per-connection policy state: returned by a previous
	// hook of the same session, passed back verbatim on the next one.
	Scratch []byte `cbor:"scratch,omitempty"`
}

// ServerRequest is the request body of every server hook. Which fields are
// populated depends on the hook, see the field comments.
type ServerRequest struct {
	Session SessionInfo `cbor:"session"`

	// Envelope sender, for mail_from and later hooks. The null reverse-path
	// is the empty string.
	Sender string `cbor:"sender,omitempty"`
	// Recipient under consideration, for rcpt_to.
	Recipient string `cbor:"recipient,omitempty"`
	// Accepted recipients so far, for data_start and data_end.
	Recipients []string `cbor:"recipients,omitempty"`

	// Free-form command argument, for helo/ehlo (the identity), vrfy, expn,
	// help and auth.
	Arg string `cbor:"arg,omitempty"`

	// Complete message body (RFC 5322 bytes, dot-unstuffed), for data_end
	// only.
	Body []byte `cbor:"body,omitempty"`
}

// ServerResponse is the response body of every server hook.
type ServerResponse struct {
	Decision Decision `cbor:"decision"`

	// Updated per-connection scratch. Nil keeps the previous value.
	Scratch []byte `cbor:"scratch,omitempty"`

	// For data_end with an accept decision: one metadata blob per envelope
	// recipient, in the same order as ServerRequest.Recipients.
	Meta []RawMeta `cbor:"meta,omitempty"`

	// For ehlo: the EHLO keywords the policy authorizes. The engine
	// advertises the intersection of this list with what it supports.
	// Nil authorizes everything.
	Keywords []string `cbor:"keywords,omitempty"`
}

// Schedule mirrors the on-disk schedule of a queue entry.
type Schedule struct {
	NextAttempt  time.Time  `cbor:"next_attempt"`
	LastAttempt  *time.Time `cbor:"last_attempt,omitempty"`
	AttemptCount int        `cbor:"attempt_count"`
}

// FailureKind classifies a delivery failure for the schedule_retry hook.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePolicy    FailureKind = "policy" // queue-side policy invocation failed earlier
)

// RetryRequest is the request body of schedule_retry.
type RetryRequest struct {
	Meta     RawMeta     `cbor:"meta,omitempty"`
	Schedule Schedule    `cbor:"schedule"`
	Kind     FailureKind `cbor:"kind"`
	Reason   string      `cbor:"reason,omitempty"`
}

// RetryResponse is the response body of schedule_retry. Bounce set means
// "give up, treat as a permanent failure"; otherwise NextAttempt is the new
// schedule time.
type RetryResponse struct {
	Bounce      bool      `cbor:"bounce,omitempty"`
	NextAttempt time.Time `cbor:"next_attempt,omitempty"`
}

// BounceRequest is the request body of build_bounce.
type BounceRequest struct {
	Meta RawMeta `cbor:"meta,omitempty"`

	// Envelope of the failed entry.
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`

	// Failure description: SMTP code (with enhanced code when known) and
	// the human-readable reason.
	Code     int    `cbor:"code"`
	Enhanced [3]int `cbor:"enhanced,omitempty"`
	Reason   string `cbor:"reason"`

	// Header section of the failed message, for inclusion in the report.
	Header []byte `cbor:"header,omitempty"`
}

// BounceResponse is the response body of build_bounce: a complete mail to
// enqueue. Suppress set means no bounce should be generated at all.
type BounceResponse struct {
	Suppress bool `cbor:"suppress,omitempty"`

	// Envelope sender of the bounce; always the null reverse-path in
	// practice, but the field exists so policies can deviate.
	Sender    string  `cbor:"sender"`
	Recipient string  `cbor:"recipient"`
	Meta      RawMeta `cbor:"meta,omitempty"`
	Body      []byte  `cbor:"body"`
}
