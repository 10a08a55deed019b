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

// Package policy defines the boundary between the server core and the
// sandboxed configuration/policy blob.
//
// The core never calls into policy code directly: every decision point is a
// named hook, invoked with a serialized request and answered with a
// serialized response. The hook set, the request/response schemas and the
// encoding are the whole of the contract; what runs on the other side (an
// in-process default, a subprocess, a wasm runtime) is interchangeable.
package policy

import (
	"context"
)

// Server hook names, one per decision point of the SMTP session engine.
const (
	HookConnect   = "connection_filter"
	HookHelo      = "helo"
	HookEhlo      = "ehlo"
	HookMailFrom  = "mail_from"
	HookRcptTo    = "rcpt_to"
	HookDataStart = "data_start"
	HookDataEnd   = "data_end"
	HookRset      = "rset"
	HookVrfy      = "vrfy"
	HookExpn      = "expn"
	HookHelp      = "help"
	HookNoop      = "noop"
	HookQuit      = "quit"
	HookAuth      = "auth"
	HookStartTLS  = "starttls"
)

// Queue hook names.
const (
	HookScheduleRetry = "schedule_retry"
	HookBuildBounce   = "build_bounce"
)

// ServerHooks lists every server-side hook. The set is fixed: an instance
// must answer all of them, even if only with an unconditional accept.
var ServerHooks = []string{
	HookConnect, HookHelo, HookEhlo, HookMailFrom, HookRcptTo,
	HookDataStart, HookDataEnd, HookRset, HookVrfy, HookExpn,
	HookHelp, HookNoop, HookQuit, HookAuth, HookStartTLS,
}

// Action is what the session engine should do after emitting the decision
// reply.
type Action string

const (
	// ActionAccept continues the transaction.
	ActionAccept Action = "accept"
	// ActionReject sends the reply but keeps the connection.
	ActionReject Action = "reject"
	// ActionKill sends the reply and closes the connection.
	ActionKill Action = "kill"
)

// ReplyData is the wire-independent description of an SMTP reply inside
// hook responses.
type ReplyData struct {
	Code     int      `cbor:"code"`
	Enhanced [3]int   `cbor:"enhanced,omitempty"`
	Lines    []string `cbor:"lines,omitempty"`
}

// Decision is returned by every server hook.
//
// A zero Reply together with ActionAccept means "use the engine default
// reply for this command".
type Decision struct {
	Action Action    `cbor:"action"`
	Reply  ReplyData `cbor:"reply,omitempty"`
}

// Grants describes the capabilities handed to a policy instance at creation
// time. Anything not listed here must not be observable from inside the
// sandbox.
type Grants struct {
	// Filesystem paths the blob may read or write.
	FSRead  []string
	FSWrite []string

	// Whether the blob may open outbound network connections.
	Network bool
}

// Instance is one loaded policy blob.
//
// Invoke is synchronous from the core's point of view. An Instance may be
// called concurrently; implementations that require serialized execution
// must either lock internally or be wrapped in a Pool of equivalent
// instances. The core treats instances as fungible.
//
// An error from Invoke means the invocation itself failed (blob crash,
// protocol violation); it never represents a policy rejection, which is
// expressed in the response body.
type Instance interface {
	Invoke(ctx context.Context, hook string, request []byte) ([]byte, error)
	Close() error
}
