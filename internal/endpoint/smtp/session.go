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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Ekleog/kannader/framework/buffer"
	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
	"github.com/Ekleog/kannader/internal/queue"
	"github.com/Ekleog/kannader/internal/smtp"
	"github.com/google/uuid"
)

// sessionState is the explicit state of the command sequencing machine.
// DATA is not a state: its whole processing happens inside the handler and
// the session returns to stateHello.
type sessionState int

const (
	stateGreeting sessionState = iota // before HELO/EHLO
	stateHello                        // identity known, no transaction
	stateMail                         // MAIL FROM accepted
	stateRcpt                         // at least one RCPT TO accepted
)

type session struct {
	endp *Endpoint
	conn net.Conn

	// Rewrapped on STARTTLS.
	reader *bufio.Reader
	// Timeout applied before every read syscall; switched between the
	// command and DATA phase values.
	readTimeout time.Duration

	state      sessionState
	tls        bool
	ehlo       bool // true if the identity came via EHLO
	hello      string
	sender     string
	recipients []string

	// Opaque per-connection policy state, round-tripped through every hook.
	scratch []byte

	sessionEnd  time.Time
	badCommands int

	log log.Logger
}

func (endp *Endpoint) newSession(conn net.Conn) *session {
	l := endp.Log
	l.Fields = map[string]interface{}{
		"src_ip": conn.RemoteAddr().String(),
	}
	s := &session{
		endp:        endp,
		conn:        conn,
		readTimeout: endp.config.CommandTimeout,
		sessionEnd:  time.Now().Add(endp.config.SessionTimeout),
		log:         l,
	}
	s.reader = bufio.NewReader(connReader{s})
	return s
}

// connReader arms the read deadline before every read from the transport,
// so that both the per-phase timeout and the session cap hold regardless
// of how the peer dribbles bytes.
type connReader struct {
	s *session
}

func (cr connReader) Read(p []byte) (int, error) {
	if err := cr.s.armDeadline(cr.s.readTimeout); err != nil {
		return 0, err
	}
	return cr.s.conn.Read(p)
}

var errSessionClosed = errors.New("smtp: session closed")

func (s *session) serve() {
	defer s.conn.Close()
	openedSessions.Inc()
	defer closedSessions.Inc()

	if err := s.greet(); err != nil {
		return
	}

	for {
		err := s.next()
		switch {
		case err == nil:
		case errors.Is(err, errSessionClosed):
			return
		case errors.Is(err, os.ErrDeadlineExceeded):
			// Expired phase or session timer: try to tell the client, then
			// hang up. The write has its own deadline, a stuck peer cannot
			// hold the session.
			s.reply(smtp.Reply{
				Code:     421,
				Enhanced: exterrors.EnhancedCode{4, 4, 2},
				Lines:    []string{s.endp.config.Hostname + " Idle timeout, closing connection"},
			})
			return
		default:
			// I/O failure on the transport: no further writes.
			s.log.DebugMsg("session I/O error", "reason", err.Error())
			return
		}
	}
}

// greet runs the connection_filter hook and sends the greeting.
func (s *session) greet() error {
	resp, err := s.hook(policy.HookConnect, nil)
	if err != nil {
		// Transient greeting; the client is expected to come back later
		// but may keep issuing commands, which will hit the failing policy
		// again.
		return s.reply(errorReply(err))
	}

	greeting := smtp.Reply{
		Code:  220,
		Lines: []string{s.endp.config.Hostname + " ESMTP Kannader"},
	}
	switch resp.Decision.Action {
	case policy.ActionAccept:
		if resp.Decision.Reply.Code != 0 {
			greeting = replyFromDecision(resp.Decision)
		}
		return s.reply(greeting)
	case policy.ActionReject:
		// The client is greeted with the rejection but may stay around and
		// try HELO anyway; subsequent hooks keep rejecting if the policy
		// means it.
		return s.reply(replyFromDecision(resp.Decision))
	default: // policy.ActionKill
		s.reply(replyFromDecision(resp.Decision))
		return errSessionClosed
	}
}

// next processes exactly one command.
func (s *session) next() error {
	line, tooLong, err := s.readLine()
	if err != nil {
		return err
	}
	if tooLong {
		return s.protocolError(&smtp.ParseError{Kind: smtp.CommandTooLong, Message: "line too long"})
	}

	cmd, err := smtp.ParseCommand(line)
	if err != nil {
		var perr *smtp.ParseError
		if errors.As(err, &perr) {
			return s.protocolError(perr)
		}
		return err
	}

	switch cmd.Kind {
	case smtp.CmdHelo, smtp.CmdEhlo:
		return s.handleHello(cmd)
	case smtp.CmdMail:
		return s.handleMail(cmd)
	case smtp.CmdRcpt:
		return s.handleRcpt(cmd)
	case smtp.CmdData:
		return s.handleData(cmd)
	case smtp.CmdRset:
		return s.handleRset(cmd)
	case smtp.CmdNoop:
		return s.simpleCommand(policy.HookNoop, cmd.Arg, smtp.Reply{
			Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok"},
		})
	case smtp.CmdQuit:
		return s.handleQuit(cmd)
	case smtp.CmdStartTLS:
		return s.handleStartTLS(cmd)
	case smtp.CmdVrfy:
		return s.simpleCommand(policy.HookVrfy, cmd.Arg, smtp.Reply{
			Code: 252, Enhanced: exterrors.EnhancedCode{2, 5, 2},
			Lines: []string{"Cannot VRFY user, but will accept message and attempt delivery"},
		})
	case smtp.CmdExpn:
		return s.simpleCommand(policy.HookExpn, cmd.Arg, smtp.Reply{
			Code: 502, Enhanced: exterrors.EnhancedCode{5, 5, 1}, Lines: []string{"EXPN not supported"},
		})
	case smtp.CmdHelp:
		return s.simpleCommand(policy.HookHelp, cmd.Arg, smtp.Reply{
			Code: 214, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"See RFC 5321"},
		})
	case smtp.CmdAuth:
		return s.simpleCommand(policy.HookAuth, cmd.Mechanism+" "+cmd.InitialResponse, smtp.Reply{
			Code: 502, Enhanced: exterrors.EnhancedCode{5, 5, 1}, Lines: []string{"Authentication not enabled"},
		})
	}

	return s.protocolError(&smtp.ParseError{Kind: smtp.UnknownCommand, Message: "unknown command"})
}

// readLine reads one CRLF-terminated line, bounded by MaxLineLength. An
// overlong line is drained to its newline so that the protocol stays in
// sync, and reported via tooLong.
func (s *session) readLine() (line []byte, tooLong bool, err error) {
	s.readTimeout = s.endp.config.CommandTimeout

	for {
		chunk, err := s.reader.ReadSlice('\n')
		if err == nil {
			if tooLong || len(line)+len(chunk) > smtp.MaxLineLength {
				return nil, true, nil
			}
			return append(line, chunk...), false, nil
		}
		if err == bufio.ErrBufferFull {
			if len(line)+len(chunk) > smtp.MaxLineLength {
				// Keep draining up to the newline, discarding.
				tooLong = true
				line = nil
				continue
			}
			line = append(line, chunk...)
			continue
		}
		return nil, false, err
	}
}

// armDeadline sets the read deadline for the next I/O, honoring both the
// per-phase timeout and the absolute session cap.
func (s *session) armDeadline(phase time.Duration) error {
	deadline := time.Now().Add(phase)
	if deadline.After(s.sessionEnd) {
		deadline = s.sessionEnd
	}
	return s.conn.SetReadDeadline(deadline)
}

func (s *session) reply(r smtp.Reply) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.endp.config.WriteTimeout)); err != nil {
		return err
	}
	return r.WriteTo(s.conn)
}

func (s *session) protocolError(perr *smtp.ParseError) error {
	s.badCommands++
	failedCmds.WithLabelValues(strconv.Itoa(perr.Reply().Code)).Inc()
	if s.badCommands > s.endp.config.MaxBadCommands {
		s.reply(smtp.Reply{
			Code:     421,
			Enhanced: exterrors.EnhancedCode{4, 7, 0},
			Lines:    []string{"Too many errors, closing connection"},
		})
		return errSessionClosed
	}
	return s.reply(perr.Reply())
}

func (s *session) sequenceError(text string) error {
	s.badCommands++
	if s.badCommands > s.endp.config.MaxBadCommands {
		s.reply(smtp.Reply{
			Code:     421,
			Enhanced: exterrors.EnhancedCode{4, 7, 0},
			Lines:    []string{"Too many errors, closing connection"},
		})
		return errSessionClosed
	}
	return s.reply(smtp.Reply{
		Code:     503,
		Enhanced: exterrors.EnhancedCode{5, 5, 1},
		Lines:    []string{text},
	})
}

// hook invokes a server hook with the session context filled in, applies
// the returned scratch and returns the response. The mutate callback adds
// the hook-specific request fields.
func (s *session) hook(name string, mutate func(req *policy.ServerRequest)) (*policy.ServerResponse, error) {
	req := &policy.ServerRequest{
		Session: policy.SessionInfo{
			RemoteAddr: s.conn.RemoteAddr().String(),
			LocalAddr:  s.conn.LocalAddr().String(),
			TLS:        s.tls,
			Hello:      s.hello,
			Scratch:    s.scratch,
		},
	}
	if mutate != nil {
		mutate(req)
	}

	resp, err := policy.Server(context.Background(), s.endp.policy, name, req)
	if err != nil {
		s.log.Error("policy hook failed", err)
		return nil, err
	}
	if resp.Scratch != nil {
		s.scratch = resp.Scratch
	}
	return resp, nil
}

// errorReply maps an invocation error to the client-visible reply, always
// a transient one.
func errorReply(err error) smtp.Reply {
	reply := smtp.Reply{
		Code:     451,
		Enhanced: exterrors.EnhancedCode{4, 3, 0},
		Lines:    []string{"Internal server error"},
	}
	fields := exterrors.Fields(err)
	if code, ok := fields["smtp_code"].(int); ok && code/100 == 4 {
		reply.Code = code
	}
	return reply
}

func replyFromDecision(d policy.Decision) smtp.Reply {
	r := smtp.Reply{
		Code:     d.Reply.Code,
		Enhanced: exterrors.EnhancedCode(d.Reply.Enhanced),
		Lines:    d.Reply.Lines,
	}
	if len(r.Lines) == 0 {
		r.Lines = []string{""}
	}
	return r
}

// decide runs the common decision handling: emit the policy reply (or the
// default for accepts without one), run onAccept first when accepted.
// It returns errSessionClosed for kills.
func (s *session) decide(resp *policy.ServerResponse, defaultReply smtp.Reply, onAccept func() error) error {
	switch resp.Decision.Action {
	case policy.ActionAccept:
		s.badCommands = 0
		if onAccept != nil {
			if err := onAccept(); err != nil {
				return err
			}
		}
		if resp.Decision.Reply.Code != 0 {
			return s.reply(replyFromDecision(resp.Decision))
		}
		return s.reply(defaultReply)
	case policy.ActionReject:
		failedCmds.WithLabelValues(strconv.Itoa(resp.Decision.Reply.Code)).Inc()
		return s.reply(replyFromDecision(resp.Decision))
	default: // policy.ActionKill
		s.reply(replyFromDecision(resp.Decision))
		return errSessionClosed
	}
}

// simpleCommand handles the hooks that do not move the state machine:
// NOOP, VRFY, EXPN, HELP, AUTH.
func (s *session) simpleCommand(hookName, arg string, defaultReply smtp.Reply) error {
	resp, err := s.hook(hookName, func(req *policy.ServerRequest) {
		req.Arg = strings.TrimSpace(arg)
	})
	if err != nil {
		return s.reply(errorReply(err))
	}
	return s.decide(resp, defaultReply, nil)
}

func (s *session) resetEnvelope() {
	s.state = stateHello
	s.sender = ""
	s.recipients = nil
}

func (s *session) handleHello(cmd smtp.Command) error {
	hookName := policy.HookHelo
	if cmd.Kind == smtp.CmdEhlo {
		hookName = policy.HookEhlo
	}

	resp, err := s.hook(hookName, func(req *policy.ServerRequest) {
		req.Arg = cmd.Domain
	})
	if err != nil {
		return s.reply(errorReply(err))
	}

	return s.decide(resp, s.helloReply(cmd, resp.Keywords), func() error {
		s.hello = cmd.Domain
		s.ehlo = cmd.Kind == smtp.CmdEhlo
		s.resetEnvelope()
		return nil
	})
}

func (s *session) helloReply(cmd smtp.Command, authorized []string) smtp.Reply {
	if cmd.Kind == smtp.CmdHelo {
		return smtp.Reply{Code: 250, Lines: []string{s.endp.config.Hostname}}
	}

	keywords := []string{
		"PIPELINING",
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"SIZE " + strconv.FormatInt(s.endp.config.MaxMessageSize, 10),
		"SMTPUTF8",
	}
	if s.endp.config.TLSConfig != nil && !s.tls {
		keywords = append(keywords, "STARTTLS")
	}

	// The advertised set is the intersection of what the engine supports
	// and what the policy authorizes.
	if authorized != nil {
		allow := make(map[string]bool, len(authorized))
		for _, kw := range authorized {
			allow[strings.ToUpper(kw)] = true
		}
		filtered := keywords[:0]
		for _, kw := range keywords {
			name, _, _ := strings.Cut(kw, " ")
			if allow[name] {
				filtered = append(filtered, kw)
			}
		}
		keywords = filtered
	}

	return smtp.Reply{Code: 250, Lines: append([]string{s.endp.config.Hostname}, keywords...)}
}

func (s *session) handleMail(cmd smtp.Command) error {
	if s.state == stateGreeting {
		return s.sequenceError("EHLO required")
	}
	if s.state != stateHello {
		return s.sequenceError("Nested MAIL command")
	}

	if size, ok := cmd.Params["SIZE"]; ok {
		declared, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return s.reply(smtp.Reply{
				Code: 501, Enhanced: exterrors.EnhancedCode{5, 5, 4}, Lines: []string{"Malformed SIZE parameter"},
			})
		}
		if declared > s.endp.config.MaxMessageSize {
			failedCmds.WithLabelValues("552").Inc()
			return s.reply(smtp.Reply{
				Code: 552, Enhanced: exterrors.EnhancedCode{5, 3, 4}, Lines: []string{"Message exceeds maximum size"},
			})
		}
	}
	if body, ok := cmd.Params["BODY"]; ok {
		switch strings.ToUpper(body) {
		case "7BIT", "8BITMIME":
		default:
			return s.reply(smtp.Reply{
				Code: 501, Enhanced: exterrors.EnhancedCode{5, 5, 4}, Lines: []string{"Unsupported BODY value"},
			})
		}
	}

	resp, err := s.hook(policy.HookMailFrom, func(req *policy.ServerRequest) {
		req.Sender = cmd.Path
	})
	if err != nil {
		return s.reply(errorReply(err))
	}

	return s.decide(resp, smtp.Reply{
		Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok"},
	}, func() error {
		startedTransactions.Inc()
		s.sender = cmd.Path
		s.state = stateMail
		return nil
	})
}

func (s *session) handleRcpt(cmd smtp.Command) error {
	if s.state != stateMail && s.state != stateRcpt {
		return s.sequenceError("MAIL required")
	}
	if len(s.recipients) >= s.endp.config.MaxRecipients {
		return s.reply(smtp.Reply{
			Code: 452, Enhanced: exterrors.EnhancedCode{4, 5, 3}, Lines: []string{"Too many recipients"},
		})
	}

	resp, err := s.hook(policy.HookRcptTo, func(req *policy.ServerRequest) {
		req.Sender = s.sender
		req.Recipient = cmd.Path
	})
	if err != nil {
		return s.reply(errorReply(err))
	}

	return s.decide(resp, smtp.Reply{
		Code: 250, Enhanced: exterrors.EnhancedCode{2, 1, 5}, Lines: []string{"Ok"},
	}, func() error {
		s.recipients = append(s.recipients, cmd.Path)
		s.state = stateRcpt
		return nil
	})
}

func (s *session) handleRset(cmd smtp.Command) error {
	resp, err := s.hook(policy.HookRset, nil)
	if err != nil {
		return s.reply(errorReply(err))
	}
	return s.decide(resp, smtp.Reply{
		Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok"},
	}, func() error {
		if s.state != stateGreeting {
			s.resetEnvelope()
		}
		return nil
	})
}

func (s *session) handleQuit(cmd smtp.Command) error {
	resp, err := s.hook(policy.HookQuit, nil)
	if err == nil {
		s.decide(resp, smtp.Reply{
			Code: 221, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Bye"},
		}, nil)
	} else {
		s.reply(smtp.Reply{Code: 221, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Bye"}})
	}
	return errSessionClosed
}

func (s *session) handleStartTLS(cmd smtp.Command) error {
	if s.endp.config.TLSConfig == nil {
		return s.reply(smtp.Reply{
			Code: 502, Enhanced: exterrors.EnhancedCode{5, 5, 1}, Lines: []string{"TLS not available"},
		})
	}
	if s.tls {
		return s.sequenceError("TLS already active")
	}

	resp, err := s.hook(policy.HookStartTLS, nil)
	if err != nil {
		return s.reply(errorReply(err))
	}
	if resp.Decision.Action != policy.ActionAccept {
		return s.decide(resp, smtp.Reply{}, nil)
	}

	if err := s.reply(smtp.Reply{
		Code: 220, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ready to start TLS"},
	}); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.endp.config.TLSConfig)
	if err := s.armDeadline(s.endp.config.CommandTimeout); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", err)
		return errSessionClosed
	}

	// The connection is now a different transport; everything negotiated
	// over the plaintext one is forgotten, only the peer address survives.
	s.conn = tlsConn
	s.reader = bufio.NewReader(connReader{s})
	s.tls = true
	s.hello = ""
	s.ehlo = false
	s.scratch = nil
	s.state = stateGreeting
	s.sender = ""
	s.recipients = nil

	return nil
}

func (s *session) handleData(cmd smtp.Command) error {
	if s.state == stateGreeting || s.state == stateHello {
		return s.sequenceError("MAIL required")
	}
	if len(s.recipients) == 0 {
		failedCmds.WithLabelValues("554").Inc()
		return s.reply(smtp.Reply{
			Code: 554, Enhanced: exterrors.EnhancedCode{5, 5, 1}, Lines: []string{"No recipients"},
		})
	}

	resp, err := s.hook(policy.HookDataStart, func(req *policy.ServerRequest) {
		req.Sender = s.sender
		req.Recipients = s.recipients
	})
	if err != nil {
		return s.reply(errorReply(err))
	}
	if resp.Decision.Action != policy.ActionAccept {
		return s.decide(resp, smtp.Reply{}, nil)
	}

	if err := s.reply(smtp.Reply{
		Code: 354, Lines: []string{"End data with <CR><LF>.<CR><LF>"},
	}); err != nil {
		return err
	}

	s.readTimeout = s.endp.config.DataTimeout
	defer func() {
		s.readTimeout = s.endp.config.CommandTimeout
	}()

	msgID := uuid.New().String()
	dataReader := smtp.NewDataReader(s.reader, s.endp.config.MaxMessageSize)
	buf, err := s.endp.buffer(io.MultiReader(
		strings.NewReader(s.receivedField(msgID)),
		dataReader,
	))
	if err != nil {
		var perr *smtp.ParseError
		if errors.As(err, &perr) && perr.Kind == smtp.MessageTooLarge {
			if err := dataReader.Discard(); err != nil {
				return err
			}
			s.resetEnvelope()
			failedCmds.WithLabelValues("552").Inc()
			return s.reply(perr.Reply())
		}
		// Transport is gone or the spool is broken; without the complete
		// message there is nothing to recover on this session.
		s.log.Error("DATA read failed", err, "msg_id", msgID)
		abortedTransactions.Inc()
		return errSessionClosed
	}
	defer func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
	}()

	return s.dataEnd(msgID, buf)
}

// dataEnd runs the data_end hook on the complete message and, on accept,
// the enqueue protocol. The 250 is emitted strictly after the queue commit
// returns, so a positive reply implies durability.
func (s *session) dataEnd(msgID string, buf buffer.Buffer) error {
	bodyReader, err := buf.Open()
	if err != nil {
		return s.dataFailure(msgID, err)
	}
	body, err := io.ReadAll(bodyReader)
	bodyReader.Close()
	if err != nil {
		return s.dataFailure(msgID, err)
	}

	resp, err := s.hook(policy.HookDataEnd, func(req *policy.ServerRequest) {
		req.Sender = s.sender
		req.Recipients = s.recipients
		req.Body = body
	})
	if err != nil {
		abortedTransactions.Inc()
		s.resetEnvelope()
		return s.reply(errorReply(err))
	}

	if resp.Decision.Action != policy.ActionAccept {
		abortedTransactions.Inc()
		s.resetEnvelope()
		return s.decide(resp, smtp.Reply{}, nil)
	}

	if len(resp.Meta) != len(s.recipients) {
		s.log.Msg("policy returned wrong metadata count",
			"expected", len(s.recipients), "got", len(resp.Meta), "msg_id", msgID)
		abortedTransactions.Inc()
		s.resetEnvelope()
		return s.reply(smtp.Reply{
			Code: 451, Enhanced: exterrors.EnhancedCode{4, 3, 0}, Lines: []string{"Internal server error"},
		})
	}

	metas := make([]queue.Metadata, len(s.recipients))
	for i, rcpt := range s.recipients {
		metas[i] = queue.Metadata{
			Sender:    s.sender,
			Recipient: rcpt,
			Policy:    resp.Meta[i],
		}
	}

	delivery, err := s.endp.queue.Enqueue(metas)
	if err != nil {
		return s.dataFailure(msgID, err)
	}
	if _, err := delivery.Write(body); err != nil {
		delivery.Abort()
		return s.dataFailure(msgID, err)
	}
	if err := delivery.Commit(); err != nil {
		return s.dataFailure(msgID, err)
	}

	s.log.Msg("accepted", "msg_id", msgID, "sender", s.sender, "rcpts", len(s.recipients))
	completedTransactions.Inc()
	s.resetEnvelope()

	if resp.Decision.Reply.Code != 0 {
		return s.reply(replyFromDecision(resp.Decision))
	}
	return s.reply(smtp.Reply{
		Code: 250, Enhanced: exterrors.EnhancedCode{2, 0, 0}, Lines: []string{"Ok: queued as " + msgID},
	})
}

// dataFailure reports an enqueue failure: always a transient reply, the
// client is expected to retry, and the queue guarantees the mail is fully
// absent.
func (s *session) dataFailure(msgID string, err error) error {
	s.log.Error("DATA error", err, "msg_id", msgID)
	abortedTransactions.Inc()
	s.resetEnvelope()
	return s.reply(smtp.Reply{
		Code:     451,
		Enhanced: exterrors.EnhancedCode{4, 3, 0},
		Lines:    []string{"Temporary failure, try again later"},
	})
}

// receivedField builds the trace field prepended to every accepted
// message.
func (s *session) receivedField(msgID string) string {
	proto := "ESMTP"
	if !s.ehlo {
		proto = "SMTP"
	}
	if s.tls {
		proto += "S"
	}

	from := s.hello
	if host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String()); err == nil {
		from += " ([" + host + "])"
	}

	return fmt.Sprintf("Received: from %s\r\n\tby %s (Kannader) with %s id %s;\r\n\t%s\r\n",
		from, s.endp.config.Hostname, proto, msgID, receivedDate(time.Now()))
}
