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
	"fmt"

	"github.com/Ekleog/kannader/framework/exterrors"
)

// ParseErrorKind classifies the ways a client line can be unacceptable.
type ParseErrorKind int

const (
	// MalformedLine is returned for lines that are not valid SMTP at all:
	// missing CRLF, non-ASCII bytes in the command, stray control
	// characters.
	MalformedLine ParseErrorKind = iota

	// CommandTooLong is returned for command lines longer than
	// MaxLineLength octets.
	CommandTooLong

	// UnknownCommand is returned when the verb is not recognized.
	UnknownCommand

	// BadParameter is returned when the verb is known but its arguments do
	// not match the RFC 5321 grammar.
	BadParameter

	// MessageTooLarge is returned by DataReader when the message exceeds
	// the configured maximum size.
	MessageTooLarge
)

// ParseError is the error type returned by the codec. It is pure data, the
// session engine turns it into a wire reply using the Reply method.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
}

func (err *ParseError) Error() string {
	return "smtp: " + err.Message
}

// Temporary implements exterrors.TemporaryErr. Protocol errors are never
// transient.
func (err *ParseError) Temporary() bool {
	return false
}

func (err *ParseError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"reason":    err.Message,
		"smtp_code": err.Reply().Code,
	}
}

// Reply returns the reply that should be sent to the client for this error.
func (err *ParseError) Reply() Reply {
	switch err.Kind {
	case CommandTooLong:
		return Reply{Code: 500, Enhanced: exterrors.EnhancedCode{5, 5, 2}, Lines: []string{"Line too long"}}
	case UnknownCommand:
		return Reply{Code: 500, Enhanced: exterrors.EnhancedCode{5, 5, 1}, Lines: []string{"Unknown command"}}
	case BadParameter:
		return Reply{Code: 501, Enhanced: exterrors.EnhancedCode{5, 5, 4}, Lines: []string{err.Message}}
	case MessageTooLarge:
		return Reply{Code: 552, Enhanced: exterrors.EnhancedCode{5, 3, 4}, Lines: []string{"Message exceeds maximum size"}}
	default:
		return Reply{Code: 500, Enhanced: exterrors.EnhancedCode{5, 5, 2}, Lines: []string{"Malformed line"}}
	}
}

func parseErrorf(kind ParseErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
