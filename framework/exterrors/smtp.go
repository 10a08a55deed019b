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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 2034 enhanced status code triplet.
type EnhancedCode [3]int

// EnhancedCodeNotSet is a nil value of EnhancedCode field in SMTPError,
// used to indicate that the value should be derived from the basic code.
var EnhancedCodeNotSet = EnhancedCode{0, 0, 0}

func (code EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
}

// SMTPError is the error type used for all errors that are eventually
// surfaced as an SMTP reply to a client, either directly over the wire or
// inside a generated bounce message.
type SMTPError struct {
	// SMTP status code.
	Code int
	// Enhanced SMTP status code. If the first digit is 0, the first digit of
	// the basic code is used instead.
	EnhancedCode EnhancedCode
	// Message sent to the client.
	Message string

	// Hook is the name of the policy hook the error is associated with,
	// if any.
	Hook string

	// Underlying error that caused this one, if any. Not sent to the client.
	Err error

	// Additional fields for structured logging.
	Misc map[string]interface{}
	// Machine-readable description that replaces err.Error() in the
	// structured log output, when set.
	Reason string
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(err.Misc)+5)
	for k, v := range err.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = err.Code
	fields["smtp_enchcode"] = err.enchCode()
	fields["smtp_msg"] = err.Message
	if err.Hook != "" {
		fields["hook"] = err.Hook
	}
	if err.Reason != "" {
		fields["reason"] = err.Reason
	} else if err.Err != nil {
		fields["reason"] = err.Err.Error()
	}
	return fields
}

func (err *SMTPError) enchCode() EnhancedCode {
	if err.EnhancedCode[0] == 0 {
		code := err.EnhancedCode
		code[0] = err.Code / 100
		return code
	}
	return err.EnhancedCode
}

// Temporary reports whether the status code indicates a transient condition.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return fmt.Sprintf("%d %v %s", err.Code, err.enchCode(), err.Message)
}
