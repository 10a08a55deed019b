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

// Package exterrors classifies and annotates the errors that cross
// component boundaries.
//
// Two pieces of context travel with an error here: whether the condition
// is transient (the Temporary() convention) and a bag of structured
// fields for the log and for SMTP reply synthesis. Both are carried by
// one wrapper type so a single errors.As/Unwrap walk sees everything.
package exterrors

import (
	"errors"
	"net"
)

// TemporaryErr is the classification interface: errors that know whether
// retrying can help implement it.
type TemporaryErr interface {
	Temporary() bool
}

// annotation carries classification and structured context for the error
// it wraps. Either part may be absent.
type annotation struct {
	err error

	temporary    bool
	hasTemporary bool

	fields map[string]interface{}
}

func (a *annotation) Error() string { return a.err.Error() }

func (a *annotation) Unwrap() error { return a.err }

func (a *annotation) Temporary() bool {
	if a.hasTemporary {
		return a.temporary
	}
	// Fall through to whatever the wrapped error says; the absence of an
	// answer here must not shadow one further down.
	var temp TemporaryErr
	if errors.As(a.err, &temp) {
		return temp.Temporary()
	}
	return false
}

func (a *annotation) Fields() map[string]interface{} { return a.fields }

// WithTemporary attaches a transient/permanent classification to err,
// overriding whatever the wrapped chain would report.
func WithTemporary(err error, temporary bool) error {
	return &annotation{err: err, temporary: temporary, hasTemporary: true}
}

// WithFields attaches structured context to err.
func WithFields(err error, fields map[string]interface{}) error {
	return &annotation{err: err, fields: fields}
}

// IsTemporary reports whether err is classified as transient. Errors
// without a classification count as permanent.
func IsTemporary(err error) bool {
	var temp TemporaryErr
	return errors.As(err, &temp) && temp.Temporary()
}

// IsTemporaryOrUnspec is IsTemporary with the opposite default:
// unclassified errors count as transient. This is the right bias for
// delivery errors — a transient condition misread as permanent produces
// a spurious bounce, the reverse merely delays the mail.
func IsTemporaryOrUnspec(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

type fieldsErr interface {
	Fields() map[string]interface{}
}

// Fields collects the structured context of err and everything it wraps.
// When the same key appears at several depths, the outermost value wins:
// whoever wrapped last knew more about the operation that failed.
func Fields(err error) map[string]interface{} {
	collected := make(map[string]interface{}, 4)

	for ; err != nil; err = errors.Unwrap(err) {
		fe, ok := err.(fieldsErr)
		if !ok {
			continue
		}
		for k, v := range fe.Fields() {
			if _, seen := collected[k]; !seen {
				collected[k] = v
			}
		}
	}

	return collected
}

// UnwrapDNSErr extracts the short failure reason out of a resolver error,
// without the server and lookup names that *net.DNSError.Error() bakes
// into its text.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	misc = map[string]interface{}{}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", misc
	}
	return dnsErr.Err, misc
}
