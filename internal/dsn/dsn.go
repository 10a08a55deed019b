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

// Package dsn builds RFC 3464 delivery status notifications: the
// multipart/report mails a relay sends back when it gives up on a
// message.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Ekleog/kannader/framework/address"
	"github.com/Ekleog/kannader/framework/dns"
	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/emersion/go-message/textproto"
)

// Action is the per-recipient disposition reported in the DSN.
type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// Failure describes one recipient the report is about.
type Failure struct {
	Recipient string
	RemoteMTA string

	Action Action
	Status exterrors.EnhancedCode

	// Diagnostic is the error reported back to the sender. An
	// *exterrors.SMTPError renders as a structured smtp; diagnostic,
	// anything else as free text.
	Diagnostic error
}

// Report is everything needed to generate one DSN.
type Report struct {
	// Envelope and header identity of the notification itself.
	MsgID string
	From  string
	To    string

	// Identity of this MTA and of the hop the failed message came from.
	ReportingMTA    string
	ReceivedFromMTA string

	// Original envelope sender and queue id, carried as X-Kannader-*
	// fields for operator correlation.
	Sender string
	MsgRef string

	ArrivalDate     time.Time
	LastAttemptDate time.Time

	Failures []Failure
}

const rfc5322Date = "Mon, 2 Jan 2006 15:04:05 -0700"

// field is one "Name: value" line of a delivery-status group.
type field struct {
	name  string
	value string
}

// writeGroup emits one group of status fields followed by the blank line
// that separates groups in message/delivery-status bodies.
func writeGroup(w io.Writer, fields []field) error {
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", f.name, f.value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// addrType renders an address-type prefix per RFC 3464 §2.1.2 (utf8 per
// RFC 6533).
func addrType(utf8 bool) string {
	if utf8 {
		return "utf8; "
	}
	return "rfc822; "
}

// oneLine flattens CR/LF out of text that must fit a single status field.
func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// perMessageFields builds the first group of the machine-readable part.
func (r *Report) perMessageFields(utf8 bool) ([]field, error) {
	if r.ReportingMTA == "" {
		return nil, errors.New("dsn: ReportingMTA is required")
	}
	mta, err := dns.SelectIDNA(utf8, r.ReportingMTA)
	if err != nil {
		return nil, fmt.Errorf("dsn: Reporting-MTA: %w", err)
	}

	fields := []field{{"Reporting-MTA", "dns; " + mta}}

	if r.ReceivedFromMTA != "" {
		from, err := dns.SelectIDNA(utf8, r.ReceivedFromMTA)
		if err != nil {
			return nil, fmt.Errorf("dsn: Received-From-MTA: %w", err)
		}
		fields = append(fields, field{"Received-From-MTA", "dns; " + from})
	}
	if r.Sender != "" {
		sender, err := address.SelectIDNA(utf8, r.Sender)
		if err != nil {
			return nil, fmt.Errorf("dsn: X-Kannader-Sender: %w", err)
		}
		fields = append(fields, field{"X-Kannader-Sender", addrType(utf8) + sender})
	}
	if r.MsgRef != "" {
		fields = append(fields, field{"X-Kannader-MsgID", r.MsgRef})
	}
	if !r.ArrivalDate.IsZero() {
		fields = append(fields, field{"Arrival-Date", r.ArrivalDate.Format(rfc5322Date)})
	}
	if !r.LastAttemptDate.IsZero() {
		fields = append(fields, field{"Last-Attempt-Date", r.LastAttemptDate.Format(rfc5322Date)})
	}
	return fields, nil
}

// perRecipientFields builds one status group for a failed recipient.
func (f *Failure) perRecipientFields(utf8 bool) ([]field, error) {
	if f.Recipient == "" {
		return nil, errors.New("dsn: Failure.Recipient is required")
	}
	if f.Action == "" {
		return nil, errors.New("dsn: Failure.Action is required")
	}
	if f.Status[0] == 0 {
		return nil, errors.New("dsn: Failure.Status is required")
	}

	rcpt, err := address.SelectIDNA(utf8, f.Recipient)
	if err != nil {
		return nil, fmt.Errorf("dsn: Final-Recipient: %w", err)
	}

	fields := []field{
		{"Final-Recipient", addrType(utf8) + rcpt},
		{"Action", string(f.Action)},
		{"Status", f.Status.String()},
	}

	var smtpErr *exterrors.SMTPError
	switch {
	case errors.As(f.Diagnostic, &smtpErr):
		fields = append(fields, field{"Diagnostic-Code",
			fmt.Sprintf("smtp; %d %v %s", smtpErr.Code, f.Status, oneLine(smtpErr.Message))})
	case f.Diagnostic != nil:
		fields = append(fields, field{"Diagnostic-Code", "X-Kannader; " + oneLine(f.Diagnostic.Error())})
	}

	if f.RemoteMTA != "" {
		mta, err := dns.SelectIDNA(utf8, f.RemoteMTA)
		if err != nil {
			return nil, fmt.Errorf("dsn: Remote-MTA: %w", err)
		}
		fields = append(fields, field{"Remote-MTA", "dns; " + mta})
	}
	return fields, nil
}

// Generate writes the DSN body to w and returns the header of the
// notification mail. failedHeader is the header section of the message
// being reported on, included as the third part of the report.
func (r *Report) Generate(utf8 bool, failedHeader textproto.Header, w io.Writer) (textproto.Header, error) {
	// Validate everything before a single byte is produced, a torn DSN
	// body is worse than an error.
	msgFields, err := r.perMessageFields(utf8)
	if err != nil {
		return textproto.Header{}, err
	}
	rcptGroups := make([][]field, 0, len(r.Failures))
	for i := range r.Failures {
		group, err := r.Failures[i].perRecipientFields(utf8)
		if err != nil {
			return textproto.Header{}, err
		}
		rcptGroups = append(rcptGroups, group)
	}

	mw := textproto.NewMultipartWriter(w)

	hdr := textproto.Header{}
	hdr.Add("Date", time.Now().Format(rfc5322Date))
	hdr.Add("Message-Id", r.MsgID)
	hdr.Add("Content-Transfer-Encoding", "8bit")
	hdr.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+mw.Boundary())
	hdr.Add("MIME-Version", "1.0")
	hdr.Add("Auto-Submitted", "auto-replied")
	hdr.Add("To", r.To)
	hdr.Add("From", r.From)
	hdr.Add("Subject", "Undelivered Mail Returned to Sender")

	if err := r.writeHumanPart(mw); err != nil {
		return textproto.Header{}, err
	}
	if err := writeStatusPart(mw, utf8, msgFields, rcptGroups); err != nil {
		return textproto.Header{}, err
	}
	if err := writeOriginalHeaderPart(mw, utf8, failedHeader); err != nil {
		return textproto.Header{}, err
	}

	return hdr, mw.Close()
}

func (r *Report) writeHumanPart(mw *textproto.MultipartWriter) error {
	partHdr := textproto.Header{}
	partHdr.Add("Content-Transfer-Encoding", "8bit")
	partHdr.Add("Content-Type", `text/plain; charset="utf-8"`)
	partHdr.Add("Content-Description", "Notification")
	part, err := mw.CreatePart(partHdr)
	if err != nil {
		return err
	}

	fmt.Fprintf(part, "This is the mail system at %s.\r\n\r\n", r.ReportingMTA)
	fmt.Fprintf(part, "Your message could not be delivered to the recipients listed below.\r\n")
	fmt.Fprintf(part, "It has been removed from the queue; no further attempts will be made.\r\n\r\n")
	for i := range r.Failures {
		f := &r.Failures[i]
		fmt.Fprintf(part, "  <%s>: %v\r\n", f.Recipient, f.Diagnostic)
	}
	fmt.Fprintf(part, "\r\nIf you contact the postmaster for assistance, include this information:\r\n")
	if r.MsgRef != "" {
		fmt.Fprintf(part, "  message id:  %s\r\n", r.MsgRef)
	}
	if !r.ArrivalDate.IsZero() {
		fmt.Fprintf(part, "  accepted:    %s\r\n", r.ArrivalDate.Truncate(time.Second))
	}
	if !r.LastAttemptDate.IsZero() {
		fmt.Fprintf(part, "  last tried:  %s\r\n", r.LastAttemptDate.Truncate(time.Second))
	}
	return nil
}

func writeStatusPart(mw *textproto.MultipartWriter, utf8 bool, msgFields []field, rcptGroups [][]field) error {
	partHdr := textproto.Header{}
	if utf8 {
		partHdr.Add("Content-Type", "message/global-delivery-status")
	} else {
		partHdr.Add("Content-Type", "message/delivery-status")
	}
	partHdr.Add("Content-Description", "Delivery report")
	part, err := mw.CreatePart(partHdr)
	if err != nil {
		return err
	}

	if err := writeGroup(part, msgFields); err != nil {
		return err
	}
	for _, group := range rcptGroups {
		if err := writeGroup(part, group); err != nil {
			return err
		}
	}
	return nil
}

func writeOriginalHeaderPart(mw *textproto.MultipartWriter, utf8 bool, failedHeader textproto.Header) error {
	partHdr := textproto.Header{}
	partHdr.Add("Content-Description", "Undelivered message header")
	if utf8 {
		partHdr.Add("Content-Type", "message/global-headers")
	} else {
		partHdr.Add("Content-Type", "message/rfc822-headers")
	}
	partHdr.Add("Content-Transfer-Encoding", "8bit")
	part, err := mw.CreatePart(partHdr)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(part, failedHeader)
}
