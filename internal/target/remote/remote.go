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

// Package remote implements the queue.Transport interface: delivery of one
// entry to its next hop over SMTP.
//
// The next hop is either a statically configured smart host or, when none
// is set, the MX set of the recipient domain. TLS is opportunistic: it is
// used when the other side offers STARTTLS, plaintext is not an error.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/Ekleog/kannader/framework/address"
	"github.com/Ekleog/kannader/framework/dns"
	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/internal/queue"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type Target struct {
	// Hostname sent in our EHLO.
	Hostname string

	// Static next hop as host:port. Empty selects MX resolution.
	RelayHost string

	// TLS configuration for outbound STARTTLS. Nil uses the library
	// defaults.
	TLSConfig *tls.Config

	// Credentials for the smart host, nil when no AUTH is wanted.
	SASL func() sasl.Client

	Resolver    dns.Resolver
	DialTimeout time.Duration

	// Dialer is swappable for tests; defaults to a net.Dialer bound by
	// DialTimeout.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger
}

func New(hostname, relayHost string, logger log.Logger) *Target {
	return &Target{
		Hostname:    hostname,
		RelayHost:   relayHost,
		Resolver:    dns.DefaultResolver(),
		DialTimeout: 1 * time.Minute,
		Log:         logger,
	}
}

// Deliver implements queue.Transport. The returned error classifies the
// outcome via the exterrors Temporary() convention: nil is success, a
// non-temporary error is a permanent failure the queue will bounce on.
func (t *Target) Deliver(ctx context.Context, meta queue.Metadata, contents io.Reader) error {
	hosts, err := t.nextHops(ctx, meta.Recipient)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		conn, err := t.dial(ctx, host)
		if err != nil {
			t.Log.Error("dial failed", err, "host", host, "rcpt", meta.Recipient)
			lastErr = exterrors.WithTemporary(err, true)
			continue
		}

		err = t.attempt(conn, meta, contents)
		if err == nil {
			return nil
		}
		if !exterrors.IsTemporaryOrUnspec(err) {
			// The next hop rejected the message outright; other MXes of
			// the same domain will tell us the same thing.
			return err
		}
		lastErr = err

		// Transient failure mid-transfer: the contents reader was possibly
		// consumed, trying the next host with a drained stream would
		// corrupt the message. Let the queue reschedule instead.
		break
	}
	if lastErr == nil {
		lastErr = exterrors.WithTemporary(fmt.Errorf("remote: no usable next hop for %s", meta.Recipient), true)
	}
	return lastErr
}

// nextHops returns the ordered list of host:port candidates for the
// recipient.
func (t *Target) nextHops(ctx context.Context, rcpt string) ([]string, error) {
	if t.RelayHost != "" {
		return []string{t.RelayHost}, nil
	}

	_, domain, err := address.Split(rcpt)
	if err != nil || domain == "" {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Unroutable recipient address",
			Err:          err,
		}
	}

	aDomain, err := dns.SelectIDNA(false, domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Recipient domain is not representable in DNS",
			Err:          err,
		}
	}

	mxs, err := t.Resolver.LookupMX(ctx, dns.FQDN(aDomain))
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if ok && dnsErr.IsNotFound {
			// No MX: RFC 5321 says fall back to the A/AAAA of the domain
			// itself.
			return []string{net.JoinHostPort(aDomain, "25")}, nil
		}
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["reason"] = reason
		return nil, exterrors.WithTemporary(exterrors.WithFields(err, misc), true)
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		if mx.Host == "." {
			// Null MX (RFC 7505): the domain does not accept mail, ever.
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept mail (null MX)",
			}
		}
		hosts = append(hosts, net.JoinHostPort(strings.TrimSuffix(mx.Host, "."), "25"))
	}
	if len(hosts) == 0 {
		hosts = append(hosts, net.JoinHostPort(aDomain, "25"))
	}
	return hosts, nil
}

func (t *Target) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.Dialer != nil {
		return t.Dialer(ctx, "tcp", addr)
	}
	dialer := net.Dialer{Timeout: t.DialTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// attempt runs one complete SMTP transaction on the passed connection.
func (t *Target) attempt(conn net.Conn, meta queue.Metadata, contents io.Reader) error {
	cl := smtp.NewClient(conn)
	defer cl.Close()

	if err := cl.Hello(t.Hostname); err != nil {
		return mapClientErr(err)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok {
		cfg := t.TLSConfig
		if cfg == nil {
			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			cfg = &tls.Config{ServerName: host}
		}
		if err := cl.StartTLS(cfg); err != nil {
			return mapClientErr(err)
		}
	}

	if t.SASL != nil {
		if err := cl.Auth(t.SASL()); err != nil {
			return mapClientErr(err)
		}
	}

	if err := cl.Mail(meta.Sender, &smtp.MailOptions{}); err != nil {
		return mapClientErr(err)
	}
	if err := cl.Rcpt(meta.Recipient, &smtp.RcptOptions{}); err != nil {
		return mapClientErr(err)
	}

	wc, err := cl.Data()
	if err != nil {
		return mapClientErr(err)
	}
	if _, err := io.Copy(wc, contents); err != nil {
		wc.Close()
		return exterrors.WithTemporary(err, true)
	}
	if err := wc.Close(); err != nil {
		return mapClientErr(err)
	}

	if err := cl.Quit(); err != nil {
		// The message is accepted at this point, a broken QUIT does not
		// undo that.
		t.Log.Error("QUIT failed", err, "rcpt", meta.Recipient)
	}
	return nil
}

// mapClientErr rewraps errors from the SMTP client library into the
// exterrors types the queue understands.
func mapClientErr(err error) error {
	if err == nil {
		return nil
	}
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return &exterrors.SMTPError{
			Code:         smtpErr.Code,
			EnhancedCode: exterrors.EnhancedCode(smtpErr.EnhancedCode),
			Message:      smtpErr.Message,
			Err:          smtpErr,
		}
	}
	// Network-level errors are worth retrying.
	return exterrors.WithTemporary(err, true)
}
