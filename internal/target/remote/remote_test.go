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

package remote

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/internal/queue"
	"github.com/Ekleog/kannader/internal/testutils"
	"github.com/foxcpp/go-mockdns"
)

// fakeServer is a scripted next-hop MTA listening on a real socket.
type fakeServer struct {
	l net.Listener

	// Reply to use for the RCPT command, e.g. "250 Ok".
	rcptReply string

	lock sync.Mutex
	// Envelope and message observed by the server.
	mailFrom string
	rcptTo   string
	body     string
}

func newFakeServer(t *testing.T, rcptReply string) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &fakeServer{l: l, rcptReply: rcptReply}
	go srv.serve()
	t.Cleanup(func() { l.Close() })
	return srv
}

func (srv *fakeServer) serve() {
	for {
		conn, err := srv.l.Accept()
		if err != nil {
			return
		}
		go srv.session(conn)
	}
}

func (srv *fakeServer) session(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { conn.Write([]byte(s + "\r\n")) }

	reply("220 next-hop.example.net ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(verb, "EHLO"):
			reply("250-next-hop.example.net")
			reply("250 8BITMIME")
		case strings.HasPrefix(verb, "MAIL"):
			srv.lock.Lock()
			srv.mailFrom = strings.TrimSpace(line)
			srv.lock.Unlock()
			reply("250 2.1.0 Ok")
		case strings.HasPrefix(verb, "RCPT"):
			srv.lock.Lock()
			srv.rcptTo = strings.TrimSpace(line)
			srv.lock.Unlock()
			reply(srv.rcptReply)
		case strings.HasPrefix(verb, "DATA"):
			reply("354 go ahead")
			var body strings.Builder
			for {
				dataLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dataLine == ".\r\n" {
					break
				}
				body.WriteString(dataLine)
			}
			srv.lock.Lock()
			srv.body = body.String()
			srv.lock.Unlock()
			reply("250 2.0.0 queued")
		case strings.HasPrefix(verb, "QUIT"):
			reply("221 2.0.0 bye")
			return
		default:
			reply("500 5.5.1 what")
		}
	}
}

func newTestTarget(t *testing.T, srv *fakeServer, zones map[string]mockdns.Zone) (*Target, *[]string) {
	t.Helper()
	target := New("relay.example.org", "", testutils.Logger(t, "remote"))
	target.Resolver = &mockdns.Resolver{Zones: zones}

	dialed := &[]string{}
	target.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		*dialed = append(*dialed, addr)
		if srv == nil {
			return nil, &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
		}
		return net.Dial("tcp", srv.l.Addr().String())
	}
	return target, dialed
}

func TestDeliverViaMX(t *testing.T) {
	srv := newFakeServer(t, "250 2.1.5 Ok")
	target, dialed := newTestTarget(t, srv, map[string]mockdns.Zone{
		"example.com.": {
			MX: []net.MX{
				{Host: "mx2.example.com.", Pref: 20},
				{Host: "mx1.example.com.", Pref: 10},
			},
		},
	})

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@example.com",
	}, strings.NewReader("Subject: t\r\n\r\nhi\r\n"))
	if err != nil {
		t.Fatal("Deliver:", err)
	}

	if len(*dialed) == 0 || (*dialed)[0] != "mx1.example.com:25" {
		t.Errorf("dialed %v, want the lowest-preference MX first", *dialed)
	}
	if !strings.Contains(srv.mailFrom, "<from@example.org>") {
		t.Errorf("MAIL line = %q", srv.mailFrom)
	}
	if !strings.Contains(srv.rcptTo, "<to@example.com>") {
		t.Errorf("RCPT line = %q", srv.rcptTo)
	}
	if !strings.Contains(srv.body, "Subject: t") {
		t.Errorf("body = %q", srv.body)
	}
}

func TestDeliverPermanentReject(t *testing.T) {
	srv := newFakeServer(t, "550 5.1.1 No such user")
	target, _ := newTestTarget(t, srv, map[string]mockdns.Zone{
		"example.com.": {MX: []net.MX{{Host: "mx1.example.com.", Pref: 10}}},
	})

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@example.com",
	}, strings.NewReader("hi\r\n"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("5xx reject classified as temporary: %v", err)
	}
	fields := exterrors.Fields(err)
	if fields["smtp_code"] != 550 {
		t.Errorf("smtp_code = %v", fields["smtp_code"])
	}
}

func TestDeliverConnectionFailure(t *testing.T) {
	target, dialed := newTestTarget(t, nil, map[string]mockdns.Zone{
		"example.com.": {MX: []net.MX{
			{Host: "mx1.example.com.", Pref: 10},
			{Host: "mx2.example.com.", Pref: 20},
		}},
	})

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@example.com",
	}, strings.NewReader("hi\r\n"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("connection failure classified as permanent: %v", err)
	}
	// Both MXes must have been tried.
	if len(*dialed) != 2 {
		t.Errorf("dialed %v, want both MXes", *dialed)
	}
}

func TestDeliverNullMX(t *testing.T) {
	target, _ := newTestTarget(t, nil, map[string]mockdns.Zone{
		"example.com.": {MX: []net.MX{{Host: ".", Pref: 0}}},
	})

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@example.com",
	}, strings.NewReader("hi\r\n"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("null MX classified as temporary: %v", err)
	}
}

func TestDeliverNoMXFallback(t *testing.T) {
	srv := newFakeServer(t, "250 Ok")
	target, dialed := newTestTarget(t, srv, map[string]mockdns.Zone{
		"example.com.": {A: []string{"192.0.2.7"}},
	})

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@example.com",
	}, strings.NewReader("hi\r\n"))
	if err != nil {
		t.Fatal("Deliver:", err)
	}
	if len(*dialed) != 1 || (*dialed)[0] != "example.com:25" {
		t.Errorf("dialed %v, want the bare domain", *dialed)
	}
}

func TestDeliverSmartHost(t *testing.T) {
	srv := newFakeServer(t, "250 Ok")
	target := New("relay.example.org", "smart.example.net:2525", testutils.Logger(t, "remote"))
	dialed := []string{}
	target.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		return net.Dial("tcp", srv.l.Addr().String())
	}

	err := target.Deliver(context.Background(), queue.Metadata{
		Sender:    "from@example.org",
		Recipient: "to@anywhere.example",
	}, strings.NewReader("hi\r\n"))
	if err != nil {
		t.Fatal("Deliver:", err)
	}
	if len(dialed) != 1 || dialed[0] != "smart.example.net:2525" {
		t.Errorf("dialed %v, want the smart host", dialed)
	}
}
