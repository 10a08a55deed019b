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

package queue

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/policy"
	"github.com/Ekleog/kannader/internal/policy/native"
	"github.com/Ekleog/kannader/internal/testutils"
)

func init() {
	dontRecover = true
}

// Msg is one delivery observed by testTransport.
type Msg struct {
	Sender    string
	Recipient string
	Body      []byte
}

// testTransport is a Transport implementation that collects successful
// deliveries and fails according to a script: the n-th delivery attempt
// (counting from 0, across all entries) fails with Failures[n] if that
// element exists and is non-nil.
type testTransport struct {
	Failures  []error
	Delivered chan Msg

	lock     sync.Mutex
	attempts int
}

func (tr *testTransport) Deliver(ctx context.Context, meta Metadata, contents io.Reader) error {
	tr.lock.Lock()
	n := tr.attempts
	tr.attempts++
	tr.lock.Unlock()

	if n < len(tr.Failures) && tr.Failures[n] != nil {
		return tr.Failures[n]
	}

	body, err := io.ReadAll(contents)
	if err != nil {
		return err
	}
	if tr.Delivered != nil {
		tr.Delivered <- Msg{Sender: meta.Sender, Recipient: meta.Recipient, Body: body}
	}
	return nil
}

func (tr *testTransport) Attempts() int {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	return tr.attempts
}

func newTestQueue(t *testing.T, target Transport, pol policy.Instance) *Queue {
	t.Helper()
	fs := newTestFS(t)
	if pol == nil {
		pol = native.Default("mx.example.org")
	}
	q := New(fs, target, pol, 2, testutils.Logger(t, "queue"))
	q.postInitDelay = 0
	if err := q.Start(); err != nil {
		t.Fatal("queue.Start:", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Error("queue.Close:", err)
		}
	})
	return q
}

func enqueue(t *testing.T, q *Queue, body string, metas ...Metadata) {
	t.Helper()
	delivery, err := q.Enqueue(metas)
	if err != nil {
		t.Fatal("Enqueue:", err)
	}
	if _, err := io.WriteString(delivery, body); err != nil {
		t.Fatal("Write:", err)
	}
	if err := delivery.Commit(); err != nil {
		t.Fatal("Commit:", err)
	}
}

func waitMsg(t *testing.T, ch chan Msg) Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for a delivery")
		panic("unreachable")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for", what)
}

func TestDeliverySuccess(t *testing.T) {
	target := &testTransport{Delivered: make(chan Msg, 4)}
	q := newTestQueue(t, target, nil)

	enqueue(t, q, "Subject: t\r\n\r\nhi\r\n",
		Metadata{Sender: "from@example.org", Recipient: "to@example.com"})

	msg := waitMsg(t, target.Delivered)
	if msg.Recipient != "to@example.com" {
		t.Errorf("recipient = %q", msg.Recipient)
	}
	if !bytes.Equal(msg.Body, []byte("Subject: t\r\n\r\nhi\r\n")) {
		t.Errorf("body = %q", msg.Body)
	}

	// Everything must leave the disk eventually.
	waitFor(t, "disk cleanup", func() bool {
		return len(listNames(t, q.fs.path(dataDir))) == 0 &&
			len(listNames(t, q.fs.path(queueDir))) == 0
	})
}

func TestDeliveryPerRecipient(t *testing.T) {
	// First attempt (one of the recipients) fails transiently, the other
	// succeeds. Only the failed recipient is retried.
	target := &testTransport{
		Delivered: make(chan Msg, 4),
		Failures: []error{
			exterrors.WithTemporary(io.ErrUnexpectedEOF, true),
		},
	}

	retried := make(chan policy.RetryRequest, 1)
	pol := native.New(native.Funcs{
		Retry: func(req *policy.RetryRequest) (*policy.RetryResponse, error) {
			retried <- *req
			return &policy.RetryResponse{NextAttempt: time.Now()}, nil
		},
	})
	q := newTestQueue(t, target, pol)

	enqueue(t, q, "msg\r\n",
		Metadata{Sender: "from@example.org", Recipient: "a@example.com"},
		Metadata{Sender: "from@example.org", Recipient: "b@example.com"})

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		msg := waitMsg(t, target.Delivered)
		got[msg.Recipient]++
	}
	if got["a@example.com"] != 1 || got["b@example.com"] != 1 {
		t.Errorf("deliveries = %v", got)
	}

	select {
	case req := <-retried:
		if req.Kind != policy.FailureTransient {
			t.Errorf("failure kind = %q", req.Kind)
		}
	case <-time.After(time.Second):
		t.Error("schedule_retry was not invoked")
	}
}

// Scenario: transient failure, policy delays the retry; the persisted
// schedule must show the increased attempt count and the attempt time.
func TestRetrySchedulePersisted(t *testing.T) {
	target := &testTransport{
		Delivered: make(chan Msg, 1),
		Failures: []error{
			exterrors.WithTemporary(io.ErrUnexpectedEOF, true),
		},
	}
	next := time.Now().Add(5 * time.Minute)
	pol := native.New(native.Funcs{
		Retry: func(req *policy.RetryRequest) (*policy.RetryResponse, error) {
			if req.Schedule.AttemptCount != 0 {
				t.Errorf("attempt_count before retry = %d, want 0", req.Schedule.AttemptCount)
			}
			return &policy.RetryResponse{NextAttempt: next}, nil
		},
	})
	q := newTestQueue(t, target, pol)

	enqueue(t, q, "msg\r\n", Metadata{Sender: "from@example.org", Recipient: "to@example.com"})

	waitFor(t, "requeued entry", func() bool {
		entries, err := q.fs.ListQueue()
		if err != nil || len(entries) != 1 {
			return false
		}
		return entries[0].Schedule.AttemptCount == 1
	})

	entries, err := q.fs.ListQueue()
	if err != nil {
		t.Fatal(err)
	}
	sched := entries[0].Schedule
	if sched.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", sched.AttemptCount)
	}
	if sched.LastAttempt == nil {
		t.Error("last_attempt is not recorded")
	}
	if !sched.NextAttempt.Equal(next) && sched.NextAttempt.Unix() != next.Unix() {
		t.Errorf("next_attempt = %v, want %v", sched.NextAttempt, next)
	}
}

// Scenario: permanent failure produces a bounce mail addressed to the
// original sender and removes the original entry.
func TestPermanentFailureBounce(t *testing.T) {
	target := &testTransport{
		Delivered: make(chan Msg, 2),
		Failures: []error{
			&exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "No such user",
			},
		},
	}
	q := newTestQueue(t, target, nil)

	enqueue(t, q, "Subject: t\r\n\r\nhi\r\n",
		Metadata{Sender: "from@example.org", Recipient: "to@example.com"})

	// The only successful delivery is the bounce.
	msg := waitMsg(t, target.Delivered)
	if msg.Recipient != "from@example.org" {
		t.Errorf("bounce recipient = %q, want the original sender", msg.Recipient)
	}
	if msg.Sender != "" {
		t.Errorf("bounce sender = %q, want the null reverse-path", msg.Sender)
	}
	if !bytes.Contains(msg.Body, []byte("No such user")) {
		t.Error("bounce body does not mention the failure")
	}
	if !bytes.Contains(msg.Body, []byte("to@example.com")) {
		t.Error("bounce body does not mention the failed recipient")
	}

	waitFor(t, "disk cleanup", func() bool {
		return len(listNames(t, q.fs.path(dataDir))) == 0
	})
}

// A failed delivery of a bounce (null sender) must never generate another
// bounce.
func TestNoDoubleBounce(t *testing.T) {
	target := &testTransport{
		Delivered: make(chan Msg, 2),
		Failures: []error{
			&exterrors.SMTPError{Code: 550, Message: "no"},
		},
	}
	q := newTestQueue(t, target, nil)

	enqueue(t, q, "bounce body\r\n", Metadata{Sender: "", Recipient: "original-sender@example.org"})

	waitFor(t, "disk cleanup", func() bool {
		return len(listNames(t, q.fs.path(dataDir))) == 0
	})
	if target.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", target.Attempts())
	}
	select {
	case msg := <-target.Delivered:
		t.Errorf("unexpected delivery %v", msg)
	default:
	}
}

// A policy whose schedule_retry hook fails must not lose the entry: the
// fallback delay reschedules it.
func TestPolicyFailureFallback(t *testing.T) {
	target := &testTransport{
		Delivered: make(chan Msg, 1),
		Failures: []error{
			exterrors.WithTemporary(io.ErrUnexpectedEOF, true),
		},
	}
	pol := native.New(native.Funcs{
		Retry: func(req *policy.RetryRequest) (*policy.RetryResponse, error) {
			panic("boom")
		},
	})
	q := newTestQueue(t, target, pol)

	enqueue(t, q, "msg\r\n", Metadata{Sender: "a@example.org", Recipient: "b@example.com"})

	waitFor(t, "requeued entry", func() bool {
		entries, err := q.fs.ListQueue()
		return err == nil && len(entries) == 1 && entries[0].Schedule.AttemptCount == 1
	})
}

// Concurrent workers racing for one entry must not double-deliver it.
func TestNoDuplicateDelivery(t *testing.T) {
	fs := newTestFS(t)
	entries := enqueueMail(t, fs, "msg\r\n", Metadata{Sender: "a@example.org", Recipient: "b@example.com"})

	target := &testTransport{Delivered: make(chan Msg, 16)}
	q := New(fs, target, native.Default("mx.example.org"), 4, testutils.Logger(t, "queue"))
	q.timers = newTimerQueue(q.dispatch)
	defer q.timers.Close()

	// Racing delivery of the same entry: the send_start rename makes all
	// but one of them lose.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.tryDelivery(entries[0])
		}()
	}
	wg.Wait()

	if n := target.Attempts(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRecoveredEntriesDelivered(t *testing.T) {
	fs := newTestFS(t)

	// A mail written by a previous process instance.
	w, err := fs.Enqueue([]Metadata{{Sender: "a@example.org", Recipient: "b@example.com"}},
		policy.Schedule{NextAttempt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "old msg\r\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	target := &testTransport{Delivered: make(chan Msg, 1)}
	q := New(fs, target, native.Default("mx.example.org"), 1, testutils.Logger(t, "queue"))
	q.postInitDelay = 0
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	msg := waitMsg(t, target.Delivered)
	if !bytes.Equal(msg.Body, []byte("old msg\r\n")) {
		t.Errorf("body = %q", msg.Body)
	}
}
