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

// Package queue keeps accepted mail on disk, one entry per recipient, and
// relays each entry to the configured transport with retries until it
// succeeds, bounces or is given up on by the policy.
//
// The package is split in two halves: FS owns the on-disk layout and the
// atomic state transitions (see fs.go for the crash-safety argument),
// Queue owns scheduling, delivery attempts and the policy hook calls that
// decide between retry and bounce.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/log"
	"github.com/Ekleog/kannader/framework/policy"
	"golang.org/x/sync/semaphore"
)

// Transport attempts the delivery of one message to the next hop. It is
// the boundary to the SMTP client side: the queue hands it the envelope
// metadata and a contents stream and classifies the returned error using
// the exterrors.Temporary() convention (errors without a Temporary method
// count as transient).
type Transport interface {
	Deliver(ctx context.Context, meta Metadata, contents io.Reader) error
}

// dontRecover controls the behavior of the panic handlers; tests set it so
// that bugs are not masked by the recovery path.
var dontRecover = false

const (
	// Fallback delay used when the schedule_retry hook itself fails.
	policyFailureDelay = 15 * time.Minute

	// Hard cap on attempts, reached only when schedule_retry keeps failing
	// (a working policy bounces long before). Keeps a permanently broken
	// policy from retrying entries forever.
	maxAttemptsHardCap = 50

	// Size cap on the header section passed to build_bounce.
	maxBounceHeader = 64 * 1024
)

type Queue struct {
	fs     *FS
	target Transport
	policy policy.Instance

	timers      *timerQueue
	deliveryWg  sync.WaitGroup
	deliverySem *semaphore.Weighted

	// If a recovered delivery is scheduled in less than postInitDelay
	// after startup, its delay is increased to postInitDelay. This way a
	// process that is killed shortly after start-up does not burn delivery
	// attempts on every restart.
	postInitDelay time.Duration

	Log log.Logger
}

func New(fs *FS, target Transport, pol policy.Instance, maxParallelism int, logger log.Logger) *Queue {
	if maxParallelism < 1 {
		maxParallelism = 1
	}
	return &Queue{
		fs:            fs,
		target:        target,
		policy:        pol,
		deliverySem:   semaphore.NewWeighted(int64(maxParallelism)),
		postInitDelay: 10 * time.Second,
		Log:           logger,
	}
}

// Start runs crash recovery and schedules everything found in the queue.
func (q *Queue) Start() error {
	q.timers = newTimerQueue(q.dispatch)

	entries, err := q.fs.Recover()
	if err != nil {
		q.timers.Close()
		return err
	}

	for _, e := range entries {
		when := e.Schedule.NextAttempt
		if time.Until(when) < q.postInitDelay {
			when = time.Now().Add(q.postInitDelay)
		}
		q.timers.Schedule(when, e)
	}
	if len(entries) != 0 {
		q.Log.Printf("loaded %d saved queue entries", len(entries))
	}

	return nil
}

func (q *Queue) Close() error {
	q.timers.Close()
	q.deliveryWg.Wait()
	return nil
}

// Delivery is an in-progress enqueue as seen by the server engine: write
// the message body, then Commit. The 2xx reply to the client must not be
// sent before Commit returns.
type Delivery struct {
	q *Queue
	w *MailWriter
}

// Enqueue starts the enqueue protocol for a mail with one entry per
// element of metas, scheduled for immediate delivery.
func (q *Queue) Enqueue(metas []Metadata) (*Delivery, error) {
	w, err := q.fs.Enqueue(metas, policy.Schedule{NextAttempt: time.Now()})
	if err != nil {
		return nil, err
	}
	return &Delivery{q: q, w: w}, nil
}

func (d *Delivery) Write(p []byte) (int, error) {
	return d.w.Write(p)
}

func (d *Delivery) Commit() error {
	entries, err := d.w.Commit()
	if err != nil {
		return err
	}
	queuedMsgs.Inc()
	for _, e := range entries {
		d.q.timers.Schedule(e.Schedule.NextAttempt, e)
	}
	return nil
}

func (d *Delivery) Abort() {
	d.w.Abort()
}

func (q *Queue) dispatch(e Entry) {
	q.deliveryWg.Add(1)
	go func() {
		if err := q.deliverySem.Acquire(context.Background(), 1); err != nil {
			q.deliveryWg.Done()
			return
		}
		defer func() {
			q.deliverySem.Release(1)
			q.deliveryWg.Done()

			if dontRecover {
				return
			}
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during delivery of %s: %v\n%s", e.EntryID, err, stack)
			}
		}()

		q.tryDelivery(e)
	}()
}

func (q *Queue) entryLogger(e Entry) log.Logger {
	l := q.Log
	l.Fields = map[string]interface{}{
		"mail_id":  e.MailID,
		"entry_id": e.EntryID,
	}
	return l
}

func (q *Queue) tryDelivery(e Entry) {
	dl := q.entryLogger(e)

	if err := q.fs.SendStart(e.EntryID); err != nil {
		if err == ErrLostRace {
			dl.Debugf("lost the send_start race")
			return
		}
		dl.Error("send_start failed", err)
		return
	}

	meta, sched, err := q.fs.ReadInflight(e.EntryID)
	if err != nil {
		// The entry is unreadable; push it out and let a later attempt (or
		// an operator) deal with it.
		dl.Error("failed to read entry", err)
		sched.AttemptCount = e.Schedule.AttemptCount
		q.requeue(dl, e, sched, time.Now().Add(policyFailureDelay))
		return
	}

	attemptedDeliveries.Inc()
	attemptStart := time.Now()

	deliveryErr := q.deliverOnce(e, meta)

	if deliveryErr == nil {
		dl.Msg("delivered", "rcpt", meta.Recipient, "attempt", sched.AttemptCount+1)
		completedDeliveries.Inc()
		if err := q.fs.SendDone(e.EntryID); err != nil {
			dl.Error("send_done failed", err)
		}
		return
	}

	dl.Error("delivery attempt failed", deliveryErr, "rcpt", meta.Recipient, "attempt", sched.AttemptCount+1)

	permanent := !exterrors.IsTemporaryOrUnspec(deliveryErr)
	if !permanent {
		retry, err := policy.ScheduleRetry(context.Background(), q.policy, &policy.RetryRequest{
			Meta:     meta.Policy,
			Schedule: sched,
			Kind:     policy.FailureTransient,
			Reason:   deliveryErr.Error(),
		})
		switch {
		case err != nil && sched.AttemptCount+1 >= maxAttemptsHardCap:
			dl.Error("schedule_retry keeps failing, giving up on the entry", err)
			permanent = true
		case err != nil:
			dl.Error("schedule_retry failed, using fallback delay", err)
			retry = &policy.RetryResponse{NextAttempt: time.Now().Add(policyFailureDelay)}
		case retry.Bounce:
			dl.Msg("policy requested a bounce", "rcpt", meta.Recipient)
			permanent = true
		}

		if !permanent {
			newSched := policy.Schedule{
				NextAttempt:  retry.NextAttempt,
				LastAttempt:  &attemptStart,
				AttemptCount: sched.AttemptCount + 1,
			}
			dl.Msg("will retry", "rcpt", meta.Recipient,
				"attempt_count", newSched.AttemptCount,
				"next_try_delay", time.Until(newSched.NextAttempt))
			q.requeue(dl, e, newSched, newSched.NextAttempt)
			return
		}
	}

	// Permanent failure: synthesize a bounce (unless the sender is the
	// null reverse-path), then dispose of the entry. A failed bounce
	// enqueue never blocks the cleanup: the failure is logged and the
	// entry still leaves the queue, exactly like an MTA whose double
	// bounce is dropped.
	q.emitBounce(dl, e, meta, deliveryErr)
	dl.Msg("not delivered, permanent error", "rcpt", meta.Recipient)
	if err := q.fs.SendDone(e.EntryID); err != nil {
		dl.Error("send_done failed", err)
	}
}

// deliverOnce runs a single relay attempt.
func (q *Queue) deliverOnce(e Entry, meta Metadata) error {
	contents, err := q.fs.OpenContents(e.EntryID)
	if err != nil {
		return exterrors.WithTemporary(err, true)
	}
	defer contents.Close()

	return q.target.Deliver(context.Background(), meta, contents)
}

// requeue makes the updated schedule durable, returns the entry to queue/
// and arms the timer.
func (q *Queue) requeue(dl log.Logger, e Entry, sched policy.Schedule, when time.Time) {
	sched.NextAttempt = when
	if err := q.fs.SendCancel(e.EntryID, sched); err != nil {
		dl.Error("send_cancel failed", err)
		return
	}
	q.timers.Schedule(when, Entry{MailID: e.MailID, EntryID: e.EntryID, Schedule: sched})
}

// toSMTPErr converts an arbitrary delivery error into the SMTPError
// reported inside the bounce.
func toSMTPErr(err error) *exterrors.SMTPError {
	res := &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = exterrors.EnhancedCode{4, 0, 0}
	}

	ctxInfo := exterrors.Fields(err)
	if ctxCode, ok := ctxInfo["smtp_code"].(int); ok {
		res.Code = ctxCode
	}
	if ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode); ok {
		res.EnhancedCode = ctxEnchCode
	}
	if ctxMsg, ok := ctxInfo["smtp_msg"].(string); ok {
		res.Message = ctxMsg
	}
	return res
}

func (q *Queue) emitBounce(dl log.Logger, e Entry, meta Metadata, deliveryErr error) {
	// Never bounce a bounce.
	if meta.Sender == "" {
		return
	}

	smtpErr := toSMTPErr(deliveryErr)
	bounce, err := policy.BuildBounce(context.Background(), q.policy, &policy.BounceRequest{
		Meta:      meta.Policy,
		Sender:    meta.Sender,
		Recipient: meta.Recipient,
		Code:      smtpErr.Code,
		Enhanced:  smtpErr.EnhancedCode,
		Reason:    smtpErr.Message,
		Header:    q.headerOf(e),
	})
	if err != nil {
		dl.Error("build_bounce failed, dropping the bounce", err)
		return
	}
	if bounce.Suppress {
		return
	}

	delivery, err := q.Enqueue([]Metadata{{
		Sender:    bounce.Sender,
		Recipient: bounce.Recipient,
		Policy:    bounce.Meta,
	}})
	if err != nil {
		dl.Error("failed to enqueue the bounce", err)
		return
	}
	if _, err := delivery.Write(bounce.Body); err != nil {
		delivery.Abort()
		dl.Error("failed to spool the bounce", err)
		return
	}
	if err := delivery.Commit(); err != nil {
		dl.Error("failed to commit the bounce", err)
		return
	}
	generatedBounces.Inc()
	dl.Msg("generated a bounce", "bounce_rcpt", bounce.Recipient)
}

// headerOf reads the header section of the entry's message for inclusion
// in a bounce report. Best-effort: a bounce without the original header is
// better than no bounce.
func (q *Queue) headerOf(e Entry) []byte {
	contents, err := q.fs.OpenContents(e.EntryID)
	if err != nil {
		return nil
	}
	defer contents.Close()

	blob, err := io.ReadAll(io.LimitReader(contents, maxBounceHeader))
	if err != nil {
		return nil
	}
	if idx := bytes.Index(blob, []byte("\r\n\r\n")); idx >= 0 {
		return blob[:idx+4]
	}
	return blob
}

// String implements fmt.Stringer for use in log fields.
func (e Entry) String() string {
	return fmt.Sprintf("%s/%s", e.MailID, e.EntryID)
}
