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

// Package native implements the policy.Instance interface on top of
// in-process Go functions.
//
// It still speaks the serialized hook protocol: requests are decoded and
// responses re-encoded exactly as they would be for an out-of-process blob.
// This keeps the native policy honest about the contract and lets tests
// exercise the same code paths a sandboxed blob goes through.
package native

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Ekleog/kannader/framework/exterrors"
	"github.com/Ekleog/kannader/framework/policy"
	"github.com/Ekleog/kannader/internal/dsn"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Funcs is the set of Go functions backing a native policy instance.
// A nil Server accepts everything and a nil Retry uses DefaultRetry. A nil
// Bounce has no fallback: build_bounce then fails with an error (Default
// sets it to DefaultBounce).
type Funcs struct {
	Server func(hook string, req *policy.ServerRequest) (*policy.ServerResponse, error)
	Retry  func(req *policy.RetryRequest) (*policy.RetryResponse, error)
	Bounce func(req *policy.BounceRequest) (*policy.BounceResponse, error)
}

type instance struct {
	funcs Funcs
}

// New returns a policy instance dispatching to the passed functions.
// The instance is safe for concurrent use as long as the functions are.
func New(funcs Funcs) policy.Instance {
	return &instance{funcs: funcs}
}

func (i *instance) Invoke(ctx context.Context, hook string, request []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			// A panicking hook must look exactly like a crashed blob.
			resp = nil
			err = fmt.Errorf("native: hook %s panicked: %v", hook, r)
		}
	}()

	switch hook {
	case policy.HookScheduleRetry:
		req := &policy.RetryRequest{}
		if err := policy.Unmarshal(request, req); err != nil {
			return nil, fmt.Errorf("native: %s: %w", hook, err)
		}
		fn := i.funcs.Retry
		if fn == nil {
			fn = DefaultRetry
		}
		r, err := fn(req)
		if err != nil {
			return nil, err
		}
		return policy.Marshal(r)

	case policy.HookBuildBounce:
		req := &policy.BounceRequest{}
		if err := policy.Unmarshal(request, req); err != nil {
			return nil, fmt.Errorf("native: %s: %w", hook, err)
		}
		fn := i.funcs.Bounce
		if fn == nil {
			return nil, fmt.Errorf("native: %s: no bounce builder configured", hook)
		}
		r, err := fn(req)
		if err != nil {
			return nil, err
		}
		return policy.Marshal(r)

	default:
		req := &policy.ServerRequest{}
		if err := policy.Unmarshal(request, req); err != nil {
			return nil, fmt.Errorf("native: %s: %w", hook, err)
		}
		var r *policy.ServerResponse
		if i.funcs.Server != nil {
			var err error
			r, err = i.funcs.Server(hook, req)
			if err != nil {
				return nil, err
			}
		}
		if r == nil {
			r = &policy.ServerResponse{Decision: policy.Decision{Action: policy.ActionAccept}}
		}
		if hook == policy.HookDataEnd && r.Decision.Action == policy.ActionAccept && r.Meta == nil {
			// The engine expects one metadata blob per recipient.
			r.Meta = make([]policy.RawMeta, len(req.Recipients))
			for n := range r.Meta {
				blob, err := policy.Marshal(map[string]string{})
				if err != nil {
					return nil, err
				}
				r.Meta[n] = blob
			}
		}
		return policy.Marshal(r)
	}
}

func (i *instance) Close() error {
	return nil
}

// Retry backoff defaults. The delay before attempt N is
// retryInitial * retryScale ^ (N - 1), N starting at 1.
const (
	retryInitial  = 15 * time.Minute
	retryScale    = 1.25
	retryMaxTries = 20
)

// DefaultRetry is the retry schedule used when no explicit Retry function
// is configured: exponential backoff with a hard cap on the attempt count.
func DefaultRetry(req *policy.RetryRequest) (*policy.RetryResponse, error) {
	if req.Schedule.AttemptCount >= retryMaxTries {
		return &policy.RetryResponse{Bounce: true}, nil
	}
	delay := time.Duration(float64(retryInitial) * math.Pow(retryScale, float64(req.Schedule.AttemptCount)))
	return &policy.RetryResponse{
		NextAttempt: time.Now().Add(delay),
	}, nil
}

// DefaultBounce returns a Bounce function generating RFC 3464 reports on
// behalf of the named MTA.
func DefaultBounce(hostname string) func(req *policy.BounceRequest) (*policy.BounceResponse, error) {
	return func(req *policy.BounceRequest) (*policy.BounceResponse, error) {
		// The null reverse-path never gets a bounce, the queue enforces
		// this too.
		if req.Sender == "" {
			return &policy.BounceResponse{Suppress: true}, nil
		}

		var failedHeader textproto.Header
		if len(req.Header) != 0 {
			var err error
			failedHeader, err = textproto.ReadHeader(bufio.NewReader(bytes.NewReader(req.Header)))
			if err != nil {
				// A bounce without the original header beats no bounce.
				failedHeader = textproto.Header{}
			}
		}

		enhanced := exterrors.EnhancedCode(req.Enhanced)
		if enhanced[0] == 0 {
			enhanced = exterrors.EnhancedCode{req.Code / 100, 0, 0}
		}

		dsnID := uuid.New().String()
		report := dsn.Report{
			MsgID: "<" + dsnID + "@" + hostname + ">",
			From:  "MAILER-DAEMON@" + hostname,
			To:    req.Sender,

			ReportingMTA:    hostname,
			Sender:          req.Sender,
			ArrivalDate:     time.Now(),
			LastAttemptDate: time.Now(),

			Failures: []dsn.Failure{{
				Recipient: req.Recipient,
				Action:    dsn.ActionFailed,
				Status:    enhanced,
				Diagnostic: &exterrors.SMTPError{
					Code:         req.Code,
					EnhancedCode: enhanced,
					Message:      req.Reason,
				},
			}},
		}

		var body bytes.Buffer
		hdr, err := report.Generate(false, failedHeader, &body)
		if err != nil {
			return nil, err
		}

		var full bytes.Buffer
		if err := textproto.WriteHeader(&full, hdr); err != nil {
			return nil, err
		}
		if _, err := full.Write(body.Bytes()); err != nil {
			return nil, err
		}

		return &policy.BounceResponse{
			Sender:    "",
			Recipient: req.Sender,
			Body:      full.Bytes(),
		}, nil
	}
}

// Default returns the all-accept relay policy used when no blob is
// configured: every server hook accepts, retries follow the default
// backoff, bounces are RFC 3464 reports from hostname.
func Default(hostname string) policy.Instance {
	return New(Funcs{
		Bounce: DefaultBounce(hostname),
	})
}
