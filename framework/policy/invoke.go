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

package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/Ekleog/kannader/framework/exterrors"
)

// wrapErr converts an invocation failure into the error the caller
// propagates: always temporary, annotated with the hook name. At server
// hook points this surfaces as a 451, at queue hook points as a retry.
func wrapErr(hook string, err error) error {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
		Message:      "Internal server error",
		Hook:         hook,
		Err:          err,
	}
}

// Server invokes a server hook and decodes its Decision.
//
// Any failure of the instance itself (crash, undecodable response, bogus
// decision) is returned as a temporary error; the session engine turns it
// into a 451 without tearing the policy plane down.
func Server(ctx context.Context, inst Instance, hook string, req *ServerRequest) (*ServerResponse, error) {
	reqBlob, err := Marshal(req)
	if err != nil {
		return nil, wrapErr(hook, err)
	}

	respBlob, err := inst.Invoke(ctx, hook, reqBlob)
	if err != nil {
		return nil, wrapErr(hook, err)
	}

	resp := &ServerResponse{}
	if err := Unmarshal(respBlob, resp); err != nil {
		return nil, wrapErr(hook, fmt.Errorf("undecodable response: %w", err))
	}

	switch resp.Decision.Action {
	case ActionAccept, ActionReject, ActionKill:
	default:
		return nil, wrapErr(hook, fmt.Errorf("unknown action %q", resp.Decision.Action))
	}
	if code := resp.Decision.Reply.Code; code != 0 && (code < 200 || code > 599) {
		return nil, wrapErr(hook, fmt.Errorf("reply code %d out of range", code))
	}
	if resp.Decision.Action != ActionAccept && resp.Decision.Reply.Code == 0 {
		return nil, wrapErr(hook, fmt.Errorf("%s decision without a reply", resp.Decision.Action))
	}

	return resp, nil
}

// ScheduleRetry invokes the schedule_retry queue hook.
func ScheduleRetry(ctx context.Context, inst Instance, req *RetryRequest) (*RetryResponse, error) {
	reqBlob, err := Marshal(req)
	if err != nil {
		return nil, wrapErr(HookScheduleRetry, err)
	}

	respBlob, err := inst.Invoke(ctx, HookScheduleRetry, reqBlob)
	if err != nil {
		return nil, wrapErr(HookScheduleRetry, err)
	}

	resp := &RetryResponse{}
	if err := Unmarshal(respBlob, resp); err != nil {
		return nil, wrapErr(HookScheduleRetry, fmt.Errorf("undecodable response: %w", err))
	}
	if !resp.Bounce && resp.NextAttempt.IsZero() {
		return nil, wrapErr(HookScheduleRetry, fmt.Errorf("neither bounce nor next_attempt set"))
	}
	if !resp.Bounce && resp.NextAttempt.Before(time.Now().Add(-time.Hour)) {
		return nil, wrapErr(HookScheduleRetry, fmt.Errorf("next_attempt %v is in the distant past", resp.NextAttempt))
	}

	return resp, nil
}

// BuildBounce invokes the build_bounce queue hook.
func BuildBounce(ctx context.Context, inst Instance, req *BounceRequest) (*BounceResponse, error) {
	reqBlob, err := Marshal(req)
	if err != nil {
		return nil, wrapErr(HookBuildBounce, err)
	}

	respBlob, err := inst.Invoke(ctx, HookBuildBounce, reqBlob)
	if err != nil {
		return nil, wrapErr(HookBuildBounce, err)
	}

	resp := &BounceResponse{}
	if err := Unmarshal(respBlob, resp); err != nil {
		return nil, wrapErr(HookBuildBounce, fmt.Errorf("undecodable response: %w", err))
	}
	if !resp.Suppress {
		if resp.Recipient == "" {
			return nil, wrapErr(HookBuildBounce, fmt.Errorf("bounce without a recipient"))
		}
		if len(resp.Body) == 0 {
			return nil, wrapErr(HookBuildBounce, fmt.Errorf("bounce without a body"))
		}
	}

	return resp, nil
}
