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

package proc

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/Ekleog/kannader/framework/policy"
	"github.com/Ekleog/kannader/internal/testutils"
)

// The test binary doubles as the policy blob: when the capability grants
// carry the child marker, TestMain speaks the frame protocol on
// stdin/stdout instead of running tests.
const childMarker = "/kannader-proc-test-child"

func TestMain(m *testing.M) {
	if strings.Contains(os.Getenv("KANNADER_FS_READ"), childMarker) {
		runChild()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runChild() {
	for {
		blob, err := readFrame(os.Stdin)
		if err != nil {
			if err == io.EOF {
				return
			}
			os.Exit(1)
		}
		req := request{}
		if err := policy.Unmarshal(blob, &req); err != nil {
			os.Exit(1)
		}

		switch req.Hook {
		case "crash-now":
			os.Exit(1)
		case "fail-inband":
			respBlob, _ := policy.Marshal(response{Err: "hook refused"})
			if err := writeFrame(os.Stdout, respBlob); err != nil {
				os.Exit(1)
			}
		default:
			body, _ := policy.Marshal(&policy.ServerResponse{
				Decision: policy.Decision{Action: policy.ActionAccept},
			})
			respBlob, _ := policy.Marshal(response{Body: body})
			if err := writeFrame(os.Stdout, respBlob); err != nil {
				os.Exit(1)
			}
		}
	}
}

func newChild(t *testing.T) *Instance {
	t.Helper()
	inst, err := New(os.Args[0], "/dev/null", policy.Grants{
		FSRead: []string{childMarker},
	}, testutils.Logger(t, "proc"))
	if err != nil {
		t.Fatal("New:", err)
	}
	t.Cleanup(func() {
		if err := inst.Close(); err != nil {
			t.Error("Close:", err)
		}
	})
	return inst
}

func serverReq(t *testing.T) []byte {
	t.Helper()
	blob, err := policy.Marshal(&policy.ServerRequest{
		Session: policy.SessionInfo{RemoteAddr: "192.0.2.1:1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func TestInvoke(t *testing.T) {
	inst := newChild(t)

	resp, err := policy.Server(context.Background(), inst, policy.HookHelo, &policy.ServerRequest{})
	if err != nil {
		t.Fatal("Server:", err)
	}
	if resp.Decision.Action != policy.ActionAccept {
		t.Errorf("action = %q", resp.Decision.Action)
	}
}

func TestInbandError(t *testing.T) {
	inst := newChild(t)

	_, err := inst.Invoke(context.Background(), "fail-inband", serverReq(t))
	if err == nil || !strings.Contains(err.Error(), "hook refused") {
		t.Fatalf("err = %v, want the in-band error", err)
	}

	// The child is still alive and consistent.
	if _, err := inst.Invoke(context.Background(), policy.HookNoop, serverReq(t)); err != nil {
		t.Fatal("invoke after in-band error:", err)
	}
}

func TestCrashAndRestart(t *testing.T) {
	inst := newChild(t)

	if _, err := inst.Invoke(context.Background(), "crash-now", serverReq(t)); err == nil {
		t.Fatal("crash did not surface as an error")
	}

	// The next invocation respawns the blob.
	if _, err := inst.Invoke(context.Background(), policy.HookNoop, serverReq(t)); err != nil {
		t.Fatal("invoke after crash:", err)
	}
}

func TestAvailable(t *testing.T) {
	if err := Available(os.Args[0]); err != nil {
		t.Errorf("test binary reported unavailable: %v", err)
	}
	if err := Available("/nonexistent/policy.blob"); err == nil {
		t.Error("nonexistent blob reported available")
	}
}
