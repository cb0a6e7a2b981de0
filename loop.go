// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xcbarrier

import (
	"errors"
	"runtime"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/mpsxc/xcbarrier/forward"
	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

// errReceiveTimeout is returned by receiver.ReceiveRequest when the
// blocking receive timed out with no message pending -- the liveness hedge
// described in SPEC_FULL.md section 5, never surfaced past runHandlerLoop.
var errReceiveTimeout = errors.New("xcbarrier: receive timeout")

// receiver is the seam that makes HandlerLoop's dispatch logic testable
// without a real kernel port: darwinPort (barrier_darwin.go, backed by
// internal/machshim's cgo calls) is the only production implementation,
// mirroring how jacobsa/fuse's Connection keeps
// readMessage/writeOutMessage behind an interface-shaped boundary from
// ReadOp/Reply.
type receiver interface {
	// ReceiveRequest blocks for up to timeout for the next exception
	// message, decoding it as REQUEST_STATE_IDENTITY_64. It returns
	// errReceiveTimeout (wrapped or not) if the deadline passed with no
	// message.
	ReceiveRequest(timeout time.Duration) (xcwire.Request, error)

	// SendReply transmits rep on req's reply port (rep.Header.RemotePort).
	SendReply(rep xcwire.Reply, ndr xcwire.NDR) error

	// SendForward re-encodes req for prev and transmits it to prev's port,
	// without awaiting a reply.
	SendForward(req xcwire.Request, prev forward.PreviousHandler, threadID uint64) error

	// GetThreadState re-acquires threadID's register file in the given
	// flavor via a kernel query, the same query SendForward makes whenever
	// prev's behavior carries thread state (STATE or STATE_IDENTITY).
	GetThreadState(threadID uint64, flavor int32) ([]uint32, error)
}

// runHandlerLoop is HandlerLoop (spec.md section 4.3): a single goroutine
// pinned to its OS thread for its entire lifetime, since the Mach receive
// right and this goroutine's kernel-visible identity must not migrate
// threads mid-receive.
func runHandlerLoop(r receiver, resolve ResolveFunc, timeout time.Duration, clock timeutil.Clock) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		req, err := r.ReceiveRequest(timeout)
		if err != nil {
			if errors.Is(err, errReceiveTimeout) {
				gDebugLogger.Printf("receive timeout at %s, retrying", clock.Now().Format(time.RFC3339))
				continue
			}
			fatal("xcbarrier: handler loop: receive failed: %v", err)
			return
		}

		handleOneRequest(r, resolve, req, previousHandlerFor)
	}
}

// handleOneRequest implements the per-request state machine of spec.md
// section 4.7: RECEIVING -> CLASSIFIED -> {RESOLVED, UNHANDLED} ->
// {REPLIED_OK, REPLIED_FAIL, FORWARDED}. Exactly one outbound message is
// emitted.
//
// prevLookup is threaded through as a parameter, rather than calling
// previousHandlerFor directly, so this function is testable against a
// fake previous-handler table without touching the package-wide
// barrierState singleton.
func handleOneRequest(r receiver, resolve ResolveFunc, req xcwire.Request, prevLookup func(uint64) forward.PreviousHandler) {
	if err := classify(req); err != nil {
		fatal("xcbarrier: handler loop: malformed request: %v", err)
		return
	}

	threadID := uint64(req.Thread.Name)

	if req.Code[0] != xcwire.ProtectionFailure {
		replyFailure(r, req)
		return
	}

	addr := uintptr(req.Code[1])
	handled, newState := callResolver(resolve, req, addr, AccessRead|AccessWrite)

	if handled {
		replySuccess(r, req, newState)
		return
	}

	prev := prevLookup(threadID)
	if prev.Port == forward.NullPort {
		replyFailure(r, req)
		return
	}

	if err := r.SendForward(req, prev, threadID); err != nil {
		gErrorLogger.Printf("forward failed, falling back to failure reply: %v", err)
		replyFailure(r, req)
	}
}

// classify asserts the invariants HandlerLoop requires of every received
// message before it touches the resolver: expected exception kind, code
// count. (Message ID, local-port, task and state_flavor matching are
// asserted by the receiver implementation inside ReceiveRequest -- see
// darwinPort.ReceiveRequest in barrier_darwin.go -- since only it knows the
// port, task and flavor identities to compare against.)
func classify(req xcwire.Request) error {
	if req.Exception != xcwire.ExceptionBadAccess {
		return errors.New("exception kind is not BAD_ACCESS")
	}
	if req.CodeCnt != 2 {
		return errors.New("code count is not 2")
	}
	return nil
}

func replySuccess(r receiver, req xcwire.Request, newState [xcwire.MaxStateWords]uint32) {
	rep := buildReply(req, xcwire.KernSuccess, newState)
	if err := r.SendReply(rep, req.NDR); err != nil {
		fatal("xcbarrier: handler loop: send reply failed: %v", err)
	}
}

func replyFailure(r receiver, req xcwire.Request) {
	rep := buildReply(req, xcwire.KernFailure, req.OldState)
	if err := r.SendReply(rep, req.NDR); err != nil {
		fatal("xcbarrier: handler loop: send reply failed: %v", err)
	}
}
