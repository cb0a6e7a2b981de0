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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mpsxc/xcbarrier/forward"
	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

// fakeReceiver is the test double for the receiver interface: it records
// every reply and forward it is asked to send, so tests can assert on
// outbound traffic without a real kernel port.
type fakeReceiver struct {
	replies    []xcwire.Reply
	forwards   []forward.PreviousHandler
	forwardErr error
	replyErr   error
	stateWords []uint32
}

func (f *fakeReceiver) ReceiveRequest(time.Duration) (xcwire.Request, error) {
	return xcwire.Request{}, errors.New("fakeReceiver: ReceiveRequest not used by these tests")
}

func (f *fakeReceiver) SendReply(rep xcwire.Reply, ndr xcwire.NDR) error {
	f.replies = append(f.replies, rep)
	return f.replyErr
}

func (f *fakeReceiver) SendForward(req xcwire.Request, prev forward.PreviousHandler, threadID uint64) error {
	f.forwards = append(f.forwards, prev)
	return f.forwardErr
}

func (f *fakeReceiver) GetThreadState(threadID uint64, flavor int32) ([]uint32, error) {
	return f.stateWords, nil
}

func faultRequest() xcwire.Request {
	req := xcwire.Request{
		Header:        xcwire.MsgHeader{RemotePort: 0xa01, ID: xcwire.MsgIDRequestStateIdentity64},
		Thread:        xcwire.PortDescriptor{Name: 0x42},
		Exception:     xcwire.ExceptionBadAccess,
		CodeCnt:       2,
		Code:          [2]int64{xcwire.ProtectionFailure, 0x100000},
		Flavor:        7,
		OldStateCount: 2,
	}
	req.OldState[0] = 0xAAAA
	req.OldState[1] = 0xBBBB
	return req
}

func noPrevHandler(uint64) forward.PreviousHandler { return forward.PreviousHandler{} }

// TestHandleOneRequest_ResolvedFault covers end-to-end scenario 1: a
// resolved protection fault replies SUCCESS with the original state.
func TestHandleOneRequest_ResolvedFault(t *testing.T) {
	req := faultRequest()
	r := &fakeReceiver{}

	resolve := func(addr uintptr, mode AccessMode, ctx *MutatorFaultContext) bool {
		if addr != 0x100000 {
			t.Errorf("resolver called with addr %#x, want 0x100000", addr)
		}
		return true
	}

	handleOneRequest(r, resolve, req, noPrevHandler)

	if len(r.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(r.replies))
	}
	rep := r.replies[0]
	if rep.RetCode != xcwire.KernSuccess {
		t.Errorf("ret_code = %d, want KernSuccess", rep.RetCode)
	}
	if rep.Header.ID != xcwire.MsgIDRequestStateIdentity64+xcwire.ReplyOffset {
		t.Errorf("msg_id = %d, want %d", rep.Header.ID, xcwire.MsgIDRequestStateIdentity64+xcwire.ReplyOffset)
	}
	if rep.NewState[0] != req.OldState[0] || rep.NewState[1] != req.OldState[1] {
		t.Errorf("state not preserved: got %v, want %v", rep.NewState[:2], req.OldState[:2])
	}
	if len(r.forwards) != 0 {
		t.Errorf("expected no forward, got %d", len(r.forwards))
	}
}

// TestHandleOneRequest_UnhandledNoPriorHandler covers scenario 2.
func TestHandleOneRequest_UnhandledNoPriorHandler(t *testing.T) {
	req := faultRequest()
	r := &fakeReceiver{}

	resolve := func(uintptr, AccessMode, *MutatorFaultContext) bool { return false }

	handleOneRequest(r, resolve, req, noPrevHandler)

	if len(r.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(r.replies))
	}
	if r.replies[0].RetCode != xcwire.KernFailure {
		t.Errorf("ret_code = %d, want KernFailure", r.replies[0].RetCode)
	}
	if len(r.forwards) != 0 {
		t.Errorf("expected no forward when no previous handler exists, got %d", len(r.forwards))
	}
}

// TestHandleOneRequest_NonProtectionSubkind covers scenario 3: the
// resolver is never invoked.
func TestHandleOneRequest_NonProtectionSubkind(t *testing.T) {
	req := faultRequest()
	req.Code = [2]int64{1 /* KERN_INVALID_ADDRESS */, 0}
	r := &fakeReceiver{}

	called := false
	resolve := func(uintptr, AccessMode, *MutatorFaultContext) bool {
		called = true
		return true
	}

	handleOneRequest(r, resolve, req, noPrevHandler)

	if called {
		t.Error("resolver should not be invoked for a non-protection sub-kind")
	}
	if len(r.replies) != 1 || r.replies[0].RetCode != xcwire.KernFailure {
		t.Errorf("expected a single KernFailure reply, got %+v", r.replies)
	}
}

// TestHandleOneRequest_ForwardsWhenUnhandledWithPriorHandler exercises the
// forwarding branch of the state machine directly (the wire-level detail
// of scenario 5 is covered in forward_test.go).
func TestHandleOneRequest_ForwardsWhenUnhandledWithPriorHandler(t *testing.T) {
	req := faultRequest()
	r := &fakeReceiver{}
	prev := forward.PreviousHandler{Port: 0x77, Behavior: xcwire.BehaviorDefault, Width: xcwire.Width32}

	resolve := func(uintptr, AccessMode, *MutatorFaultContext) bool { return false }

	handleOneRequest(r, resolve, req, func(uint64) forward.PreviousHandler { return prev })

	if len(r.forwards) != 1 {
		t.Fatalf("got %d forwards, want 1", len(r.forwards))
	}
	if r.forwards[0].Port != 0x77 {
		t.Errorf("forwarded to port %#x, want 0x77", r.forwards[0].Port)
	}
	if len(r.replies) != 0 {
		t.Errorf("expected no reply when forwarding succeeds, got %d", len(r.replies))
	}
}

// TestHandleOneRequest_ForwardFailureFallsBackToFailureReply covers the
// Forwarder's documented fallback: if the send fails, reply FAILURE rather
// than hang the faulting thread.
func TestHandleOneRequest_ForwardFailureFallsBackToFailureReply(t *testing.T) {
	req := faultRequest()
	r := &fakeReceiver{forwardErr: errors.New("send failed")}
	prev := forward.PreviousHandler{Port: 0x77}

	resolve := func(uintptr, AccessMode, *MutatorFaultContext) bool { return false }

	handleOneRequest(r, resolve, req, func(uint64) forward.PreviousHandler { return prev })

	if len(r.forwards) != 1 {
		t.Fatalf("got %d forward attempts, want 1", len(r.forwards))
	}
	if len(r.replies) != 1 || r.replies[0].RetCode != xcwire.KernFailure {
		t.Errorf("expected a fallback KernFailure reply, got %+v", r.replies)
	}
}

// TestClassifyRejectsBadCodeCount covers the boundary behavior: a message
// with codeCnt != 2 is rejected as malformed.
func TestClassifyRejectsBadCodeCount(t *testing.T) {
	req := faultRequest()
	req.CodeCnt = 1

	if err := classify(req); err == nil {
		t.Error("expected classify to reject a code count of 1")
	}
}

func TestClassifyRejectsWrongExceptionKind(t *testing.T) {
	req := faultRequest()
	req.Exception = 99

	if err := classify(req); err == nil {
		t.Error("expected classify to reject a non-BAD_ACCESS exception kind")
	}
}

// stubFatal replaces the package-wide fatal hook with one that records its
// call and panics instead of exiting the test binary, in the style
// SPEC_FULL.md section 7 documents; it restores the original on cleanup.
func stubFatal(t *testing.T) *bool {
	t.Helper()
	called := false
	orig := fatal
	fatal = func(format string, args ...interface{}) {
		called = true
		panic("fatal: " + fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { fatal = orig })
	return &called
}

// TestHandleOneRequest_MalformedRequestIsFatal covers the "unexpected
// malformed" taxonomy entry (SPEC_FULL.md section 7): a request that fails
// classify's invariants terminates the process via fatal rather than being
// forwarded or replied to.
func TestHandleOneRequest_MalformedRequestIsFatal(t *testing.T) {
	called := stubFatal(t)
	req := faultRequest()
	req.CodeCnt = 1
	r := &fakeReceiver{}

	defer func() {
		recover()
		if !*called {
			t.Error("expected fatal to be called for a malformed request")
		}
		if len(r.replies) != 0 || len(r.forwards) != 0 {
			t.Errorf("expected no reply or forward once fatal has fired, got replies=%d forwards=%d", len(r.replies), len(r.forwards))
		}
	}()

	handleOneRequest(r, func(uintptr, AccessMode, *MutatorFaultContext) bool { return true }, req, noPrevHandler)
}

// TestHandleOneRequest_SendReplyFailureIsFatal covers the "fatal kernel"
// taxonomy entry: a send failure while replying SUCCESS is unrecoverable,
// matching loop.go's replySuccess/replyFailure call sites.
func TestHandleOneRequest_SendReplyFailureIsFatal(t *testing.T) {
	called := stubFatal(t)
	req := faultRequest()
	r := &fakeReceiver{replyErr: errors.New("mach_msg send failed")}

	defer func() {
		recover()
		if !*called {
			t.Error("expected fatal to be called when SendReply fails")
		}
	}()

	handleOneRequest(r, func(uintptr, AccessMode, *MutatorFaultContext) bool { return true }, req, noPrevHandler)
}

// TestSetupIdempotent covers end-to-end scenario 4: calling Setup from
// many goroutines concurrently must not race and must yield a single
// outcome. A real kernel port's uniqueness can only be observed on
// Darwin; here we assert the onceGuard itself never lets two different
// errors escape, which holds on every platform including the
// ErrUnsupportedPlatform path exercised by this non-Darwin test run.
func TestSetupIdempotent(t *testing.T) {
	const n = 10
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = Setup(func(uintptr, AccessMode, *MutatorFaultContext) bool { return true }, nil)
		}()
	}
	wg.Wait()

	first := errs[0]
	for i, err := range errs {
		if !errors.Is(err, first) && err != first {
			t.Errorf("Setup call %d returned %v, want the same outcome as call 0 (%v)", i, err, first)
		}
	}
}
