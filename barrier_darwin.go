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

	"github.com/mpsxc/xcbarrier/forward"
	"github.com/mpsxc/xcbarrier/internal/machshim"
	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

// darwinPort is the production receiverPort: a thin adapter from
// loop.go's receiver interface and state.go's registration hooks onto
// internal/machshim's cgo-backed Mach calls.
type darwinPort struct {
	port   machshim.Port
	flavor int32
	task   uint64
}

func newPort() (receiverPort, error) {
	runtime.LockOSThread()

	port, err := machshim.AllocateReceivePort()
	if err != nil {
		return nil, err
	}

	p := &darwinPort{port: port, flavor: machshim.NativeFlavor(), task: machshim.TaskSelf()}
	return p, nil
}

func (p *darwinPort) threadSelf() uint64 {
	return machshim.ThreadSelf()
}

func (p *darwinPort) registerThread(threadID uint64) (forward.PreviousHandler, error) {
	oldPort, oldBehavior, oldFlavor, err := machshim.SwapExceptionPorts(threadID, p.port, p.flavor)
	if err != nil {
		return forward.PreviousHandler{}, err
	}

	behavior, width := decodeOldBehavior(oldBehavior)

	return forward.PreviousHandler{
		Port:     uint32(oldPort),
		Behavior: behavior,
		Width:    width,
		Flavor:   oldFlavor,
	}, nil
}

// decodeOldBehavior splits the raw exception_behavior_t the kernel
// returns (a behavior enum possibly OR'd with MACH_EXCEPTION_CODES) into
// this package's Behavior/CodeWidth pair.
func decodeOldBehavior(raw int32) (xcwire.Behavior, xcwire.CodeWidth) {
	const machExceptionCodes = -0x80000000 // MACH_EXCEPTION_CODES (0x80000000) as an int32
	const behaviorMask = ^int32(machExceptionCodes)

	width := xcwire.Width32
	if raw&machExceptionCodes != 0 {
		width = xcwire.Width64
	}

	switch raw & behaviorMask {
	case 1: // EXCEPTION_DEFAULT
		return xcwire.BehaviorDefault, width
	case 2: // EXCEPTION_STATE
		return xcwire.BehaviorState, width
	case 3: // EXCEPTION_STATE_IDENTITY
		return xcwire.BehaviorStateIdentity, width
	default:
		return xcwire.BehaviorDefault, width
	}
}

func (p *darwinPort) ReceiveRequest(timeout time.Duration) (xcwire.Request, error) {
	buf, err := machshim.Receive(p.port, timeout)
	if err != nil {
		if errors.Is(err, machshim.ErrTimeout) {
			return xcwire.Request{}, errReceiveTimeout
		}
		return xcwire.Request{}, err
	}

	req, err := xcwire.DecodeStateIdentity64(buf)
	if err != nil {
		return xcwire.Request{}, err
	}

	if req.Header.ID != xcwire.MsgIDRequestStateIdentity64 {
		return xcwire.Request{}, errors.New("xcbarrier: unexpected msgh_id on our port")
	}
	if req.Header.LocalPort != uint32(p.port) {
		return xcwire.Request{}, errors.New("xcbarrier: message local_port does not match our port")
	}
	if req.Task.Name != uint32(p.task) {
		return xcwire.Request{}, errors.New("xcbarrier: message task does not match mach_task_self")
	}
	if req.Flavor != p.flavor {
		return xcwire.Request{}, errors.New("xcbarrier: message state_flavor does not match the registered flavor")
	}

	return req, nil
}

func (p *darwinPort) SendReply(rep xcwire.Reply, ndr xcwire.NDR) error {
	return machshim.Send(xcwire.EncodeReply(rep, ndr))
}

func (p *darwinPort) SendForward(req xcwire.Request, prev forward.PreviousHandler, threadID uint64) error {
	return forward.Forward(req, prev, threadID, p.getThreadStateWords, machshimSender{})
}

func (p *darwinPort) GetThreadState(threadID uint64, flavor int32) ([]uint32, error) {
	return p.getThreadStateWords(threadID, flavor)
}

func (p *darwinPort) getThreadStateWords(threadID uint64, flavor int32) ([]uint32, error) {
	return machshim.GetThreadState(threadID, flavor, xcwire.MaxStateWords)
}

// machshimSender adapts machshim.Send to forward.Sender's explicit-
// destination shape. machshim.Send trusts the header already encoded in
// msg (msgh_remote_port) to name the destination, matching how
// xcwire.EncodeForBehavior and ReplyBuilder both bake the destination into
// the header before handing bytes to the sender.
type machshimSender struct{}

func (machshimSender) SendRaw(destPort uint32, msg []byte) error {
	_ = destPort
	return machshim.Send(msg)
}
