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

// Package forward re-encodes an exception request into the wire layout a
// previously installed handler expects and hands it to a Sender, without
// waiting for that handler's reply.
package forward

import (
	"fmt"

	"github.com/mpsxc/xcbarrier/internal/xcwire"
)

// NullPort is the Mach NULL_PORT value. A PreviousHandler with Port ==
// NullPort means there is no prior handler to forward to: Forward returns
// an error for it, and HandlerLoop sends a FAILURE reply instead of
// forwarding, which asks the kernel to escalate to the next outer scope.
const NullPort = 0

// PreviousHandler is the record swap_exception_ports returns when this
// package's port is installed over whatever was there before: the old
// port, the behavior family it expected, and (for STATE/STATE_IDENTITY
// behaviors) the thread-state flavor it registered with.
type PreviousHandler struct {
	Port     uint32
	Behavior xcwire.Behavior
	Width    xcwire.CodeWidth
	Flavor   int32
}

// ThreadStateFunc re-acquires a faulting thread's register file in the
// given flavor, via a kernel query (thread_get_state), for forwarding to a
// handler whose behavior carries thread state (STATE or STATE_IDENTITY).
// Forward calls it for every such handler, whether or not its flavor
// differs from the one this package received the request in.
type ThreadStateFunc func(threadID uint64, flavor int32) ([]uint32, error)

// Sender transmits an already-encoded message to a raw Mach port name
// without awaiting a reply. Implemented by machshimSender (in the root
// package's barrier_darwin.go) on darwin and by a fake in tests.
type Sender interface {
	SendRaw(destPort uint32, msg []byte) error
}

// Forward re-encodes req for prev's behavior/width and sends it to prev's
// port via sender. threadID identifies the faulting thread, used to
// re-acquire its state in prev's flavor when prev carries thread state.
//
// Forward never blocks waiting for prev's handler to reply: the forwarded
// message's remote_port (reply port) is preserved unchanged from req, so
// that handler's eventual reply goes directly back to the kernel, bypassing
// this package entirely.
func Forward(req xcwire.Request, prev PreviousHandler, threadID uint64, getState ThreadStateFunc, sender Sender) error {
	if prev.Port == NullPort {
		return fmt.Errorf("forward: no previous handler recorded (NULL_PORT)")
	}

	var state []uint32
	if prev.Behavior != xcwire.BehaviorDefault {
		s, err := getState(threadID, prev.Flavor)
		if err != nil {
			return fmt.Errorf("forward: re-acquiring thread state in flavor %d: %w", prev.Flavor, err)
		}
		state = s
	}

	msg := xcwire.EncodeForBehavior(req, prev.Behavior, prev.Width, prev.Port, prev.Flavor, state)

	if err := sender.SendRaw(prev.Port, msg); err != nil {
		return fmt.Errorf("forward: send to previous handler port %d: %w", prev.Port, err)
	}
	return nil
}
