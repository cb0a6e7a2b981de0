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

// Package machshim is the sole owner of the Mach kernel ABI this module
// depends on: port allocation, exception port registration, message send
// and receive, and thread-state query. Everything above this package
// operates on xcwire's hand-rolled wire structs and never touches cgo or
// mach/*.h directly, the same separation Dparker1990-dbg's proc_darwin.go
// draws between its OSProcessDetails/C helpers and the rest of the proc
// package.
package machshim

/*
#include <mach/mach.h>
#include <mach/message.h>
#include <mach/mach_error.h>
#include <mach/exception_types.h>
#include <mach/thread_status.h>

// exc_mask_t for EXC_BAD_ACCESS, spelled out here rather than pulled from
// a generated header, per the hand-rolled-ABI rationale in protxc.c.
static const exception_mask_t kBadAccessMask = (1 << EXC_BAD_ACCESS);

// behavior with MACH_EXCEPTION_CODES | EXCEPTION_STATE_IDENTITY, the mode
// this module always registers with for its own port.
static const exception_behavior_t kStateIdentityBehavior =
    EXCEPTION_STATE_IDENTITY | MACH_EXCEPTION_CODES;
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Port is a raw Mach port name.
type Port uint32

// NativeFlavor is the machine-native thread-state flavor
// (MACHINE_THREAD_STATE), portable across x86_64 and arm64: the kernel
// headers define it per-architecture so callers never hardcode
// x86_THREAD_STATE64 or ARM_THREAD_STATE64 directly.
func NativeFlavor() int32 { return int32(C.MACHINE_THREAD_STATE) }

// NativeFlavorWordCount is the word count of NativeFlavor's state record
// (MACHINE_THREAD_STATE_COUNT).
func NativeFlavorWordCount() int { return int(C.MACHINE_THREAD_STATE_COUNT) }

// AllocateReceivePort allocates a port with a RECEIVE right in the current
// task and inserts a SEND right on the same name -- required for some
// re-delivery patterns, per ExceptionPort.setup's contract.
func AllocateReceivePort() (Port, error) {
	var name C.mach_port_t
	kr := C.mach_port_allocate(C.mach_task_self_, C.MACH_PORT_RIGHT_RECEIVE, &name)
	if kr != C.KERN_SUCCESS {
		return 0, krError("mach_port_allocate", kr)
	}

	kr = C.mach_port_insert_right(C.mach_task_self_, name, name, C.MACH_MSG_TYPE_MAKE_SEND)
	if kr != C.KERN_SUCCESS {
		return 0, krError("mach_port_insert_right", kr)
	}

	return Port(name), nil
}

// ThreadSelf returns the calling OS thread's kernel port name. Must be
// called with the calling goroutine pinned via runtime.LockOSThread, or
// the returned identity is meaningless by the time the caller uses it.
func ThreadSelf() uint64 {
	return uint64(C.mach_thread_self())
}

// TaskSelf returns the current task's kernel port name
// (mach_task_self), stable for the life of the process. HandlerLoop uses
// it to assert that every received request's task field names this
// process, per protxc.c's AVER(request.task.name == mach_task_self()).
func TaskSelf() uint64 {
	return uint64(C.mach_task_self_)
}

// SwapExceptionPorts installs port to receive BAD_ACCESS exceptions for
// the given thread (per-thread registration, not per-task -- see
// barrier.go's RegisterThread doc), returning whatever was previously
// installed. flavor is the thread-state flavor the kernel should attach to
// every message it delivers to port (e.g. the host's native machine-thread
// flavor); it has no bearing on what SwapExceptionPorts returns about the
// handler it replaces.
func SwapExceptionPorts(thread uint64, port Port, flavor int32) (oldPort Port, oldBehavior int32, oldFlavor int32, err error) {
	var (
		oldPorts   [1]C.mach_port_t
		oldMasks   [1]C.exception_mask_t
		oldBehavs  [1]C.exception_behavior_t
		oldFlavors [1]C.thread_state_flavor_t
		count      C.mach_msg_type_number_t
	)
	count = 1

	kr := C.thread_swap_exception_ports(
		C.thread_act_t(thread),
		C.kBadAccessMask,
		C.kStateIdentityBehavior,
		C.thread_state_flavor_t(flavor),
		&oldMasks[0],
		&count,
		&oldPorts[0],
		&oldBehavs[0],
		&oldFlavors[0],
	)
	if kr != C.KERN_SUCCESS {
		return 0, 0, 0, krError("thread_swap_exception_ports", kr)
	}
	if count == 0 {
		return 0, 0, 0, nil
	}

	return Port(oldPorts[0]), int32(oldBehavs[0]), int32(oldFlavors[0]), nil
}

// Receive blocks for up to timeout for the next message on port, returning
// the raw bytes received. A zero-length, non-nil slice with a nil error is
// never returned; a timed-out receive returns ErrTimeout.
func Receive(port Port, timeout time.Duration) ([]byte, error) {
	const bufSize = 4096
	buf := make([]byte, bufSize)

	hdr := (*C.mach_msg_header_t)(unsafe.Pointer(&buf[0]))
	hdr.msgh_local_port = C.mach_port_t(port)
	hdr.msgh_size = C.mach_msg_size_t(bufSize)

	kr := C.mach_msg(
		hdr,
		C.MACH_RCV_MSG|C.MACH_RCV_TIMEOUT,
		0,
		C.mach_msg_size_t(bufSize),
		C.mach_port_t(port),
		C.mach_msg_timeout_t(timeout.Milliseconds()),
		C.MACH_PORT_NULL,
	)
	if kr == C.MACH_RCV_TIMED_OUT {
		return nil, ErrTimeout
	}
	if kr != C.MACH_MSG_SUCCESS {
		return nil, krError("mach_msg receive", kr)
	}

	n := int(hdr.msgh_size)
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n], nil
}

// Send transmits msg, whose first bytes are a valid mach_msg_header_t
// naming the destination in msgh_remote_port, to the kernel.
func Send(msg []byte) error {
	if len(msg) < int(unsafe.Sizeof(C.mach_msg_header_t{})) {
		return fmt.Errorf("machshim: message too short: %d bytes", len(msg))
	}

	hdr := (*C.mach_msg_header_t)(unsafe.Pointer(&msg[0]))
	kr := C.mach_msg(
		hdr,
		C.MACH_SEND_MSG,
		C.mach_msg_size_t(len(msg)),
		0,
		C.MACH_PORT_NULL,
		C.MACH_MSG_TIMEOUT_NONE,
		C.MACH_PORT_NULL,
	)
	if kr != C.MACH_MSG_SUCCESS {
		return krError("mach_msg send", kr)
	}
	return nil
}

// GetThreadState re-acquires thread's register file in the given flavor,
// returning up to maxWords 32-bit words. Used by the Forwarder to
// re-derive state in a previously installed handler's flavor whenever
// that handler's behavior carries thread state.
func GetThreadState(thread uint64, flavor int32, maxWords int) ([]uint32, error) {
	count := C.mach_msg_type_number_t(maxWords)
	state := make([]C.natural_t, maxWords)

	kr := C.thread_get_state(
		C.thread_act_t(thread),
		C.thread_state_flavor_t(flavor),
		(*C.natural_t)(unsafe.Pointer(&state[0])),
		&count,
	)
	if kr != C.KERN_SUCCESS {
		return nil, krError("thread_get_state", kr)
	}

	out := make([]uint32, int(count))
	for i := range out {
		out[i] = uint32(state[i])
	}
	return out, nil
}

// ErrTimeout is returned by Receive when the deadline passed with no
// message pending.
var ErrTimeout = unix.ETIMEDOUT

func krError(call string, kr C.kern_return_t) error {
	return fmt.Errorf("machshim: %s: kern_return_t %d (%s)", call, int32(kr), C.GoString(C.mach_error_string(kr)))
}
