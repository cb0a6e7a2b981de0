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
	"log"
	"time"
)

// AccessMode describes which kind of access faulted.
type AccessMode uint8

const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessRead | AccessWrite:
		return "read|write"
	default:
		return "none"
	}
}

// MutatorFaultContext is the opaque context handed to a ResolveFunc: the
// faulting address and the suspended thread's raw register file. ThreadState
// is a copy of the words the reply will carry back to the kernel; after the
// resolver returns, its contents are copied into the reply, so a resolver
// that mutates it (to single-step past a weak-reference read, say) has its
// edits threaded into the reply by ReplyBuilder.
type MutatorFaultContext struct {
	Address     uintptr
	ThreadState []byte
}

// ResolveFunc is the collector's sole upcall. It is invoked on the handler
// goroutine while the faulting thread is suspended by the kernel; it must
// not touch the faulting thread's user stack or any lock the faulting
// thread could hold (see SPEC_FULL.md section 5's re-entrancy hazard).
//
// A true return means the access has been made legal (protection lifted,
// object scanned, barrier discharged) and the mutator may resume at the
// same instruction. A false return means the fault is not this module's to
// service; it is forwarded to any previously installed handler, or replied
// to with failure if there is none.
type ResolveFunc func(addr uintptr, mode AccessMode, ctx *MutatorFaultContext) bool

// Config configures Setup. A nil Config is equivalent to &Config{}: logging
// discarded, ReceiveTimeout defaulted.
type Config struct {
	DebugLogger *log.Logger
	ErrorLogger *log.Logger

	// ReceiveTimeout bounds each blocking receive on the exception port;
	// HandlerLoop retries silently on timeout. Zero selects
	// defaultReceiveTimeout. The timeout exists solely so the loop can
	// notice process shutdown; the core itself never cancels a receive.
	ReceiveTimeout time.Duration

	// Clock overrides the clock used for the receive-timeout retry loop.
	// Nil selects timeutil.RealClock(). Tests substitute a fake clock to
	// exercise the retry path without a real kernel port.
	Clock interface {
		Now() time.Time
	}
}

const defaultReceiveTimeout = 250 * time.Millisecond

// Setup allocates the exception port, launches the HandlerLoop goroutine,
// and registers the calling thread as a mutator, exactly once per process.
// Concurrent callers all block until the one call that wins the race
// completes, then all observe a fully-initialized subsystem; see
// state.go's onceGuard.
//
// Setup must run on a locked OS thread for the duration of the call if the
// caller intends to immediately fault on this same thread, since thread
// registration (like RegisterThread) binds to the calling goroutine's
// current OS thread.
//
// Kernel errors during port allocation or thread spawn are fatal: a
// collector that cannot install its own memory barrier cannot safely
// continue running (SPEC_FULL.md section 7).
func Setup(resolve ResolveFunc, cfg *Config) error {
	if resolve == nil {
		panic("xcbarrier: Setup called with a nil ResolveFunc")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	installLoggers(cfg)

	return setupState(resolve, cfg)
}

// RegisterThread registers the calling goroutine's current OS thread as a
// mutator: its BAD_ACCESS exception port is swapped to this package's
// handler port, and any previously installed handler for the thread is
// recorded for the Forwarder.
//
// RegisterThread always acts on the calling goroutine's current OS thread.
// LOCKS_EXCLUDED(none), but callers MUST call runtime.LockOSThread() before
// calling RegisterThread and must not call runtime.UnlockOSThread() for as
// long as the thread is expected to receive exceptions here -- Mach
// exception-port registration is a property of the OS thread, not of the
// goroutine, and an unpinned goroutine may migrate to a different OS
// thread between RegisterThread and the fault it was meant to catch.
//
// Calling RegisterThread for the setup thread (the thread that called
// Setup) is a no-op: Setup already registered it implicitly.
func RegisterThread() error {
	return registerThreadState()
}
