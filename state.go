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
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/mpsxc/xcbarrier/forward"
)

// barrierState is the single process-wide record of this package's mutable
// state: the port, the handler goroutine, the setup-thread identity, and
// the once-guard, mirroring SPEC_FULL.md section 3's "process-wide state"
// realized as an unexported singleton rather than free package vars, so
// that its invariants can be checked in one place.
type barrierState struct {
	mu syncutil.InvariantMutex

	// onceGuard serializes Setup so that port allocation and the handler
	// goroutine spawn happen at most once per process.
	onceGuard sync.Once
	setupErr  error

	resolve ResolveFunc
	clock   timeutil.Clock

	// setupThreadID is the OS thread ID (as returned by port.threadSelf,
	// or a stand-in in tests) that called Setup; RegisterThread treats
	// re-registering this thread as a no-op. GUARDED_BY(mu)
	setupThreadID uint64
	registered    map[uint64]bool // GUARDED_BY(mu)

	// prev records the previously installed handler for each registered
	// thread, consulted by the Forwarder. GUARDED_BY(mu)
	prev map[uint64]forward.PreviousHandler

	port receiverPort // the platform exception port; nil until Setup runs
}

var gState = &barrierState{
	registered: make(map[uint64]bool),
	prev:       make(map[uint64]forward.PreviousHandler),
}

func init() {
	gState.mu = syncutil.NewInvariantMutex(gState.checkInvariants)
}

// checkInvariants enforces SPEC_FULL.md section 5's structural invariants:
// at most one handler goroutine recorded (implicit: port is set at most
// once, by onceGuard), every registered thread has a previous-handler
// record.
func (s *barrierState) checkInvariants() {
	for tid := range s.registered {
		if _, ok := s.prev[tid]; !ok {
			panic(fmt.Sprintf("xcbarrier: thread %d registered with no previous-handler record", tid))
		}
	}
}

// receiverPort is the platform-specific handle Setup produces: the
// allocated exception port plus whatever the handler goroutine needs to
// drive loop.go's receiver interface. barrier_darwin.go and
// barrier_unsupported.go each provide one implementation of newPort.
type receiverPort interface {
	receiver
	// registerThread swaps the given OS thread's BAD_ACCESS port to this
	// port's name and returns the previous handler record.
	registerThread(threadID uint64) (forward.PreviousHandler, error)
	// threadSelf returns an identifier for the calling OS thread, stable
	// only for the lifetime of the thread.
	threadSelf() uint64
}

func setupState(resolve ResolveFunc, cfg *Config) error {
	gState.onceGuard.Do(func() {
		gState.mu.Lock()
		defer gState.mu.Unlock()

		gState.resolve = resolve
		if cfg.Clock != nil {
			gState.clock = cfg.Clock.(timeutil.Clock)
		} else {
			gState.clock = timeutil.RealClock()
		}

		timeout := cfg.ReceiveTimeout
		if timeout <= 0 {
			timeout = defaultReceiveTimeout
		}

		port, err := newPort()
		if err == ErrUnsupportedPlatform {
			gState.setupErr = err
			return
		}
		if err != nil {
			gState.setupErr = err
			fatal("xcbarrier: setup: %v", err)
			return
		}
		gState.port = port

		// Register the setup thread implicitly, per spec.md section 4.1;
		// explicit later calls to RegisterThread for this same thread are
		// a no-op (registerThreadState checks setupThreadID).
		tid := port.threadSelf()
		prev, err := port.registerThread(tid)
		if err != nil {
			gState.setupErr = err
			fatal("xcbarrier: setup: registering setup thread: %v", err)
			return
		}
		gState.setupThreadID = tid
		gState.registered[tid] = true
		gState.prev[tid] = prev

		go runHandlerLoop(port, resolve, timeout, gState.clock)
	})

	return gState.setupErr
}

func registerThreadState() error {
	gState.mu.Lock()
	defer gState.mu.Unlock()

	if gState.port == nil {
		return ErrNotRegistered
	}

	tid := gState.port.threadSelf()
	if tid == gState.setupThreadID {
		return nil
	}
	if gState.registered[tid] {
		return nil
	}

	prev, err := gState.port.registerThread(tid)
	if err != nil {
		return err
	}

	gState.registered[tid] = true
	gState.prev[tid] = prev
	return nil
}

// previousHandlerFor looks up the previous-handler record the Forwarder
// should target for the given thread. Called only from the handler
// goroutine after HandlerLoop has already classified a request, so no
// separate synchronization beyond the map's own guard is required here;
// the map entry was written (happens-before, via the kernel's swap reply)
// before any fault on that thread could be delivered.
func previousHandlerFor(threadID uint64) forward.PreviousHandler {
	gState.mu.Lock()
	defer gState.mu.Unlock()
	return gState.prev[threadID]
}
