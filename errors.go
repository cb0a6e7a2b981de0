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
	"os"
)

var (
	// ErrUnsupportedPlatform is returned by Setup on any GOOS that has no
	// ExceptionPort implementation wired in (see barrier_unsupported.go).
	ErrUnsupportedPlatform = errors.New("xcbarrier: no exception port implementation for this platform")

	// ErrAlreadySetUp names a Setup call made with a different Config than
	// the one that won the race. Setup does not compare Configs and never
	// returns it: the underlying setup is idempotent (see state.go), and
	// every call returns the outcome of the one call that actually ran.
	ErrAlreadySetUp = errors.New("xcbarrier: already set up with a different configuration")

	// ErrMalformedRequest names a received message that doesn't match the
	// REQUEST_STATE_IDENTITY_64 layout this module registers to receive.
	// No function in this package returns it: HandlerLoop passes a
	// malformed request's specific error to fatal instead.
	ErrMalformedRequest = errors.New("xcbarrier: malformed exception request")

	// ErrNotRegistered is returned by RegisterThread when Setup has not
	// installed an exception port (it has not run, or it failed).
	ErrNotRegistered = errors.New("xcbarrier: thread not registered with the handler")
)

// fatal is called for conditions protxc.c treats as unrecoverable --
// failures of the Mach calls that install or query exception ports, and
// malformed requests that violate the kernel contract -- which the
// original aborts the process for rather than propagating as an error,
// since a mutator that cannot install its barrier cannot safely continue.
// The default logs the diagnostic through gErrorLogger, so a caller who
// wired Config.ErrorLogger to their own sink still sees it, then exits the
// process. Tests override this var with a panic-and-recover stand-in so
// they can observe the call instead of actually exiting the test binary.
var fatal = func(format string, args ...interface{}) {
	gErrorLogger.Printf(format, args...)
	os.Exit(1)
}
