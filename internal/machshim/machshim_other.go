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

//go:build !darwin

package machshim

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by every function in this file that returns
// an error (the others return zero values): machshim has
// no non-cgo, non-Darwin implementation, since there is no Mach kernel to
// talk to. barrier_unsupported.go is what actually surfaces this to
// callers of Setup; these stubs exist only so the package itself compiles
// on every GOOS, matching jacobsa/fuse's mount_linux.go/mount_darwin.go
// split where both platform files always exist.
var ErrUnsupported = errors.New("machshim: not supported on this platform")

// ErrTimeout mirrors the darwin build's sentinel so callers can compare
// against it uniformly; it is never actually returned here.
var ErrTimeout = errors.New("machshim: receive timeout")

type Port uint32

func NativeFlavor() int32 { return 0 }

func NativeFlavorWordCount() int { return 0 }

func AllocateReceivePort() (Port, error) { return 0, ErrUnsupported }

func ThreadSelf() uint64 { return 0 }

func TaskSelf() uint64 { return 0 }

func SwapExceptionPorts(thread uint64, port Port, flavor int32) (oldPort Port, oldBehavior int32, oldFlavor int32, err error) {
	return 0, 0, 0, ErrUnsupported
}

func Receive(port Port, timeout time.Duration) ([]byte, error) { return nil, ErrUnsupported }

func Send(msg []byte) error { return ErrUnsupported }

func GetThreadState(thread uint64, flavor int32, maxWords int) ([]uint32, error) {
	return nil, ErrUnsupported
}
