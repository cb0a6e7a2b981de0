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

package seh

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mpsxc/xcbarrier"
)

// amd64ContextSize is a conservative upper bound on sizeof(CONTEXT) on
// 64-bit Windows (the real struct is 1232 bytes as of the Windows 10 SDK);
// rounded up so a slightly larger future CONTEXT never truncates the
// register file this package hands to the resolver.
const amd64ContextSize = 1536

var (
	gResolve xcbarrier.ResolveFunc
	gOnce    sync.Once
	gHandle  uintptr

	modKernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procAddVectoredExceptionHandler = modKernel32.NewProc("AddVectoredExceptionHandler")
)

// Install registers resolve as the process's structured-exception filter
// via AddVectoredExceptionHandler, the same delegation shape mpsiw3.c's
// mps_SEH_filter -> ProtSEHfilter expresses. Install may be called more
// than once; only the first call's resolve wins (see onceGuard in
// state.go for the Mach-side equivalent).
//
// AddVectoredExceptionHandler, not SetUnhandledExceptionFilter, is used
// deliberately: a vectored handler runs before the language-level/SEH
// frame-based handlers a host program may install, matching the priority
// a kernel exception port has over in-process handlers on Mach.
func Install(resolve xcbarrier.ResolveFunc) error {
	if resolve == nil {
		panic("seh: Install called with a nil ResolveFunc")
	}

	var setupErr error
	gOnce.Do(func() {
		gResolve = resolve

		callback := syscall.NewCallback(sehCallback)
		r1, _, err := procAddVectoredExceptionHandler.Call(1 /* CALL_FIRST */, callback)
		if r1 == 0 {
			setupErr = fmt.Errorf("seh: AddVectoredExceptionHandler failed: %v", err)
			return
		}
		gHandle = r1
	})

	return setupErr
}

// sehCallback is the raw vectored-exception-handler trampoline the kernel
// calls directly; it must match the native LONG (*)(PEXCEPTION_POINTERS)
// signature exactly; all real work happens in protFilter.
func sehCallback(infoPtr uintptr) uintptr {
	if infoPtr == 0 || gResolve == nil {
		return uintptr(exceptionContinueSearch)
	}

	raw := (*rawExceptionPointers)(unsafe.Pointer(infoPtr))
	if raw.Record == 0 {
		return uintptr(exceptionContinueSearch)
	}

	rec := (*ExceptionRecord)(unsafe.Pointer(raw.Record))
	info := &ExceptionPointers{Record: rec, Context: raw.Context}

	state := contextThreadState(raw.Context)

	result := protFilter(gResolve, info, state)
	return uintptr(int32(result))
}

// rawExceptionPointers matches EXCEPTION_POINTERS's actual field layout
// (two pointer-sized fields); ExceptionPointers (filter.go) is the
// decoded, Go-friendly view built from it.
type rawExceptionPointers struct {
	Record  uintptr
	Context uintptr
}

// contextThreadState copies the raw CONTEXT bytes at ptr into a Go slice.
// The real CONTEXT layout is architecture-specific and deliberately not
// decoded field-by-field here, the same hand-rolled-ABI rationale applied
// to the Mach side: this package only hands the bytes through to the
// resolver and never interprets individual registers itself. The bytes
// are a copy; changes the resolver makes to them are not written back to
// the thread's CONTEXT.
func contextThreadState(ptr uintptr) []byte {
	if ptr == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), amd64ContextSize)
	out := make([]byte, amd64ContextSize)
	copy(out, src)
	return out
}
